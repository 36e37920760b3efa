package app

import (
	"sync"
	"time"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoining
	StateJoined
	StateLeft
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "left"
	}
}

// Session is one signalling connection and what it is bound to. Left is terminal.
type Session struct {
	ID          domain.SocketID
	Conn        core.SignalConnection
	ClientID    string
	ConnectedAt time.Time

	mu          sync.Mutex
	state       ConnState
	conference  *Conference
	participant *Participant
}

func newSession(sid domain.SocketID, conn core.SignalConnection, clientID string) *Session {
	return &Session{ID: sid, Conn: conn, ClientID: clientID, ConnectedAt: time.Now()}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) BeginJoin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateJoining:
		return core.ErrJoinInProgress
	case StateJoined:
		return core.ErrAlreadyJoined
	case StateLeft:
		return core.ErrConnectionLeft
	}
	s.state = StateJoining
	return nil
}

// CompleteJoin binds the session. It reports false if the connection left while
// the join was in flight.
func (s *Session) CompleteJoin(c *Conference, p *Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoining {
		return false
	}
	s.state = StateJoined
	s.conference = c
	s.participant = p
	return true
}

func (s *Session) AbortJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateJoining {
		s.state = StateUnjoined
	}
}

func (s *Session) Binding() (*Conference, *Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return nil, nil, core.ErrNotConnected
	}
	return s.conference, s.participant, nil
}

// MarkLeft moves the session to left and returns the binding it had, if any.
// Repeated calls return ok=false.
func (s *Session) MarkLeft() (c *Conference, p *Participant, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft {
		return nil, nil, false
	}
	c, p = s.conference, s.participant
	ok = s.state == StateJoined
	s.state = StateLeft
	s.conference, s.participant = nil, nil
	return c, p, ok
}
