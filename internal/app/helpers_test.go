package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/engine/enginetest"
	"github.com/dkeye/voiceconf/internal/protocol"
)

var (
	errFull   = errors.New("queue full")
	errClosed = errors.New("closed")
)

// fakeSignal records every frame sent to a participant.
type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if s.full {
		return errFull
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignal) setFull(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
}

func (s *fakeSignal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type message struct {
	Type protocol.Event  `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *fakeSignal) messages(t *testing.T) []message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message, 0, len(s.frames))
	for _, f := range s.frames {
		var m message
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (s *fakeSignal) events(t *testing.T) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for _, m := range s.messages(t) {
		out = append(out, m.Type)
	}
	return out
}

// only returns the payloads of every message of type event.
func only[T any](t *testing.T, s *fakeSignal, event protocol.Event) []T {
	t.Helper()
	var out []T
	for _, m := range s.messages(t) {
		if m.Type != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(m.Data, &v))
		out = append(out, v)
	}
	return out
}

func testSettings() ConferenceSettings {
	return ConferenceSettings{
		Participant:    ParticipantLimits{MaxAudioProducers: 1, MaxVideoProducers: 2},
		RequestTimeout: time.Second,
	}
}

type confFixture struct {
	engine   *enginetest.Engine
	router   *enginetest.Router
	conf     *Conference
	tornDown chan struct{}
}

func newConfFixture(t *testing.T, settings ConferenceSettings) *confFixture {
	t.Helper()
	ctx := context.Background()
	engine := enginetest.New()
	w, err := engine.NewWorker(ctx, 0)
	require.NoError(t, err)
	r, err := w.CreateRouter(ctx)
	require.NoError(t, err)

	f := &confFixture{engine: engine, router: r.(*enginetest.Router), tornDown: make(chan struct{})}
	f.conf = NewConference("room-1", "Room", r, w.PID(), settings, SimplePolicy{}, func(*Conference) {
		close(f.tornDown)
	})
	return f
}

func (f *confFixture) join(t *testing.T, id string) (*Participant, *fakeSignal) {
	t.Helper()
	sig := &fakeSignal{}
	p, err := f.conf.Join(domain.ParticipantID(id), "name-"+id, domain.SocketID("sock-"+id), sig, nil, func(data any) {
		frame, err := protocol.Encode(protocol.OK("join-"+id, data))
		require.NoError(t, err)
		_ = sig.TrySend(frame)
	})
	require.NoError(t, err)
	return p, sig
}

func (f *confFixture) connect(t *testing.T, p *Participant, dir domain.Direction) {
	t.Helper()
	ctx := context.Background()
	_, err := f.conf.CreateTransport(ctx, p.ID, dir)
	require.NoError(t, err)
	require.NoError(t, f.conf.ConnectTransport(ctx, p.ID, dir, core.ConnectParams{}))
}

func (f *confFixture) produce(t *testing.T, p *Participant, role domain.StreamRole) string {
	t.Helper()
	kind := role.Kind()
	id, err := f.conf.Produce(context.Background(), p.ID, kind, role, enginetest.SendParams(kind), nil)
	require.NoError(t, err)
	return id
}

func nopReply(any) {}
