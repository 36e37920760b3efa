package app

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

// RouterPlacer places a new router on a worker.
type RouterPlacer interface {
	SelectWorker(ctx context.Context) (core.Router, int, error)
}

type placement struct {
	router core.Router
	pid    int
}

// Registry maps conference ids to conferences and socket ids to sessions.
type Registry struct {
	placer   RouterPlacer
	settings ConferenceSettings
	policy   Policy
	started  time.Time

	creating singleflight.Group

	mu          sync.RWMutex
	conferences map[domain.ConferenceID]*Conference
	sessions    map[domain.SocketID]*Session
}

func NewRegistry(placer RouterPlacer, settings ConferenceSettings, policy Policy) *Registry {
	return &Registry{
		placer:      placer,
		settings:    settings,
		policy:      policy,
		started:     time.Now(),
		conferences: make(map[domain.ConferenceID]*Conference),
		sessions:    make(map[domain.SocketID]*Session),
	}
}

// GetOrCreate returns the live conference for id, creating it on the least-loaded
// worker if needed. At most one creation per id is in flight. The conference is
// returned held; the caller must Release it.
func (r *Registry) GetOrCreate(ctx context.Context, id domain.ConferenceID, name string) (*Conference, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c, ok := r.Conference(id); ok {
			if c.Hold() {
				return c, nil
			}
			r.removeIfSame(c)
			continue
		}

		v, err, _ := r.creating.Do(string(id), func() (any, error) {
			if c, ok := r.Conference(id); ok {
				return c, nil
			}
			// Shared by every waiter, so it must not die with the first caller.
			pl, err := delegate(context.WithoutCancel(ctx), r.settings.RequestTimeout, func(ctx context.Context) (placement, error) {
				router, pid, err := r.placer.SelectWorker(ctx)
				return placement{router: router, pid: pid}, err
			}, func(pl placement) { closeQuietly(pl.router) })
			if err != nil {
				return nil, err
			}
			router, pid := pl.router, pl.pid
			c := NewConference(id, name, router, pid, r.settings, r.policy, r.removeIfSame)
			r.mu.Lock()
			r.conferences[id] = c
			r.mu.Unlock()
			log.Info().
				Str("module", "app.registry").
				Str("conference", string(id)).
				Str("router", router.ID()).
				Int("worker_pid", pid).
				Msg("conference created")
			return c, nil
		})
		if err != nil {
			return nil, err
		}
		c := v.(*Conference)
		if c.Hold() {
			return c, nil
		}
		r.removeIfSame(c)
	}
}

// removeIfSame deregisters c unless id already points at a newer conference.
func (r *Registry) removeIfSame(c *Conference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conferences[c.ID] == c {
		delete(r.conferences, c.ID)
		log.Info().Str("module", "app.registry").Str("conference", string(c.ID)).Msg("conference removed")
	}
}

func (r *Registry) Conference(id domain.ConferenceID) (*Conference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conferences[id]
	return c, ok
}

// Conferences returns the live conferences ordered by id.
func (r *Registry) Conferences() []*Conference {
	r.mu.RLock()
	out := make([]*Conference, 0, len(r.conferences))
	for _, c := range r.conferences {
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Conference) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) FindParticipant(conf domain.ConferenceID, id domain.ParticipantID) (*Conference, *Participant, error) {
	c, ok := r.Conference(conf)
	if !ok {
		return nil, nil, core.ErrConferenceNotFound
	}
	p, ok := c.Participant(id)
	if !ok {
		return nil, nil, core.ErrParticipantNotFound
	}
	return c, p, nil
}

// ---------- sessions ----------

func (r *Registry) Register(sid domain.SocketID, conn core.SignalConnection, clientID string) *Session {
	s := newSession(sid, conn, clientID)
	r.mu.Lock()
	r.sessions[sid] = s
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("client", clientID).Msg("bound session")
	return s
}

func (r *Registry) Session(sid domain.SocketID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) Unregister(sid domain.SocketID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

type Stats struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	Conferences   int   `json:"conferences"`
	Participants  int   `json:"participants"`
	Connections   int   `json:"connections"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	confs := make([]*Conference, 0, len(r.conferences))
	for _, c := range r.conferences {
		confs = append(confs, c)
	}
	st := Stats{
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Conferences:   len(r.conferences),
		Connections:   len(r.sessions),
	}
	r.mu.RUnlock()
	for _, c := range confs {
		st.Participants += c.Size()
	}
	return st
}
