package pionsfu

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voiceconf/internal/core"
)

var ErrRouterClosed = errors.New("pionsfu: router closed")

type Router struct {
	id     string
	worker *Worker
	base   zerolog.Logger
	logger zerolog.Logger

	mu         sync.RWMutex
	producers  map[string]*Producer
	transports map[string]*Transport
	closed     bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() core.RTPCapabilities { return capabilities() }

// CanConsume reports whether caps can receive the producer's codec.
func (r *Router) CanConsume(producerID string, caps core.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return matchCodec(p.codec, caps.Codecs)
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	defer r.worker.track(time.Now())
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}

	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		errs = append(errs, t.Close())
	}
	r.worker.removeRouter(r.id)
	r.logger.Debug().Int("transports", len(transports)).Msg("router closed")
	return errors.Join(errs...)
}
