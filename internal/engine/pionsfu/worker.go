// Package pionsfu is a routing engine built from pion's ORTC objects. Each worker
// owns its own webrtc.API and relays RTP between the transports of its routers.
package pionsfu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/core"
)

var ErrWorkerClosed = errors.New("pionsfu: worker closed")

type Config struct {
	UDPPortMin  uint16
	UDPPortMax  uint16
	AnnouncedIP string
	ICEServers  []webrtc.ICEServer

	IncludeLoopback bool
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) NewWorker(ctx context.Context, index int) (core.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newWorker(f.cfg, index)
}

// Worker runs in-process, so PID is the service's own pid.
type Worker struct {
	index      int
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	base       zerolog.Logger
	logger     zerolog.Logger

	// Cumulative time spent relaying packets and serving control calls.
	relayNanos   atomic.Int64
	controlNanos atomic.Int64

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool

	died    chan error
	dieOnce sync.Once
}

func newWorker(cfg Config, index int) (*Worker, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range routerCodecs {
		if err := m.RegisterCodec(c, codecType(codecKind(c.MimeType))); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(index)}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	w := &Worker{
		index:      index,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		iceServers: cfg.ICEServers,
		base:       log.With().Int("worker", index).Logger(),
		routers:    make(map[string]*Router),
		died:       make(chan error, 1),
	}
	w.logger = named(w.base, "pionsfu.worker")
	w.logger.Info().Msg("worker started")
	return w, nil
}

func (w *Worker) PID() int { return os.Getpid() }

func (w *Worker) ResourceUsage(ctx context.Context) (core.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return core.ResourceUsage{}, err
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return core.ResourceUsage{}, ErrWorkerClosed
	}
	return core.ResourceUsage{
		UserTime:   time.Duration(w.relayNanos.Load()),
		SystemTime: time.Duration(w.controlNanos.Load()),
	}, nil
}

// track charges the time since start to the control counter.
func (w *Worker) track(start time.Time) {
	w.controlNanos.Add(int64(time.Since(start)))
}

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	defer w.track(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Router{
		id:         uuid.NewString(),
		worker:     w,
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
	}
	r.base = w.base.With().Str("router", r.id).Logger()
	r.logger = named(r.base, "pionsfu.router")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	w.routers[r.id] = r
	r.logger.Debug().Msg("router created")
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

func (w *Worker) Died() <-chan error { return w.died }

// die reports an unrecoverable failure once.
func (w *Worker) die(err error) {
	w.dieOnce.Do(func() {
		w.logger.Error().Err(err).Msg("worker died")
		w.died <- err
	})
}

// guard turns a panic in a relay goroutine into worker death.
func (w *Worker) guard() {
	if r := recover(); r != nil {
		w.die(fmt.Errorf("relay panic: %v", r))
	}
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		errs = append(errs, r.Close())
	}
	w.logger.Info().Int("routers", len(routers)).Msg("worker closed")
	return errors.Join(errs...)
}
