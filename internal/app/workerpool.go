package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voiceconf/internal/core"
)

// WorkerDeath reports a routing worker that stopped unexpectedly.
type WorkerDeath struct {
	Index int
	PID   int
	Err   error
}

type poolEntry struct {
	index  int
	worker core.Worker
}

// WorkerPool owns the routing workers and places new routers on the least-loaded one.
type WorkerPool struct {
	factory      core.WorkerFactory
	count        int
	usageTimeout time.Duration

	mu      sync.RWMutex
	workers []poolEntry

	died      chan WorkerDeath
	closeOnce sync.Once
	done      chan struct{}
}

func NewWorkerPool(factory core.WorkerFactory, count int, usageTimeout time.Duration) *WorkerPool {
	return &WorkerPool{
		factory:      factory,
		count:        count,
		usageTimeout: usageTimeout,
		died:         make(chan WorkerDeath, count),
		done:         make(chan struct{}),
	}
}

// CreateWorkers provisions every worker concurrently. Any failure closes what was
// already created and fails the whole call.
func (p *WorkerPool) CreateWorkers(ctx context.Context) error {
	if p.count <= 0 {
		return fmt.Errorf("worker pool: invalid worker count %d", p.count)
	}
	created := make([]core.Worker, p.count)
	wp := pool.New().WithContext(ctx).WithCancelOnError()
	for i := 0; i < p.count; i++ {
		index := i
		wp.Go(func(ctx context.Context) error {
			w, err := p.factory.NewWorker(ctx, index)
			if err != nil {
				return fmt.Errorf("worker %d: %w", index, err)
			}
			created[index] = w
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		for _, w := range created {
			if w != nil {
				_ = w.Close()
			}
		}
		return fmt.Errorf("worker pool: %w", err)
	}

	entries := make([]poolEntry, 0, p.count)
	for i, w := range created {
		entries = append(entries, poolEntry{index: i, worker: w})
		log.Info().Str("module", "app.workerpool").Int("index", i).Int("worker_pid", w.PID()).Msg("worker created")
	}
	p.mu.Lock()
	p.workers = entries
	p.mu.Unlock()

	for _, e := range entries {
		go p.watch(e)
	}
	return nil
}

func (p *WorkerPool) watch(e poolEntry) {
	select {
	case err, ok := <-e.worker.Died():
		if !ok {
			return
		}
		log.Error().Err(err).Str("module", "app.workerpool").Int("index", e.index).Int("worker_pid", e.worker.PID()).Msg("worker died")
		select {
		case p.died <- WorkerDeath{Index: e.index, PID: e.worker.PID(), Err: err}:
		default:
		}
	case <-p.done:
	}
}

// Died delivers fatal worker deaths. The service is expected to terminate on the first one.
func (p *WorkerPool) Died() <-chan WorkerDeath { return p.died }

func (p *WorkerPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

type WorkerInfo struct {
	Index int                `json:"index"`
	PID   int                `json:"pid"`
	Usage core.ResourceUsage `json:"usage"`
	Err   string             `json:"error,omitempty"`
}

type usageSample struct {
	entry poolEntry
	usage core.ResourceUsage
	err   error
}

// sample queries every worker concurrently. A worker that errors or does not
// answer within usageTimeout is reported with err set.
func (p *WorkerPool) sample(ctx context.Context) []usageSample {
	p.mu.RLock()
	entries := make([]poolEntry, len(p.workers))
	copy(entries, p.workers)
	p.mu.RUnlock()

	samples := make([]usageSample, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, p.usageTimeout)
			defer cancel()
			u, err := p.queryUsage(qctx, e.worker)
			samples[i] = usageSample{entry: e, usage: u, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return samples
}

// queryUsage bounds the query by ctx even when the worker ignores it.
func (p *WorkerPool) queryUsage(ctx context.Context, w core.Worker) (core.ResourceUsage, error) {
	type result struct {
		u   core.ResourceUsage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := w.ResourceUsage(ctx)
		ch <- result{u, err}
	}()
	select {
	case r := <-ch:
		return r.u, r.err
	case <-ctx.Done():
		return core.ResourceUsage{}, ctx.Err()
	}
}

// SelectWorker picks the worker with the lowest cumulative CPU time (lowest index on
// ties) among those that answered, and creates a router on it.
func (p *WorkerPool) SelectWorker(ctx context.Context) (core.Router, int, error) {
	var (
		best  *usageSample
		count int
	)
	for _, s := range p.sample(ctx) {
		if s.err != nil {
			log.Warn().Err(s.err).Str("module", "app.workerpool").Int("index", s.entry.index).Msg("worker excluded from selection")
			continue
		}
		count++
		if best == nil || s.usage.Total() < best.usage.Total() ||
			(s.usage.Total() == best.usage.Total() && s.entry.index < best.entry.index) {
			best = &s
		}
	}
	if best == nil {
		return nil, 0, core.ErrNoWorkerAvailable
	}

	router, err := best.entry.worker.CreateRouter(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("create router on worker %d: %w", best.entry.index, err)
	}
	log.Info().
		Str("module", "app.workerpool").
		Int("index", best.entry.index).
		Int("worker_pid", best.entry.worker.PID()).
		Dur("cpu", best.usage.Total()).
		Int("candidates", count).
		Str("router", router.ID()).
		Msg("router placed")
	return router, best.entry.worker.PID(), nil
}

// Snapshot reports every worker with its latest usage sample.
func (p *WorkerPool) Snapshot(ctx context.Context) []WorkerInfo {
	samples := p.sample(ctx)
	out := make([]WorkerInfo, 0, len(samples))
	for _, s := range samples {
		info := WorkerInfo{Index: s.entry.index, PID: s.entry.worker.PID(), Usage: s.usage}
		if s.err != nil {
			info.Err = s.err.Error()
		}
		out = append(out, info)
	}
	return out
}

func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		workers := p.workers
		p.workers = nil
		p.mu.Unlock()
		for _, e := range workers {
			if err := e.worker.Close(); err != nil {
				log.Error().Err(err).Str("module", "app.workerpool").Int("index", e.index).Msg("worker close")
			}
		}
	})
}
