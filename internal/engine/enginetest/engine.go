// Package enginetest is an in-memory routing engine for tests. It records every
// resource it hands out and can be told to fail, stall or die.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

// Operations that can be stalled or failed.
const (
	OpCreateRouter    = "createRouter"
	OpCreateTransport = "createTransport"
	OpConnect         = "connect"
	OpProduce         = "produce"
	OpConsume         = "consume"
)

var ErrClosed = errors.New("enginetest: closed")

var Opus = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	PayloadType:        111,
}

var VP8 = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	PayloadType:        96,
}

// Caps can receive everything the engine routes.
func Caps() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: []webrtc.RTPCodecParameters{Opus, VP8}}
}

// SendParams are minimal produce parameters for kind.
func SendParams(kind domain.MediaKind) webrtc.RTPSendParameters {
	codec := VP8
	if kind == domain.KindAudio {
		codec = Opus
	}
	return webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{codec}},
		Encodings:     []webrtc.RTPEncodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 1111}}},
	}
}

// DTLS returns client DTLS parameters for connect requests.
func DTLS() *webrtc.DTLSParameters {
	return &webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}
}

// ICE returns client ICE parameters for connect requests.
func ICE() *webrtc.ICEParameters {
	return &webrtc.ICEParameters{UsernameFragment: "client", Password: "client-password"}
}

type fault struct {
	delay time.Duration
	err   error
}

// Engine implements core.WorkerFactory.
type Engine struct {
	mu         sync.Mutex
	workers    []*Worker
	routers    []*Router
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	transports []*Transport
	faults     map[string]fault
	workerErr  map[int]error
}

func New() *Engine {
	return &Engine{
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		faults:    make(map[string]fault),
		workerErr: make(map[int]error),
	}
}

// FailWorker makes NewWorker fail for index.
func (e *Engine) FailWorker(index int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workerErr[index] = err
}

// Stall makes op sleep for d, ignoring its context, before answering.
func (e *Engine) Stall(op string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.faults[op]
	f.delay = d
	e.faults[op] = f
}

func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.faults[op]
	f.err = err
	e.faults[op] = f
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = make(map[string]fault)
}

func (e *Engine) apply(op string) error {
	e.mu.Lock()
	f := e.faults[op]
	e.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (e *Engine) NewWorker(ctx context.Context, index int) (core.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.workerErr[index]; err != nil {
		return nil, err
	}
	w := &Worker{engine: e, index: index, pid: 1000 + index, died: make(chan error, 1)}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

func (e *Engine) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Transport(nil), e.transports...)
}

func (e *Engine) Producer(id string) (*Producer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.producers[id]
	return p, ok
}

func (e *Engine) Consumer(id string) (*Consumer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.consumers[id]
	return c, ok
}

// OpenProducers counts producers that were created and not closed.
func (e *Engine) OpenProducers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.producers {
		if !p.Closed() {
			n++
		}
	}
	return n
}

// ---------- worker ----------

type Worker struct {
	engine *Engine
	index  int
	pid    int
	died   chan error

	mu         sync.Mutex
	usage      core.ResourceUsage
	usageErr   error
	usageDelay time.Duration
	closed     bool
	dieOnce    sync.Once
}

func (w *Worker) Index() int { return w.index }

func (w *Worker) PID() int { return w.pid }

func (w *Worker) SetUsage(cpu time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = core.ResourceUsage{UserTime: cpu}
}

func (w *Worker) SetUsageError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageErr = err
}

// SetUsageDelay makes usage queries hang for d regardless of their context.
func (w *Worker) SetUsageDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageDelay = d
}

func (w *Worker) ResourceUsage(ctx context.Context) (core.ResourceUsage, error) {
	w.mu.Lock()
	u, err, d := w.usage, w.usageErr, w.usageDelay
	w.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return u, err
}

func (w *Worker) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := w.engine.apply(OpCreateRouter); err != nil {
		return nil, err
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	r := &Router{engine: w.engine, worker: w, id: uuid.NewString()}
	w.engine.mu.Lock()
	w.engine.routers = append(w.engine.routers, r)
	w.engine.mu.Unlock()
	return r, nil
}

func (w *Worker) Died() <-chan error { return w.died }

// Kill simulates the worker process exiting.
func (w *Worker) Kill(err error) {
	w.dieOnce.Do(func() { w.died <- err })
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// ---------- router ----------

type Router struct {
	engine *Engine
	worker *Worker
	id     string

	mu     sync.Mutex
	closed bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) Worker() *Worker { return r.worker }

func (r *Router) RTPCapabilities() core.RTPCapabilities { return Caps() }

func (r *Router) CanConsume(producerID string, caps core.RTPCapabilities) bool {
	p, ok := r.engine.Producer(producerID)
	if !ok || p.router != r || p.Closed() {
		return false
	}
	for _, c := range caps.Codecs {
		if c.MimeType == p.codec.MimeType {
			return true
		}
	}
	return false
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if err := r.engine.apply(OpCreateTransport); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, ErrClosed
	}
	t := &Transport{router: r, id: uuid.NewString(), dir: opts.Direction}
	r.engine.mu.Lock()
	r.engine.transports = append(r.engine.transports, t)
	r.engine.mu.Unlock()
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ---------- transport ----------

type Transport struct {
	router *Router
	id     string
	dir    domain.Direction

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:             t.id,
		ICEParameters:  webrtc.ICEParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd"},
		DTLSParameters: webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto},
	}
}

func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	if err := t.router.engine.apply(OpConnect); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := t.router.engine.apply(OpProduce); err != nil {
		return nil, err
	}
	if err := t.usable(); err != nil {
		return nil, err
	}
	if len(opts.RTPParameters.Codecs) == 0 {
		return nil, fmt.Errorf("enginetest: no codec")
	}
	p := &Producer{router: t.router, transport: t, id: uuid.NewString(), kind: opts.Kind, codec: opts.RTPParameters.Codecs[0]}
	e := t.router.engine
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := t.router.engine.apply(OpConsume); err != nil {
		return nil, err
	}
	if err := t.usable(); err != nil {
		return nil, err
	}
	p, ok := t.router.engine.Producer(opts.ProducerID)
	if !ok || p.Closed() {
		return nil, core.ErrProducerNotFound
	}
	c := &Consumer{transport: t, producer: p, id: uuid.NewString(), paused: opts.Paused}
	e := t.router.engine
	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()
	return c, nil
}

func (t *Transport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return fmt.Errorf("enginetest: transport %s not connected", t.id)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ---------- producer / consumer ----------

type Producer struct {
	router    *Router
	transport *Transport
	id        string
	kind      domain.MediaKind
	codec     webrtc.RTPCodecParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	transport *Transport
	producer  *Producer
	id        string

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }

func (c *Consumer) RTPParameters() webrtc.RTPSendParameters {
	return webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{c.producer.codec}},
		Encodings:     []webrtc.RTPEncodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 2222}}},
	}
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

// Flowing reports whether media would reach the client.
func (c *Consumer) Flowing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused && !c.closed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
