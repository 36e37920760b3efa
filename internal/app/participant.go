package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

// ParticipantLimits caps the producers a single participant may hold.
type ParticipantLimits struct {
	MaxAudioProducers int
	MaxVideoProducers int
}

func (l ParticipantLimits) max(kind domain.MediaKind) int {
	if kind == domain.KindAudio {
		return l.MaxAudioProducers
	}
	return l.MaxVideoProducers
}

type transportState int

const (
	transportCreating transportState = iota
	transportNew
	transportConnecting
	transportConnected
)

type transportSlot struct {
	state  transportState
	handle core.Transport
}

type Producer struct {
	handle core.Producer
	Kind   domain.MediaKind
	Role   domain.StreamRole
	paused bool
}

func (p *Producer) ID() string { return p.handle.ID() }

type Consumer struct {
	handle     core.Consumer
	SourceID   domain.ParticipantID
	ProducerID string
	Kind       domain.MediaKind
	Role       domain.StreamRole
	paused     bool
}

func (c *Consumer) ID() string { return c.handle.ID() }

func (c *Consumer) params() protocol.ConsumerParams {
	return protocol.ConsumerParams{
		ID:            c.handle.ID(),
		ProducerID:    c.ProducerID,
		ParticipantID: string(c.SourceID),
		Kind:          c.Kind,
		Role:          c.Role,
		RTPParameters: c.handle.RTPParameters(),
		Paused:        c.paused,
	}
}

// ClosedConsumer names a consumer closed because its source producer went away.
type ClosedConsumer struct {
	Owner      domain.ParticipantID
	ConsumerID string
}

// Participant is one client inside a conference: its transports and the producers
// and consumers riding on them. Engine calls are made without holding mu.
type Participant struct {
	ID       domain.ParticipantID
	Name     string
	SocketID domain.SocketID

	signal  core.SignalConnection
	limits  ParticipantLimits
	timeout time.Duration

	mu         sync.Mutex
	transports map[domain.Direction]*transportSlot
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	reserved   map[domain.MediaKind]int
	audioMuted bool
	videoMuted bool
	closed     bool
}

func NewParticipant(
	id domain.ParticipantID,
	name string,
	sid domain.SocketID,
	signal core.SignalConnection,
	limits ParticipantLimits,
	timeout time.Duration,
) *Participant {
	return &Participant{
		ID:         id,
		Name:       name,
		SocketID:   sid,
		signal:     signal,
		limits:     limits,
		timeout:    timeout,
		transports: make(map[domain.Direction]*transportSlot),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		reserved:   make(map[domain.MediaKind]int),
	}
}

func (p *Participant) Signal() core.SignalConnection { return p.signal }

func (p *Participant) logger() *zerolog.Logger {
	l := log.With().Str("module", "app.participant").Str("participant", string(p.ID)).Str("sid", string(p.SocketID)).Logger()
	return &l
}

// CreateTransport creates the transport for dir. A second creation for the same
// direction is rejected.
func (p *Participant) CreateTransport(ctx context.Context, router core.Router, dir domain.Direction) (core.TransportParams, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.TransportParams{}, core.ErrParticipantNotFound
	}
	if _, ok := p.transports[dir]; ok {
		p.mu.Unlock()
		return core.TransportParams{}, core.ErrTransportExists
	}
	slot := &transportSlot{state: transportCreating}
	p.transports[dir] = slot
	p.mu.Unlock()

	t, err := delegate(ctx, p.timeout, func(ctx context.Context) (core.Transport, error) {
		return router.CreateWebRTCTransport(ctx, core.TransportOptions{
			Direction: dir,
			AppData:   map[string]string{"participant": string(p.ID)},
		})
	}, closeQuietly[core.Transport])

	p.mu.Lock()
	if err != nil {
		delete(p.transports, dir)
		p.mu.Unlock()
		return core.TransportParams{}, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = t.Close()
		return core.TransportParams{}, core.ErrParticipantNotFound
	}
	slot.handle = t
	slot.state = transportNew
	p.mu.Unlock()

	p.logger().Info().Str("direction", string(dir)).Str("transport", t.ID()).Msg("transport created")
	return t.Params(), nil
}

// ConnectTransport hands the client's parameters to the transport for dir. A
// rejected request leaves the transport as it was. An engine failure or timeout
// tears it down so the client can create a fresh one.
func (p *Participant) ConnectTransport(ctx context.Context, dir domain.Direction, params core.ConnectParams) error {
	p.mu.Lock()
	slot, ok := p.transports[dir]
	switch {
	case p.closed:
		p.mu.Unlock()
		return core.ErrParticipantNotFound
	case !ok || slot.state == transportCreating:
		p.mu.Unlock()
		return core.ErrTransportMissing
	case slot.state == transportConnecting:
		p.mu.Unlock()
		return core.ErrTransportConnecting
	case slot.state == transportConnected:
		p.mu.Unlock()
		return core.ErrTransportConnected
	}
	slot.state = transportConnecting
	handle := slot.handle
	p.mu.Unlock()

	err := delegateErr(ctx, p.timeout, func(ctx context.Context) error {
		return handle.Connect(ctx, params)
	})

	p.mu.Lock()
	if rejected(err) {
		if p.transports[dir] == slot {
			slot.state = transportNew
		}
		p.mu.Unlock()
		return err
	}
	if err != nil {
		if p.transports[dir] == slot {
			delete(p.transports, dir)
		}
		p.mu.Unlock()
		_ = handle.Close()
		p.logger().Warn().Err(err).Str("direction", string(dir)).Msg("transport connect failed, rolled back")
		return err
	}
	slot.state = transportConnected
	p.mu.Unlock()

	p.logger().Info().Str("direction", string(dir)).Msg("transport connected")
	return nil
}

// rejected reports whether the engine refused the request before touching any state.
func rejected(err error) bool {
	var e *core.Error
	return errors.As(err, &e) && e.Code == core.CodeBadRequest
}

func (p *Participant) connectedTransport(dir domain.Direction) (core.Transport, error) {
	slot, ok := p.transports[dir]
	if !ok || slot.state == transportCreating {
		return nil, core.ErrTransportMissing
	}
	if slot.state != transportConnected {
		return nil, core.ErrTransportNotConnected
	}
	return slot.handle, nil
}

// Produce creates a producer on the send transport. The limit is checked against
// committed and in-flight producers so concurrent calls cannot overshoot it. The
// returned producer is not yet attached; see attachProducer.
func (p *Participant) Produce(
	ctx context.Context,
	kind domain.MediaKind,
	role domain.StreamRole,
	params webrtc.RTPSendParameters,
) (*Producer, error) {
	if !kind.Valid() || !role.Valid() || role.Kind() != kind {
		return nil, core.BadRequest("role does not match media kind")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrParticipantNotFound
	}
	t, err := p.connectedTransport(domain.DirectionSend)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.countKind(kind)+p.reserved[kind] >= p.limits.max(kind) {
		p.mu.Unlock()
		return nil, core.ErrProducerLimit
	}
	p.reserved[kind]++
	p.mu.Unlock()

	handle, err := delegate(ctx, p.timeout, func(ctx context.Context) (core.Producer, error) {
		return t.Produce(ctx, core.ProduceOptions{Kind: kind, RTPParameters: params, StreamID: string(p.ID)})
	}, closeQuietly[core.Producer])
	if err != nil {
		p.mu.Lock()
		p.reserved[kind]--
		p.mu.Unlock()
		return nil, err
	}
	prod := &Producer{handle: handle, Kind: kind, Role: role}

	// A muted participant's new producers start paused.
	if p.isMuted(kind) {
		if err := delegateErr(ctx, p.timeout, handle.Pause); err != nil {
			p.mu.Lock()
			p.reserved[kind]--
			p.mu.Unlock()
			_ = handle.Close()
			return nil, err
		}
		prod.paused = true
	}
	return prod, nil
}

func (p *Participant) isMuted(kind domain.MediaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == domain.KindAudio {
		return p.audioMuted
	}
	return p.videoMuted
}

// attachProducer commits a producer returned by Produce and releases its reservation.
func (p *Participant) attachProducer(prod *Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved[prod.Kind]--
	if p.closed {
		return core.ErrParticipantNotFound
	}
	p.producers[prod.ID()] = prod
	return nil
}

func (p *Participant) producerInfo(prod *Producer) protocol.ProducerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.ProducerInfo{ID: prod.ID(), Kind: prod.Kind, Role: prod.Role, Paused: prod.paused}
}

func (p *Participant) countKind(kind domain.MediaKind) int {
	n := 0
	for _, prod := range p.producers {
		if prod.Kind == kind {
			n++
		}
	}
	return n
}

func (p *Participant) ProducerCount(kind domain.MediaKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countKind(kind)
}

func (p *Participant) producer(id string) (*Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[id]
	return prod, ok
}

func (p *Participant) HasProducer(id string) bool {
	_, ok := p.producer(id)
	return ok
}

// Producers returns the producer infos sorted by id.
func (p *Participant) Producers() []protocol.ProducerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.ProducerInfo, 0, len(p.producers))
	for _, id := range slices.Sorted(maps.Keys(p.producers)) {
		prod := p.producers[id]
		out = append(out, protocol.ProducerInfo{ID: id, Kind: prod.Kind, Role: prod.Role, Paused: prod.paused})
	}
	return out
}

// Consume creates a paused consumer of source's producer on the recv transport.
// The returned consumer is not yet attached; see attachConsumer.
func (p *Participant) Consume(
	ctx context.Context,
	router core.Router,
	source *Participant,
	producerID string,
	caps core.RTPCapabilities,
) (*Consumer, bool, error) {
	if source.ID == p.ID {
		return nil, false, core.ErrSelfConsume
	}
	prod, ok := source.producer(producerID)
	if !ok {
		return nil, false, core.ErrProducerNotFound
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, core.ErrParticipantNotFound
	}
	t, err := p.connectedTransport(domain.DirectionRecv)
	if err != nil {
		p.mu.Unlock()
		return nil, false, err
	}
	for _, c := range p.consumers {
		if c.ProducerID == producerID {
			p.mu.Unlock()
			return c, true, nil
		}
	}
	p.mu.Unlock()

	if !router.CanConsume(producerID, caps) {
		return nil, false, core.ErrCannotConsume
	}

	handle, err := delegate(ctx, p.timeout, func(ctx context.Context) (core.Consumer, error) {
		return t.Consume(ctx, core.ConsumeOptions{
			ProducerID:      producerID,
			RTPCapabilities: caps,
			StreamID:        string(source.ID),
			Paused:          true,
		})
	}, closeQuietly[core.Consumer])
	if err != nil {
		return nil, false, err
	}
	return &Consumer{
		handle:     handle,
		SourceID:   source.ID,
		ProducerID: producerID,
		Kind:       prod.Kind,
		Role:       prod.Role,
		paused:     true,
	}, false, nil
}

func (p *Participant) attachConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrParticipantNotFound
	}
	p.consumers[c.ID()] = c
	return nil
}

func (p *Participant) consumerParams(c *Consumer) protocol.ConsumerParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.params()
}

func (p *Participant) consumer(id string) (*Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// ConsumerPaused reports whether the consumer is paused; unknown consumers report false.
func (p *Participant) ConsumerPaused(id string) (paused, ok bool) {
	c, ok := p.consumer(id)
	if !ok {
		return false, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.paused, true
}

// ResumeConsumer starts media flow on a consumer created paused.
func (p *Participant) ResumeConsumer(ctx context.Context, id string) error {
	return p.setConsumerPaused(ctx, id, false)
}

func (p *Participant) PauseConsumer(ctx context.Context, id string) error {
	return p.setConsumerPaused(ctx, id, true)
}

func (p *Participant) setConsumerPaused(ctx context.Context, id string, paused bool) error {
	c, ok := p.consumer(id)
	if !ok {
		return core.ErrConsumerNotFound
	}
	err := delegateErr(ctx, p.timeout, func(ctx context.Context) error {
		if paused {
			return c.handle.Pause(ctx)
		}
		return c.handle.Resume(ctx)
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	c.paused = paused
	p.mu.Unlock()
	return nil
}

func (p *Participant) CloseConsumer(id string) (*Consumer, error) {
	p.mu.Lock()
	c, ok := p.consumers[id]
	if ok {
		delete(p.consumers, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil, core.ErrConsumerNotFound
	}
	_ = c.handle.Close()
	return c, nil
}

// removeConsumersOf closes every consumer fed by producerID and returns their ids.
func (p *Participant) removeConsumersOf(producerID string) []string {
	p.mu.Lock()
	var closing []*Consumer
	for id, c := range p.consumers {
		if c.ProducerID == producerID {
			closing = append(closing, c)
			delete(p.consumers, id)
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(closing))
	for _, c := range closing {
		_ = c.handle.Close()
		ids = append(ids, c.ID())
	}
	slices.Sort(ids)
	return ids
}

// RemoveProducer closes a producer and every consumer of it held by roster members,
// returning the dependent consumers that were closed.
func (p *Participant) RemoveProducer(producerID string, roster []*Participant) ([]ClosedConsumer, error) {
	prod, err := p.takeProducer(producerID)
	if err != nil {
		return nil, err
	}
	return p.releaseProducer(prod, roster), nil
}

// takeProducer detaches a producer so no new consumer can attach to it.
func (p *Participant) takeProducer(producerID string) (*Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[producerID]
	if !ok {
		return nil, core.ErrProducerNotFound
	}
	delete(p.producers, producerID)
	return prod, nil
}

func (p *Participant) releaseProducer(prod *Producer, roster []*Participant) []ClosedConsumer {
	var closed []ClosedConsumer
	for _, peer := range roster {
		if peer == p {
			continue
		}
		for _, id := range peer.removeConsumersOf(prod.ID()) {
			closed = append(closed, ClosedConsumer{Owner: peer.ID, ConsumerID: id})
		}
	}
	if err := prod.handle.Close(); err != nil {
		p.logger().Warn().Err(err).Str("producer", prod.ID()).Msg("producer close")
	}
	return closed
}

func (p *Participant) SetProducerPaused(ctx context.Context, id string, paused bool) error {
	prod, ok := p.producer(id)
	if !ok {
		return core.ErrProducerNotFound
	}
	err := delegateErr(ctx, p.timeout, func(ctx context.Context) error {
		if paused {
			return prod.handle.Pause(ctx)
		}
		return prod.handle.Resume(ctx)
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	prod.paused = paused
	p.mu.Unlock()
	return nil
}

// SetMuted pauses or resumes every producer of kind and records the mute flag,
// which also applies to producers created later.
func (p *Participant) SetMuted(ctx context.Context, kind domain.MediaKind, muted bool) error {
	p.mu.Lock()
	var targets []*Producer
	for _, prod := range p.producers {
		if prod.Kind == kind {
			targets = append(targets, prod)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, prod := range targets {
		if err := p.SetProducerPaused(ctx, prod.ID(), muted); err != nil && !errors.Is(err, core.ErrProducerNotFound) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.mu.Lock()
	if kind == domain.KindAudio {
		p.audioMuted = muted
	} else {
		p.videoMuted = muted
	}
	p.mu.Unlock()
	return nil
}

func (p *Participant) Info() protocol.ParticipantInfo {
	producers := p.Producers()
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.ParticipantInfo{
		ID:         string(p.ID),
		Name:       p.Name,
		AudioMuted: p.audioMuted,
		VideoMuted: p.videoMuted,
		Producers:  producers,
	}
}

// Close releases every consumer, producer and transport and returns the ids of the
// producers that were open. Calling it twice is a no-op.
func (p *Participant) Close() []string {
	released := p.release(p.shutdown(), nil)
	return slices.Sorted(maps.Keys(released))
}

type participantResources struct {
	transports map[domain.Direction]*transportSlot
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

// shutdown marks the participant closed and detaches its resources without
// touching the engine.
func (p *Participant) shutdown() participantResources {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return participantResources{}
	}
	p.closed = true
	res := participantResources{transports: p.transports, producers: p.producers, consumers: p.consumers}
	p.consumers = make(map[string]*Consumer)
	p.producers = make(map[string]*Producer)
	p.transports = make(map[domain.Direction]*transportSlot)
	return res
}

// release closes detached resources. Consumers of the producers held by roster
// members are closed too and reported per producer id.
func (p *Participant) release(res participantResources, roster []*Participant) map[string][]ClosedConsumer {
	out := make(map[string][]ClosedConsumer, len(res.producers))
	for _, c := range res.consumers {
		_ = c.handle.Close()
	}
	for id, prod := range res.producers {
		out[id] = p.releaseProducer(prod, roster)
	}
	for _, slot := range res.transports {
		if slot.handle != nil {
			_ = slot.handle.Close()
		}
	}
	if res.transports != nil {
		p.logger().Info().Int("producers", len(res.producers)).Int("consumers", len(res.consumers)).Msg("participant closed")
	}
	return out
}

type closer interface{ Close() error }

func closeQuietly[T closer](v T) { _ = v.Close() }
