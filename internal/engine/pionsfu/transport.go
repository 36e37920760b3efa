package pionsfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

var (
	ErrTransportClosed       = errors.New("pionsfu: transport closed")
	ErrTransportNotConnected = errors.New("pionsfu: transport not connected")
	ErrTransportConnected    = errors.New("pionsfu: transport already connected")
	ErrWrongDirection        = errors.New("pionsfu: operation not allowed for transport direction")
)

// Transport is one ICE + DTLS association with a client. The server side is
// always ICE controlled.
type Transport struct {
	id     string
	router *Router
	dir    domain.Direction
	base   zerolog.Logger
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	// handshake is closed once ICE and DTLS finish, successfully or not.
	handshake    chan struct{}
	handshakeErr error

	mu        sync.Mutex
	started   bool
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router, opts core.TransportOptions) (*Transport, error) {
	api := r.worker.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		dir:       opts.Direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		handshake: make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	fields := r.base.With().Str("transport", t.id).Str("direction", string(opts.Direction))
	for k, v := range opts.AppData {
		fields = fields.Str(k, v)
	}
	t.base = fields.Logger()
	t.logger = named(t.base, "pionsfu.transport")

	if err := gatherer.Gather(); err != nil {
		t.stop()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.stop()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		t.stop()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}
	t.params = core.TransportParams{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	t.logger.Debug().Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams { return t.params }

// Connect records the client's parameters and starts ICE and DTLS in the
// background. It returns before the handshake completes because clients begin
// their side only once the connect is acknowledged. Produce and Consume wait for
// the handshake.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	defer t.router.worker.track(time.Now())
	if err := ctx.Err(); err != nil {
		return err
	}
	if params.ICEParameters == nil {
		return core.BadRequest("iceParameters are required")
	}
	if params.ICEParameters.UsernameFragment == "" || params.ICEParameters.Password == "" {
		return core.BadRequest("iceParameters need usernameFragment and password")
	}
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return core.BadRequest("dtlsParameters need at least one fingerprint")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return ErrTransportClosed
	case t.started:
		return ErrTransportConnected
	}
	if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	t.started = true
	go t.runHandshake(*params.ICEParameters, params.DTLSParameters)
	return nil
}

// runHandshake blocks until the association is up or the transport is stopped.
func (t *Transport) runHandshake(iceParams webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) {
	defer close(t.handshake)
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		t.handshakeErr = fmt.Errorf("ice start: %w", err)
	} else if err := t.dtls.Start(dtlsParams); err != nil {
		t.handshakeErr = fmt.Errorf("dtls start: %w", err)
	}

	if t.handshakeErr != nil {
		t.logger.Warn().Err(t.handshakeErr).Msg("transport handshake failed")
		return
	}
	t.logger.Info().Msg("transport connected")
}

// waitHandshake returns once the DTLS session is usable.
func (t *Transport) waitHandshake(ctx context.Context) error {
	select {
	case <-t.handshake:
		return t.handshakeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) ready(dir domain.Direction) error {
	switch {
	case t.closed:
		return ErrTransportClosed
	case !t.started:
		return ErrTransportNotConnected
	case t.dir != dir:
		return ErrWrongDirection
	}
	return nil
}

// Produce starts receiving the client's stream and relaying it to consumers.
func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	defer t.router.worker.track(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	err := t.ready(domain.DirectionSend)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := t.waitHandshake(ctx); err != nil {
		return nil, err
	}

	rtpParams := opts.RTPParameters
	if len(rtpParams.Codecs) == 0 || len(rtpParams.Encodings) == 0 {
		return nil, core.BadRequest("rtpParameters need at least one codec and one encoding")
	}
	codec, ok := routerCodec(rtpParams.Codecs[0].RTPCodecCapability)
	if !ok || codecKind(codec.MimeType) != opts.Kind {
		return nil, core.BadRequest("unsupported codec " + rtpParams.Codecs[0].MimeType)
	}
	// The client's payload type is what arrives on the wire.
	codec.PayloadType = rtpParams.Codecs[0].PayloadType

	receiver, err := t.router.worker.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: rtpParams.Encodings[0].RTPCodingParameters}},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}
	// Receive creates one track per encoding, so exactly one codec may be applied.
	receiver.SetRTPParameters(webrtc.RTPParameters{
		HeaderExtensions: rtpParams.HeaderExtensions,
		Codecs:           []webrtc.RTPCodecParameters{codec},
	})

	p := newProducer(t, opts.Kind, codec, rtpParams.Encodings[0].SSRC, receiver)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	go p.loop()
	return p, nil
}

// Consume relays a producer of the same router to the client. Paused consumers
// forward nothing until resumed.
func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	defer t.router.worker.track(time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	err := t.ready(domain.DirectionRecv)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := t.waitHandshake(ctx); err != nil {
		return nil, err
	}

	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, core.ErrProducerNotFound
	}
	if !matchCodec(p.codec, opts.RTPCapabilities.Codecs) {
		return nil, core.ErrCannotConsume
	}

	id := uuid.NewString()
	out, err := webrtc.NewTrackLocalStaticRTP(p.codec.RTPCodecCapability, id, opts.StreamID)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.worker.api.NewRTPSender(out, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send: %w", err)
	}

	c := newConsumer(t, p, id, out, sender, params, opts.Paused)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.addConsumer(c)

	go c.readRTCP()
	return c, nil
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *Transport) stop() {
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.stop()
	t.router.removeTransport(t.id)
	t.logger.Info().Msg("transport closed")
	return nil
}
