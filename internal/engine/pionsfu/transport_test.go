package pionsfu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	w, err := NewFactory(Config{IncludeLoopback: true}).NewWorker(context.Background(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	r, err := w.CreateRouter(context.Background())
	require.NoError(t, err)
	return r.(*Router)
}

func newTestTransport(t *testing.T, r *Router, dir domain.Direction) *Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := r.CreateWebRTCTransport(ctx, core.TransportOptions{
		Direction: dir,
		AppData:   map[string]string{"participant": "alice"},
	})
	require.NoError(t, err)
	return tr.(*Transport)
}

// peer is the client end of a transport, built from the same ORTC objects.
type peer struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	m := &webrtc.MediaEngine{}
	for _, c := range routerCodecs {
		require.NoError(t, m.RegisterCodec(c, codecType(codecKind(c.MimeType))))
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client gathering timed out")
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	})
	return &peer{api: api, gatherer: gatherer, ice: ice, dtls: dtls}
}

func (p *peer) connectParams(t *testing.T) core.ConnectParams {
	t.Helper()
	iceParams, err := p.gatherer.GetLocalParameters()
	require.NoError(t, err)
	candidates, err := p.gatherer.GetLocalCandidates()
	require.NoError(t, err)
	dtlsParams, err := p.dtls.GetLocalParameters()
	require.NoError(t, err)
	return core.ConnectParams{DTLSParameters: dtlsParams, ICEParameters: &iceParams, ICECandidates: candidates}
}

// dial runs the client half of the handshake. It only starts once the server
// has acknowledged Connect, the way browsers behave.
func (p *peer) dial(t *testing.T, server core.TransportParams) {
	t.Helper()
	require.NoError(t, p.ice.SetRemoteCandidates(server.ICECandidates))
	role := webrtc.ICERoleControlling
	require.NoError(t, p.ice.Start(nil, server.ICEParameters, &role))
	require.NoError(t, p.dtls.Start(server.DTLSParameters))
}

func connectPeer(t *testing.T, tr *Transport) *peer {
	t.Helper()
	p := newPeer(t)
	require.NoError(t, tr.Connect(context.Background(), p.connectParams(t)))
	p.dial(t, tr.Params())
	return p
}

func handshakeDone(tr *Transport) bool {
	select {
	case <-tr.handshake:
		return true
	default:
		return false
	}
}

func TestTransportConnectRejectsMissingParameters(t *testing.T) {
	r := newTestRouter(t)
	tr := newTestTransport(t, r, domain.DirectionSend)
	p := newPeer(t)
	valid := p.connectParams(t)

	noICE := valid
	noICE.ICEParameters = nil
	noFingerprint := valid
	noFingerprint.DTLSParameters = webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}

	for name, params := range map[string]core.ConnectParams{"ice": noICE, "dtls": noFingerprint} {
		err := tr.Connect(context.Background(), params)
		var appErr *core.Error
		require.ErrorAs(t, err, &appErr, name)
		assert.Equal(t, core.CodeBadRequest, appErr.Code, name)
	}

	// A rejected connect leaves the transport usable.
	require.NoError(t, tr.Connect(context.Background(), valid))
	assert.ErrorIs(t, tr.Connect(context.Background(), valid), ErrTransportConnected)
}

func TestTransportConnectReturnsBeforeHandshake(t *testing.T) {
	r := newTestRouter(t)
	tr := newTestTransport(t, r, domain.DirectionSend)

	_, err := tr.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, ErrTransportNotConnected)

	// The client never dials, so a blocking connect would hang here.
	p := newPeer(t)
	start := time.Now()
	require.NoError(t, tr.Connect(context.Background(), p.connectParams(t)))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, handshakeDone(tr))

	_, err = tr.Consume(context.Background(), core.ConsumeOptions{ProducerID: "x"})
	assert.ErrorIs(t, err, ErrWrongDirection)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = tr.Produce(ctx, core.ProduceOptions{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return handshakeDone(tr) }, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, tr.handshakeErr)
	assert.ErrorIs(t, tr.Connect(context.Background(), p.connectParams(t)), ErrTransportClosed)
}

// relay is a sending and a receiving client joined through one router.
type relay struct {
	router   *Router
	sendT    *Transport
	recvT    *Transport
	producer *Producer
	consumer *Consumer
	track    *webrtc.TrackLocalStaticRTP
	received chan *rtp.Packet
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := newTestRouter(t)
	sendT := newTestTransport(t, r, domain.DirectionSend)
	recvT := newTestTransport(t, r, domain.DirectionRecv)
	alice := connectPeer(t, sendT)
	bob := connectPeer(t, recvT)

	track, err := webrtc.NewTrackLocalStaticRTP(routerCodecs[0].RTPCodecCapability, "mic", "alice")
	require.NoError(t, err)
	sender, err := alice.api.NewRTPSender(track, alice.dtls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Stop() })
	sendParams := sender.GetParameters()
	require.NoError(t, sender.Send(sendParams))

	prod, err := sendT.Produce(ctx, core.ProduceOptions{Kind: domain.KindAudio, RTPParameters: sendParams})
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, prod.Kind())
	assert.True(t, r.CanConsume(prod.ID(), capabilities()))

	cons, err := recvT.Consume(ctx, core.ConsumeOptions{
		ProducerID:      prod.ID(),
		RTPCapabilities: capabilities(),
		StreamID:        "alice",
		Paused:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, prod.ID(), cons.ProducerID())
	consParams := cons.RTPParameters()
	require.Len(t, consParams.Codecs, 1)
	assert.Equal(t, routerCodecs[0].PayloadType, consParams.Codecs[0].PayloadType)

	receiver, err := bob.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, bob.dtls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Stop() })
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: consParams.Encodings[0].RTPCodingParameters}},
	}))

	rl := &relay{
		router:   r,
		sendT:    sendT,
		recvT:    recvT,
		producer: prod.(*Producer),
		consumer: cons.(*Consumer),
		track:    track,
		received: make(chan *rtp.Packet, 256),
	}
	go func() {
		for {
			pkt, _, err := receiver.Track().ReadRTP()
			if err != nil {
				return
			}
			select {
			case rl.received <- pkt:
			default:
			}
		}
	}()

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				seq++
				_ = track.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
					Payload: []byte{0xf8, 0xff, 0xfe},
				})
			}
		}
	}()
	return rl
}

func (rl *relay) drain() {
	for {
		select {
		case <-rl.received:
		default:
			return
		}
	}
}

func (rl *relay) flowing() bool { return len(rl.received) > 0 }

func TestTransportRelay(t *testing.T) {
	rl := newRelay(t)

	// Consumers start paused.
	assert.Equal(t, StatePaused, rl.consumer.State())
	assert.Never(t, rl.flowing, 300*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, rl.consumer.Resume(context.Background()))
	assert.Equal(t, StateActive, rl.consumer.State())
	require.Eventually(t, rl.flowing, 5*time.Second, 20*time.Millisecond)
	pkt := <-rl.received
	assert.Equal(t, uint32(rl.consumer.RTPParameters().Encodings[0].SSRC), pkt.SSRC)
	assert.Equal(t, uint8(routerCodecs[0].PayloadType), pkt.PayloadType)

	require.NoError(t, rl.consumer.Pause(context.Background()))
	assert.Equal(t, StatePaused, rl.consumer.State())
	// Packets already in flight may still land.
	time.Sleep(100 * time.Millisecond)
	rl.drain()
	assert.Never(t, rl.flowing, 300*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, rl.producer.Close())
	assert.Equal(t, StateDelete, rl.consumer.State())
	_, ok := rl.router.producer(rl.producer.ID())
	assert.False(t, ok)
	assert.False(t, rl.router.CanConsume(rl.producer.ID(), capabilities()))
	rl.sendT.mu.Lock()
	assert.Empty(t, rl.sendT.producers)
	rl.sendT.mu.Unlock()

	// A deleted consumer cannot be revived.
	require.NoError(t, rl.consumer.Resume(context.Background()))
	assert.Equal(t, StateDelete, rl.consumer.State())
}

func TestTransportProducerSkipsDeletedConsumers(t *testing.T) {
	rl := newRelay(t)
	require.NoError(t, rl.consumer.Resume(context.Background()))
	require.Eventually(t, rl.flowing, 5*time.Second, 20*time.Millisecond)

	rl.consumer.markDelete()
	// The relay loop drops the consumer on its next packet.
	require.Eventually(t, func() bool {
		rl.producer.mu.RLock()
		defer rl.producer.mu.RUnlock()
		return len(rl.producer.consumers) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTransportCloseCascade(t *testing.T) {
	rl := newRelay(t)

	require.NoError(t, rl.sendT.Close())
	_, ok := rl.router.producer(rl.producer.ID())
	assert.False(t, ok)
	assert.Equal(t, StateDelete, rl.consumer.State())
	rl.router.mu.RLock()
	assert.NotContains(t, rl.router.transports, rl.sendT.ID())
	assert.Contains(t, rl.router.transports, rl.recvT.ID())
	rl.router.mu.RUnlock()

	_, err := rl.sendT.Produce(context.Background(), core.ProduceOptions{Kind: domain.KindAudio})
	assert.ErrorIs(t, err, ErrTransportClosed)
	require.NoError(t, rl.sendT.Close())

	require.NoError(t, rl.recvT.Close())
	rl.recvT.mu.Lock()
	assert.Empty(t, rl.recvT.consumers)
	rl.recvT.mu.Unlock()
	rl.router.mu.RLock()
	assert.Empty(t, rl.router.transports)
	assert.Empty(t, rl.router.producers)
	rl.router.mu.RUnlock()
}
