package pionsfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceconf/internal/domain"
)

// Producer receives one client stream and relays every packet to its consumers.
type Producer struct {
	id        string
	kind      domain.MediaKind
	codec     webrtc.RTPCodecParameters
	ssrc      webrtc.SSRC
	transport *Transport
	receiver  *webrtc.RTPReceiver
	logger    zerolog.Logger

	paused atomic.Bool

	mu        sync.RWMutex
	consumers map[string]*Consumer

	closeOnce sync.Once
}

func newProducer(t *Transport, kind domain.MediaKind, codec webrtc.RTPCodecParameters, ssrc webrtc.SSRC, receiver *webrtc.RTPReceiver) *Producer {
	p := &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		codec:     codec,
		ssrc:      ssrc,
		transport: t,
		receiver:  receiver,
		consumers: make(map[string]*Consumer),
	}
	p.logger = named(t.base.With().Str("producer", p.id).Logger(), "pionsfu.producer")
	return p
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(ctx context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if p.paused.Swap(false) && p.kind == domain.KindVideo {
		p.requestKeyframe()
	}
	return nil
}

// loop reads RTP packets from the client and forwards them until the receiver stops.
func (p *Producer) loop() {
	defer p.transport.router.worker.guard()
	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug().Err(err).Msg("relay read stopped")
			p.markAllDelete()
			return
		}
		if p.paused.Load() {
			continue
		}
		start := time.Now()
		p.forward(pkt)
		p.transport.router.worker.relayNanos.Add(int64(time.Since(start)))
	}
}

func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	snapshot := make(map[string]*Consumer, len(p.consumers))
	maps.Copy(snapshot, p.consumers)
	p.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, c := range snapshot {
		switch c.State() {
		case StateDelete:
			dirty = append(dirty, id)
		case StatePaused:
		case StateActive:
			if err := c.track.WriteRTP(pkt); err != nil {
				p.logger.Error().Err(err).Str("consumer", id).Msg("relay write RTP error, marking consumer as delete")
				c.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.cleanupDeleted(dirty)
	}
}

func (p *Producer) cleanupDeleted(dirty []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range dirty {
		delete(p.consumers, id)
	}
}

func (p *Producer) markAllDelete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.consumers {
		c.markDelete()
	}
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// requestKeyframe asks the client for a fresh picture.
func (p *Producer) requestKeyframe() {
	if p.kind != domain.KindVideo {
		return
	}
	pkts := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(p.ssrc)}}
	if _, err := p.transport.dtls.WriteRTCP(pkts); err != nil {
		p.logger.Debug().Err(err).Msg("keyframe request")
	}
}

func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.markAllDelete()
		if err := p.receiver.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("receiver stop")
		}
		p.transport.router.removeProducer(p.id)
		p.transport.removeProducer(p.id)
		p.logger.Info().Msg("producer closed")
	})
	return nil
}
