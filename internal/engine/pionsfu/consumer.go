package pionsfu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceconf/internal/domain"
)

type ConsumerState int32

const (
	StateActive ConsumerState = iota
	StatePaused
	StateDelete
)

// Consumer is one outgoing copy of a producer to a client.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	track     *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	params    webrtc.RTPSendParameters
	logger    zerolog.Logger

	state     atomic.Int32 // Zero by default (StateActive)
	closeOnce sync.Once
}

func newConsumer(
	t *Transport,
	p *Producer,
	id string,
	track *webrtc.TrackLocalStaticRTP,
	sender *webrtc.RTPSender,
	params webrtc.RTPSendParameters,
	paused bool,
) *Consumer {
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		track:     track,
		sender:    sender,
		params:    params,
	}
	// Only the negotiated codec is reported to the client.
	c.params.Codecs = []webrtc.RTPCodecParameters{p.codec}
	for _, rc := range routerCodecs {
		if sameCodec(rc.RTPCodecCapability, p.codec.RTPCodecCapability) {
			c.params.Codecs[0].PayloadType = rc.PayloadType
		}
	}
	if paused {
		c.state.Store(int32(StatePaused))
	}
	c.logger = named(t.base.With().Str("consumer", id).Str("producer", p.id).Logger(), "pionsfu.consumer")
	return c
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }

func (c *Consumer) RTPParameters() webrtc.RTPSendParameters { return c.params }

func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

func (c *Consumer) Pause(ctx context.Context) error {
	c.state.CompareAndSwap(int32(StateActive), int32(StatePaused))
	return nil
}

// Resume starts forwarding. Video consumers ask the producer for a keyframe so the
// client's decoder can start right away.
func (c *Consumer) Resume(ctx context.Context) error {
	if c.state.CompareAndSwap(int32(StatePaused), int32(StateActive)) {
		c.producer.requestKeyframe()
	}
	return nil
}

func (c *Consumer) markDelete() {
	c.state.Store(int32(StateDelete))
}

// readRTCP drains feedback from the client and relays keyframe requests upstream.
func (c *Consumer) readRTCP() {
	defer c.transport.router.worker.guard()
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.markDelete()
		if err := c.sender.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("sender stop")
		}
		c.producer.removeConsumer(c.id)
		c.transport.removeConsumer(c.id)
		c.logger.Debug().Msg("consumer closed")
	})
	return nil
}
