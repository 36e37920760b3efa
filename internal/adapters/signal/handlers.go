package signal

import (
	"context"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

func (ctl *SignalWSController) routes() map[protocol.Event]handlerFunc {
	return map[protocol.Event]handlerFunc{
		protocol.EventPing:               ctl.handlePing,
		protocol.EventJoinConference:     ctl.handleJoin,
		protocol.EventLeaveConference:    ctl.handleLeave,
		protocol.EventRouterCapabilities: ctl.handleRouterCapabilities,
		protocol.EventCreateTransport:    ctl.handleCreateTransport,
		protocol.EventConnectTransport:   ctl.handleConnectTransport,
		protocol.EventProduce:            ctl.handleProduce,
		protocol.EventConsume:            ctl.handleConsume,
		protocol.EventResumeConsumer:     ctl.consumerPaused(false),
		protocol.EventPauseConsumer:      ctl.consumerPaused(true),
		protocol.EventPauseProducer:      ctl.producerPaused(true),
		protocol.EventResumeProducer:     ctl.producerPaused(false),
		protocol.EventMuteAudio:          ctl.mute(domain.KindAudio, true),
		protocol.EventUnmuteAudio:        ctl.mute(domain.KindAudio, false),
		protocol.EventMuteVideo:          ctl.mute(domain.KindVideo, true),
		protocol.EventUnmuteVideo:        ctl.mute(domain.KindVideo, false),
		protocol.EventCloseProducer:      ctl.handleCloseProducer,
		protocol.EventCloseConsumer:      ctl.handleCloseConsumer,
	}
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
	p, err := decode[protocol.JoinConferenceRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Join(ctx, sess, p, reply)
}

func (ctl *SignalWSController) handleLeave(_ context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
	p, err := decode[protocol.LeaveConferenceRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Leave(sess, p, reply)
}

func (ctl *SignalWSController) handleRouterCapabilities(_ context.Context, sess *app.Session, _ protocol.Request, _ app.Reply) (any, error) {
	return ctl.Orch.RouterCapabilities(sess)
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, sess *app.Session, req protocol.Request, _ app.Reply) (any, error) {
	p, err := decode[protocol.CreateTransportRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.CreateTransport(ctx, sess, p)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, sess *app.Session, req protocol.Request, _ app.Reply) (any, error) {
	p, err := decode[protocol.ConnectTransportRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.ConnectTransport(ctx, sess, p)
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
	p, err := decode[protocol.ProduceRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Produce(ctx, sess, p, reply)
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, sess *app.Session, req protocol.Request, _ app.Reply) (any, error) {
	p, err := decode[protocol.ConsumeRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return ctl.Orch.Consume(ctx, sess, p)
}

func (ctl *SignalWSController) consumerPaused(paused bool) handlerFunc {
	return func(ctx context.Context, sess *app.Session, req protocol.Request, _ app.Reply) (any, error) {
		p, err := decode[protocol.ConsumerRequest](ctl, req)
		if err != nil {
			return nil, err
		}
		return nil, ctl.Orch.SetConsumerPaused(ctx, sess, p.ConsumerID, paused)
	}
}

func (ctl *SignalWSController) producerPaused(paused bool) handlerFunc {
	return func(ctx context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
		p, err := decode[protocol.ProducerRequest](ctl, req)
		if err != nil {
			return nil, err
		}
		return nil, ctl.Orch.SetProducerPaused(ctx, sess, p.ProducerID, paused, reply)
	}
}

func (ctl *SignalWSController) mute(kind domain.MediaKind, muted bool) handlerFunc {
	return func(ctx context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
		p, err := decode[protocol.MuteRequest](ctl, req)
		if err != nil {
			return nil, err
		}
		return nil, ctl.Orch.SetMuted(ctx, sess, p, kind, muted, reply)
	}
}

func (ctl *SignalWSController) handleCloseProducer(_ context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error) {
	p, err := decode[protocol.ProducerRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseProducer(sess, p.ProducerID, reply)
}

func (ctl *SignalWSController) handleCloseConsumer(_ context.Context, sess *app.Session, req protocol.Request, _ app.Reply) (any, error) {
	p, err := decode[protocol.ConsumerRequest](ctl, req)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseConsumer(sess, p.ConsumerID)
}
