package orch

import (
	"context"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

func (o *Orchestrator) RouterCapabilities(sess *app.Session) (core.RTPCapabilities, error) {
	c, _, err := sess.Binding()
	if err != nil {
		return core.RTPCapabilities{}, err
	}
	return c.RouterCapabilities(), nil
}

func (o *Orchestrator) CreateTransport(ctx context.Context, sess *app.Session, req protocol.CreateTransportRequest) (core.TransportParams, error) {
	c, p, err := sess.Binding()
	if err != nil {
		return core.TransportParams{}, err
	}
	return c.CreateTransport(ctx, p.ID, req.Direction)
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sess *app.Session, req protocol.ConnectTransportRequest) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	return c.ConnectTransport(ctx, p.ID, req.Direction, core.ConnectParams{
		DTLSParameters: *req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
		ICECandidates:  req.ICECandidates,
	})
}

func (o *Orchestrator) Produce(ctx context.Context, sess *app.Session, req protocol.ProduceRequest, reply app.Reply) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	_, err = c.Produce(ctx, p.ID, req.Kind, req.Role, *req.RTPParameters, reply)
	return err
}

func (o *Orchestrator) Consume(ctx context.Context, sess *app.Session, req protocol.ConsumeRequest) (protocol.ConsumeResponse, error) {
	c, p, err := sess.Binding()
	if err != nil {
		return protocol.ConsumeResponse{}, err
	}
	consumers, err := c.Consume(ctx, p.ID, domain.ParticipantID(req.TargetParticipantID), req.ProducerID, *req.RTPCapabilities)
	if err != nil {
		return protocol.ConsumeResponse{}, err
	}
	return protocol.ConsumeResponse{Consumers: consumers}, nil
}

func (o *Orchestrator) SetConsumerPaused(ctx context.Context, sess *app.Session, consumerID string, paused bool) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	if paused {
		return c.PauseConsumer(ctx, p.ID, consumerID)
	}
	return c.ResumeConsumer(ctx, p.ID, consumerID)
}

func (o *Orchestrator) SetProducerPaused(ctx context.Context, sess *app.Session, producerID string, paused bool, reply app.Reply) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	return c.SetProducerPaused(ctx, p.ID, producerID, paused, reply)
}

// SetMuted addresses the caller unless the request names another member of the
// caller's conference.
func (o *Orchestrator) SetMuted(
	ctx context.Context,
	sess *app.Session,
	req protocol.MuteRequest,
	kind domain.MediaKind,
	muted bool,
	reply app.Reply,
) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	if req.ConferenceID != "" && req.ConferenceID != string(c.ID) {
		return core.ErrCrossConference
	}
	target := p.ID
	if req.ParticipantID != "" {
		target = domain.ParticipantID(req.ParticipantID)
	}
	return c.SetMuted(ctx, p.ID, target, kind, muted, reply)
}

func (o *Orchestrator) CloseProducer(sess *app.Session, producerID string, reply app.Reply) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	return c.CloseProducer(p.ID, producerID, reply)
}

func (o *Orchestrator) CloseConsumer(sess *app.Session, consumerID string) error {
	c, p, err := sess.Binding()
	if err != nil {
		return err
	}
	return c.CloseConsumer(p.ID, consumerID)
}
