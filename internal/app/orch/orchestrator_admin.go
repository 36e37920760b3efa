package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

const operator = "admin"

// KickParticipant removes a participant, releases everything it owns and closes
// its socket once the kicked notification is flushed.
func (o *Orchestrator) KickParticipant(conf domain.ConferenceID, id domain.ParticipantID, reason string) error {
	c, p, err := o.Registry.FindParticipant(conf, id)
	if err != nil {
		return err
	}
	o.detach(p)
	if err := c.Kick(p, reason); err != nil {
		return err
	}
	p.Signal().Close()
	log.Info().Str("module", "orch").Str("conference", string(conf)).Str("participant", string(id)).Msg("participant kicked")
	return nil
}

// CloseConference disbands a conference and closes every member socket.
func (o *Orchestrator) CloseConference(conf domain.ConferenceID, reason string) error {
	c, ok := o.Registry.Conference(conf)
	if !ok {
		return core.ErrConferenceNotFound
	}
	for _, p := range c.Participants() {
		o.detach(p)
	}
	members := c.Close(reason)
	for _, p := range members {
		p.Signal().Close()
	}
	log.Info().Str("module", "orch").Str("conference", string(conf)).Int("members", len(members)).Msg("conference closed")
	return nil
}

// Announce sends an announcement to every member and reports how many there were.
func (o *Orchestrator) Announce(conf domain.ConferenceID, message string) (int, error) {
	c, ok := o.Registry.Conference(conf)
	if !ok {
		return 0, core.ErrConferenceNotFound
	}
	return c.Broadcast(protocol.EventAnnouncement, protocol.MessageData{From: operator, Message: message}), nil
}

func (o *Orchestrator) DirectMessage(conf domain.ConferenceID, id domain.ParticipantID, message string) error {
	c, ok := o.Registry.Conference(conf)
	if !ok {
		return core.ErrConferenceNotFound
	}
	return c.SendTo(id, protocol.EventDirectMessage, protocol.MessageData{From: operator, Message: message})
}

type Stats struct {
	app.Stats
	Workers []app.WorkerInfo `json:"workers"`
}

func (o *Orchestrator) Stats(ctx context.Context) Stats {
	st := Stats{Stats: o.Registry.Stats()}
	if o.Workers != nil {
		st.Workers = o.Workers.Snapshot(ctx)
	}
	return st
}

func (o *Orchestrator) Conferences() []app.ConferenceSummary {
	confs := o.Registry.Conferences()
	out := make([]app.ConferenceSummary, 0, len(confs))
	for _, c := range confs {
		out = append(out, c.Summary())
	}
	return out
}

func (o *Orchestrator) Conference(conf domain.ConferenceID) (app.ConferenceInfo, error) {
	c, ok := o.Registry.Conference(conf)
	if !ok {
		return app.ConferenceInfo{}, core.ErrConferenceNotFound
	}
	return c.Info(), nil
}
