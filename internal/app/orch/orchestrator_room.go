package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

// Join moves sess from unjoined through joining to joined. On failure the session
// is back to unjoined and nothing was created for it.
func (o *Orchestrator) Join(ctx context.Context, sess *app.Session, req protocol.JoinConferenceRequest, reply app.Reply) error {
	if err := validateJoin(req.ConferenceID, req.ConferenceName, req.ParticipantID, req.ParticipantName); err != nil {
		return err
	}
	if err := sess.BeginJoin(); err != nil {
		return err
	}

	conf, err := o.Registry.GetOrCreate(ctx, domain.ConferenceID(req.ConferenceID), req.ConferenceName)
	if err != nil {
		sess.AbortJoin()
		log.Warn().Err(err).Str("sid", string(sess.ID)).Str("conference", req.ConferenceID).Msg("conference unavailable")
		return err
	}
	defer conf.Release()

	bind := func(p *app.Participant) bool { return sess.CompleteJoin(conf, p) }
	if _, err := conf.Join(domain.ParticipantID(req.ParticipantID), req.ParticipantName, sess.ID, sess.Conn, bind, reply); err != nil {
		sess.AbortJoin()
		return err
	}
	log.Info().
		Str("sid", string(sess.ID)).
		Str("conference", req.ConferenceID).
		Str("participant", req.ParticipantID).
		Msg("added to conference")
	return nil
}

// Leave is idempotent: leaving an already left session acks without doing anything.
func (o *Orchestrator) Leave(sess *app.Session, req protocol.LeaveConferenceRequest, reply app.Reply) error {
	if sess.State() == app.StateLeft {
		reply(nil)
		return nil
	}
	conf, p, err := sess.Binding()
	if err != nil {
		return err
	}
	if req.ConferenceID != string(conf.ID) || req.ParticipantID != string(p.ID) {
		return core.ErrCrossConference
	}
	conf, p, ok := sess.MarkLeft()
	if !ok {
		reply(nil)
		return nil
	}
	if err := conf.Leave(p, "left", reply); err != nil {
		// Removed concurrently, e.g. by an operator.
		if errors.Is(err, core.ErrParticipantNotFound) {
			reply(nil)
			return nil
		}
		return err
	}
	return nil
}

// OnDisconnect is the implicit leave of a closed socket. Safe to call repeatedly.
func (o *Orchestrator) OnDisconnect(sess *app.Session) {
	o.Registry.Unregister(sess.ID)
	conf, p, ok := sess.MarkLeft()
	if !ok {
		return
	}
	if err := conf.Leave(p, "disconnected", nil); err != nil && !errors.Is(err, core.ErrParticipantNotFound) {
		log.Error().Err(err).Str("sid", string(sess.ID)).Msg("cleanup on disconnect")
	}
}

func (o *Orchestrator) detach(p *app.Participant) {
	if sess, ok := o.Registry.Session(p.SocketID); ok {
		sess.MarkLeft()
	}
}
