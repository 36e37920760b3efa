package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/protocol"
)

// handlerFunc serves one request. It either calls reply itself, when the answer has
// to be ordered with broadcasts, or returns the ack payload.
type handlerFunc func(ctx context.Context, sess *app.Session, req protocol.Request, reply app.Reply) (any, error)

// Events accepted before a connection has joined.
var unjoinedEvents = map[protocol.Event]bool{
	protocol.EventJoinConference:  true,
	protocol.EventLeaveConference: true,
	protocol.EventPing:            true,
}

func (ctl *SignalWSController) dispatch(ctx context.Context, sess *app.Session, data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("bad json")
		ctl.fail(sess, "", core.BadRequest("malformed message"))
		return
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(sess.ID) {
		ctl.fail(sess, req.RequestID, core.ErrRateLimited)
		return
	}
	h, ok := ctl.handlers[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", string(req.Type)).Msg("unknown signal")
		ctl.fail(sess, req.RequestID, core.BadRequest(fmt.Sprintf("unknown event %q", req.Type)))
		return
	}
	if !unjoinedEvents[req.Type] && sess.State() != app.StateJoined {
		ctl.fail(sess, req.RequestID, core.ErrNotConnected)
		return
	}

	replied := false
	reply := func(data any) {
		replied = true
		ctl.ack(sess, req.RequestID, data)
	}
	out, err := h(ctx, sess, req, reply)
	switch {
	case err != nil:
		ctl.fail(sess, req.RequestID, err)
	case !replied:
		ctl.ack(sess, req.RequestID, out)
	}
}

func (ctl *SignalWSController) ack(sess *app.Session, requestID string, data any) {
	ctl.sendJSON(sess, protocol.OK(requestID, data))
}

func (ctl *SignalWSController) fail(sess *app.Session, requestID string, err error) {
	var appErr *core.Error
	if !errors.As(err, &appErr) {
		// Only the generalized message reaches the client.
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Str("request", requestID).Msg("request failed")
	}
	ctl.sendJSON(sess, protocol.Fail(requestID, err))
}

func (ctl *SignalWSController) sendJSON(sess *app.Session, v any) {
	frame, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := sess.Conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("ack dropped")
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode unmarshals and validates the request payload.
func decode[T any](ctl *SignalWSController, req protocol.Request) (T, error) {
	var v T
	raw := req.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, core.BadRequest("malformed payload")
	}
	if err := ctl.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return v, core.BadRequest(fmt.Sprintf("invalid field %s: %s", verrs[0].Field(), verrs[0].Tag()))
		}
		return v, core.BadRequest("invalid payload")
	}
	return v, nil
}
