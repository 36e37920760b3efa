// Package protocol defines the socket event protocol spoken between clients and the server.
//
// Requests carry a requestId and are answered by exactly one ack with the same id.
// Notifications are fire-and-forget and never carry errors.
package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/voiceconf/internal/core"
)

type Event string

// client → server
const (
	EventJoinConference     Event = "joinConference"
	EventLeaveConference    Event = "leaveConference"
	EventRouterCapabilities Event = "getRouterRtpCapabilities"
	EventCreateTransport    Event = "createTransport"
	EventConnectTransport   Event = "connectTransport"
	EventProduce            Event = "produce"
	EventConsume            Event = "consume"
	EventResumeConsumer     Event = "resumeConsumer"
	EventPauseConsumer      Event = "pauseConsumer"
	EventPauseProducer      Event = "pauseProducer"
	EventResumeProducer     Event = "resumeProducer"
	EventMuteAudio          Event = "muteAudio"
	EventUnmuteAudio        Event = "unmuteAudio"
	EventMuteVideo          Event = "muteVideo"
	EventUnmuteVideo        Event = "unmuteVideo"
	EventCloseProducer      Event = "closeProducer"
	EventCloseConsumer      Event = "closeConsumer"
	EventPing               Event = "ping"
)

// server → clients
const (
	EventAck               Event = "ack"
	EventParticipantJoined Event = "participantJoined"
	EventParticipantLeft   Event = "participantLeft"
	EventNewProducer       Event = "newProducer"
	EventProducerClosed    Event = "producerClosed"
	EventProducerPaused    Event = "producerPaused"
	EventProducerResumed   Event = "producerResumed"
	EventConsumerClosed    Event = "consumerClosed"
	EventAudioMuted        Event = "audioMuted"
	EventVideoMuted        Event = "videoMuted"
	EventAnnouncement      Event = "announcement"
	EventDirectMessage     Event = "directMessage"
	EventKicked            Event = "kicked"
	EventConferenceClosed  Event = "conferenceClosed"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Request is the inbound envelope.
type Request struct {
	Type      Event           `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

// Ack answers exactly one Request.
type Ack struct {
	Type      Event      `json:"type"`
	RequestID string     `json:"requestId"`
	Status    Status     `json:"status"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

type Notification struct {
	Type Event `json:"type"`
	Data any   `json:"data,omitempty"`
}

func OK(requestID string, data any) Ack {
	return Ack{Type: EventAck, RequestID: requestID, Status: StatusOK, Data: data}
}

func Fail(requestID string, err error) Ack {
	body := ErrorFrom(err)
	return Ack{Type: EventAck, RequestID: requestID, Status: StatusError, Error: &body}
}

const routingFailureMessage = "routing engine request failed"

// ErrorFrom maps any error onto the wire error body. Errors that did not originate
// in the taxonomy are generalized so engine internals are not leaked to clients.
func ErrorFrom(err error) ErrorBody {
	var appErr *core.Error
	switch {
	case errors.As(err, &appErr):
		return ErrorBody{Code: appErr.Code, Message: appErr.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorBody{Code: core.CodeTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return ErrorBody{Code: core.CodeUnavailable, Message: "request canceled"}
	default:
		return ErrorBody{Code: core.CodeRouting, Message: routingFailureMessage}
	}
}

func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
