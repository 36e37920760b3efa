package core

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeCapacity           ErrorCode = "CAPACITY_EXCEEDED"
	CodeDuplicate          ErrorCode = "DUPLICATE_PARTICIPANT"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeProtocolViolation  ErrorCode = "PROTOCOL_VIOLATION"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeRouting            ErrorCode = "ROUTING_ERROR"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
	CodeConferenceNotFound ErrorCode = "CONFERENCE_NOT_FOUND"
)

// Error is a client-facing failure with a machine-readable code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code and message so wrapped copies of a sentinel still match it.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a cause to a sentinel without changing what it matches.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

func BadRequest(msg string) *Error { return NewError(CodeBadRequest, msg) }

var (
	ErrNotConnected          = NewError(CodeNotConnected, "connection has not joined a conference")
	ErrAlreadyJoined         = NewError(CodeInvalidState, "connection already joined a conference")
	ErrJoinInProgress        = NewError(CodeInvalidState, "join already in progress")
	ErrConnectionLeft        = NewError(CodeInvalidState, "connection already left")
	ErrTransportExists       = NewError(CodeInvalidState, "transport already exists for direction")
	ErrTransportMissing      = NewError(CodeInvalidState, "transport not created for direction")
	ErrTransportNotConnected = NewError(CodeInvalidState, "transport not connected")
	ErrTransportConnecting   = NewError(CodeInvalidState, "transport connect already in progress")
	ErrTransportConnected    = NewError(CodeInvalidState, "transport already connected")
	ErrProducerLimit         = NewError(CodeCapacity, "producer limit reached")
	ErrConferenceFull        = NewError(CodeCapacity, "conference is full")
	ErrDuplicateParticipant  = NewError(CodeDuplicate, "participant id already present in conference")
	ErrParticipantNotFound   = NewError(CodeNotFound, "participant not found")
	ErrProducerNotFound      = NewError(CodeNotFound, "producer not found")
	ErrConsumerNotFound      = NewError(CodeNotFound, "consumer not found")
	ErrConferenceNotFound    = NewError(CodeConferenceNotFound, "conference not found")
	ErrCrossConference       = NewError(CodeProtocolViolation, "reference outside of joined conference")
	ErrCannotConsume         = NewError(CodeBadRequest, "rtp capabilities cannot consume producer")
	ErrSelfConsume           = NewError(CodeProtocolViolation, "cannot consume own producer")
	ErrConferenceClosed      = NewError(CodeUnavailable, "conference is closing")
	ErrNoWorkerAvailable     = NewError(CodeUnavailable, "no routing worker available")
	ErrRateLimited           = NewError(CodeRateLimited, "too many requests")
)
