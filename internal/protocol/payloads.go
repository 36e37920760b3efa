package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

// ---------- requests ----------

type JoinConferenceRequest struct {
	ConferenceID    string `json:"conferenceId" validate:"required,max=64"`
	ConferenceName  string `json:"conferenceName" validate:"required,max=64"`
	ParticipantID   string `json:"participantId" validate:"required,max=64"`
	ParticipantName string `json:"participantName" validate:"required,max=64"`
}

type LeaveConferenceRequest struct {
	ConferenceID  string `json:"conferenceId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
}

type CreateTransportRequest struct {
	Direction domain.Direction `json:"direction" validate:"required,oneof=send recv"`
}

type ConnectTransportRequest struct {
	Direction      domain.Direction       `json:"direction" validate:"required,oneof=send recv"`
	DTLSParameters *webrtc.DTLSParameters `json:"dtlsParameters" validate:"required"`
	ICEParameters  *webrtc.ICEParameters  `json:"iceParameters" validate:"required"`
	ICECandidates  []webrtc.ICECandidate  `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	Kind          domain.MediaKind          `json:"kind" validate:"required,oneof=audio video"`
	Role          domain.StreamRole         `json:"role" validate:"required,oneof=microphone camera screenshare"`
	RTPParameters *webrtc.RTPSendParameters `json:"rtpParameters" validate:"required"`
}

type ConsumeRequest struct {
	TargetParticipantID string                `json:"targetParticipantId" validate:"required"`
	ProducerID          string                `json:"producerId,omitempty"`
	RTPCapabilities     *core.RTPCapabilities `json:"rtpCapabilities" validate:"required"`
}

type ConsumerRequest struct {
	ConsumerID string `json:"consumerId" validate:"required"`
}

type ProducerRequest struct {
	ProducerID string `json:"producerId" validate:"required"`
}

// MuteRequest addresses a participant; both fields default to the caller.
type MuteRequest struct {
	ConferenceID  string `json:"conferenceId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// ---------- responses ----------

type ProducerInfo struct {
	ID     string            `json:"id"`
	Kind   domain.MediaKind  `json:"kind"`
	Role   domain.StreamRole `json:"role"`
	Paused bool              `json:"paused"`
}

type ParticipantInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	AudioMuted bool           `json:"audioMuted"`
	VideoMuted bool           `json:"videoMuted"`
	Producers  []ProducerInfo `json:"producers"`
}

type JoinConferenceResponse struct {
	ConferenceID       string               `json:"conferenceId"`
	ConferenceName     string               `json:"conferenceName"`
	ParticipantID      string               `json:"participantId"`
	Participants       []ParticipantInfo    `json:"participants"`
	RouterCapabilities core.RTPCapabilities `json:"routerRtpCapabilities"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumerParams struct {
	ID            string                   `json:"id"`
	ProducerID    string                   `json:"producerId"`
	ParticipantID string                   `json:"participantId"`
	Kind          domain.MediaKind         `json:"kind"`
	Role          domain.StreamRole        `json:"role"`
	RTPParameters webrtc.RTPSendParameters `json:"rtpParameters"`
	Paused        bool                     `json:"paused"`
}

type ConsumeResponse struct {
	Consumers []ConsumerParams `json:"consumers"`
}

// ---------- notifications ----------

type ParticipantLeftData struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

type NewProducerData struct {
	ParticipantID string `json:"participantId"`
	ProducerInfo
}

type ProducerClosedData struct {
	ParticipantID string   `json:"participantId"`
	ProducerID    string   `json:"producerId"`
	ConsumerIDs   []string `json:"consumerIds"`
}

type ProducerStateData struct {
	ParticipantID string `json:"participantId"`
	ProducerID    string `json:"producerId"`
}

type ConsumerClosedData struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type MutedData struct {
	ParticipantID string `json:"participantId"`
	Muted         bool   `json:"muted"`
}

type MessageData struct {
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type ConferenceClosedData struct {
	ConferenceID string `json:"conferenceId"`
	Reason       string `json:"reason,omitempty"`
}

type KickedData struct {
	ConferenceID string `json:"conferenceId"`
	Reason       string `json:"reason,omitempty"`
}

type PongData struct {
	ServerTime int64 `json:"serverTime"`
}
