package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiceconf/internal/domain"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/dkeye/voiceconf/internal/core Worker,Router

// ResourceUsage is a point-in-time sample of a worker's cumulative CPU time.
type ResourceUsage struct {
	UserTime   time.Duration `json:"userTime"`
	SystemTime time.Duration `json:"systemTime"`
}

func (u ResourceUsage) Total() time.Duration { return u.UserTime + u.SystemTime }

// RTPCapabilities are the codecs an endpoint can receive.
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecParameters `json:"codecs"`
}

// TransportParams is what the client needs to reach a server-side transport.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type TransportOptions struct {
	Direction domain.Direction
	// AppData is opaque to the engine and echoed in logs.
	AppData map[string]string
}

type ConnectParams struct {
	DTLSParameters webrtc.DTLSParameters
	ICEParameters  *webrtc.ICEParameters
	ICECandidates  []webrtc.ICECandidate
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters webrtc.RTPSendParameters
	StreamID      string
}

type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	StreamID        string
	// Paused consumers are wired but forward nothing until Resume.
	Paused bool
}

// Worker is a routing-engine instance. The pool owns it exclusively.
type Worker interface {
	PID() int
	ResourceUsage(ctx context.Context) (ResourceUsage, error)
	CreateRouter(ctx context.Context) (Router, error)
	// Died fires once with the cause when the worker stops unexpectedly.
	Died() <-chan error
	Close() error
}

// WorkerFactory provisions the worker for pool slot index.
type WorkerFactory interface {
	NewWorker(ctx context.Context, index int) (Worker, error)
}

// Router relays media between transports of one conference.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CanConsume(producerID string, caps RTPCapabilities) bool
	CreateWebRTCTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	RTPParameters() webrtc.RTPSendParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}
