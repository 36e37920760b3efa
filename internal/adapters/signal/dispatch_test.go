package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/app/orch"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/engine/enginetest"
	"github.com/dkeye/voiceconf/internal/protocol"
)

type memConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (c *memConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *memConn) Close() {}

type envelope struct {
	Type      protocol.Event      `json:"type"`
	RequestID string              `json:"requestId"`
	Status    protocol.Status     `json:"status"`
	Data      json.RawMessage     `json:"data"`
	Error     *protocol.ErrorBody `json:"error"`
}

func (c *memConn) all(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var e envelope
		require.NoError(t, json.Unmarshal(f, &e))
		out = append(out, e)
	}
	return out
}

func (c *memConn) last(t *testing.T) envelope {
	t.Helper()
	all := c.all(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func newTestController(t *testing.T, opts Options) (*SignalWSController, *enginetest.Engine) {
	t.Helper()
	engine := enginetest.New()
	pool := app.NewWorkerPool(engine, 1, time.Second)
	require.NoError(t, pool.CreateWorkers(context.Background()))
	t.Cleanup(pool.Close)
	reg := app.NewRegistry(pool, app.ConferenceSettings{
		Participant:    app.ParticipantLimits{MaxAudioProducers: 1, MaxVideoProducers: 2},
		RequestTimeout: time.Second,
	}, app.SimplePolicy{})
	return NewSignalWSController(&orch.Orchestrator{Registry: reg, Workers: pool}, opts), engine
}

func newSession(ctl *SignalWSController, sid string) (*app.Session, *memConn) {
	conn := &memConn{}
	return ctl.Orch.Registry.Register(domain.SocketID(sid), conn, ""), conn
}

func send(ctl *SignalWSController, sess *app.Session, event protocol.Event, id string, data any) {
	raw, _ := json.Marshal(data)
	msg, _ := json.Marshal(protocol.Request{Type: event, RequestID: id, Data: raw})
	ctl.dispatch(context.Background(), sess, msg)
}

func joinReq(conf, id string) protocol.JoinConferenceRequest {
	return protocol.JoinConferenceRequest{ConferenceID: conf, ConferenceName: "Room", ParticipantID: id, ParticipantName: "Name " + id}
}

func TestDispatch_MalformedMessage(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	sess, conn := newSession(ctl, "s1")

	ctl.dispatch(context.Background(), sess, []byte("{not json"))
	ack := conn.last(t)
	assert.Equal(t, protocol.EventAck, ack.Type)
	assert.Equal(t, protocol.StatusError, ack.Status)
	assert.Empty(t, ack.RequestID)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeBadRequest, ack.Error.Code)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	sess, conn := newSession(ctl, "s1")

	send(ctl, sess, "teleport", "r1", nil)
	ack := conn.last(t)
	assert.Equal(t, "r1", ack.RequestID)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeBadRequest, ack.Error.Code)
}

func TestDispatch_RequiresJoin(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	sess, conn := newSession(ctl, "s1")

	for _, event := range []protocol.Event{
		protocol.EventRouterCapabilities,
		protocol.EventCreateTransport,
		protocol.EventProduce,
		protocol.EventMuteAudio,
		protocol.EventCloseConsumer,
	} {
		send(ctl, sess, event, string(event), nil)
		ack := conn.last(t)
		require.NotNil(t, ack.Error, event)
		assert.Equal(t, core.CodeNotConnected, ack.Error.Code, event)
	}

	send(ctl, sess, protocol.EventPing, "p1", nil)
	ack := conn.last(t)
	assert.Equal(t, protocol.StatusOK, ack.Status)
	var pong protocol.PongData
	require.NoError(t, json.Unmarshal(ack.Data, &pong))
	assert.NotZero(t, pong.ServerTime)
}

func TestDispatch_ValidationErrorNamesField(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	sess, conn := newSession(ctl, "s1")

	send(ctl, sess, protocol.EventJoinConference, "j1", map[string]string{"conferenceName": "Room"})
	ack := conn.last(t)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeBadRequest, ack.Error.Code)
	assert.Contains(t, ack.Error.Message, "conferenceId")
	assert.Equal(t, app.StateUnjoined, sess.State())
}

func TestDispatch_JoinAndBroadcastOrder(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	alice, aliceConn := newSession(ctl, "s1")
	bob, bobConn := newSession(ctl, "s2")

	send(ctl, alice, protocol.EventJoinConference, "j1", joinReq("room", "alice"))
	ack := aliceConn.last(t)
	require.Equal(t, protocol.StatusOK, ack.Status, "%+v", ack.Error)
	var resp protocol.JoinConferenceResponse
	require.NoError(t, json.Unmarshal(ack.Data, &resp))
	assert.Empty(t, resp.Participants)

	send(ctl, bob, protocol.EventJoinConference, "j2", joinReq("room", "bob"))
	require.NoError(t, json.Unmarshal(bobConn.last(t).Data, &resp))
	require.Len(t, resp.Participants, 1)
	assert.Equal(t, "alice", resp.Participants[0].ID)
	assert.Equal(t, protocol.EventParticipantJoined, aliceConn.last(t).Type)

	send(ctl, alice, protocol.EventJoinConference, "j3", joinReq("room", "alice"))
	ack = aliceConn.last(t)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeInvalidState, ack.Error.Code)

	send(ctl, bob, protocol.EventLeaveConference, "l1", protocol.LeaveConferenceRequest{ConferenceID: "room", ParticipantID: "bob"})
	assert.Equal(t, protocol.StatusOK, bobConn.last(t).Status)
	assert.Equal(t, protocol.EventParticipantLeft, aliceConn.last(t).Type)

	// Left is terminal for the connection.
	send(ctl, bob, protocol.EventCreateTransport, "t1", protocol.CreateTransportRequest{Direction: domain.DirectionSend})
	assert.Equal(t, core.CodeNotConnected, bobConn.last(t).Error.Code)
}

func TestDispatch_ProduceAckPrecedesPeerNotification(t *testing.T) {
	ctl, _ := newTestController(t, Options{})
	alice, aliceConn := newSession(ctl, "s1")
	bob, bobConn := newSession(ctl, "s2")
	send(ctl, alice, protocol.EventJoinConference, "j1", joinReq("room", "alice"))
	send(ctl, bob, protocol.EventJoinConference, "j2", joinReq("room", "bob"))

	send(ctl, alice, protocol.EventCreateTransport, "t1", protocol.CreateTransportRequest{Direction: domain.DirectionSend})
	var params struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(aliceConn.last(t).Data, &params))
	assert.NotEmpty(t, params.ID)

	send(ctl, alice, protocol.EventConnectTransport, "c1", protocol.ConnectTransportRequest{
		Direction: domain.DirectionSend, DTLSParameters: enginetest.DTLS(), ICEParameters: enginetest.ICE(),
	})
	require.Equal(t, protocol.StatusOK, aliceConn.last(t).Status)

	sp := enginetest.SendParams(domain.KindAudio)
	send(ctl, alice, protocol.EventProduce, "p1", protocol.ProduceRequest{Kind: domain.KindAudio, Role: domain.RoleMicrophone, RTPParameters: &sp})
	ack := aliceConn.last(t)
	require.Equal(t, protocol.StatusOK, ack.Status, "%+v", ack.Error)
	var produced protocol.ProduceResponse
	require.NoError(t, json.Unmarshal(ack.Data, &produced))

	note := bobConn.last(t)
	assert.Equal(t, protocol.EventNewProducer, note.Type)
	var np protocol.NewProducerData
	require.NoError(t, json.Unmarshal(note.Data, &np))
	assert.Equal(t, produced.ID, np.ID)

	// Exactly one ack per request.
	acks := 0
	for _, e := range aliceConn.all(t) {
		if e.Type == protocol.EventAck && e.RequestID == "p1" {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

func TestDispatch_ConnectWithoutICEKeepsTransport(t *testing.T) {
	ctl, engine := newTestController(t, Options{})
	alice, aliceConn := newSession(ctl, "s1")
	send(ctl, alice, protocol.EventJoinConference, "j1", joinReq("room", "alice"))
	send(ctl, alice, protocol.EventCreateTransport, "t1", protocol.CreateTransportRequest{Direction: domain.DirectionSend})
	require.Equal(t, protocol.StatusOK, aliceConn.last(t).Status)

	send(ctl, alice, protocol.EventConnectTransport, "c1", protocol.ConnectTransportRequest{
		Direction: domain.DirectionSend, DTLSParameters: enginetest.DTLS(),
	})
	ack := aliceConn.last(t)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeBadRequest, ack.Error.Code)
	assert.Contains(t, ack.Error.Message, "iceParameters")

	require.Len(t, engine.Transports(), 1)
	assert.False(t, engine.Transports()[0].Closed())

	send(ctl, alice, protocol.EventConnectTransport, "c2", protocol.ConnectTransportRequest{
		Direction: domain.DirectionSend, DTLSParameters: enginetest.DTLS(), ICEParameters: enginetest.ICE(),
	})
	assert.Equal(t, protocol.StatusOK, aliceConn.last(t).Status)
}

func TestDispatch_RateLimit(t *testing.T) {
	ctl, _ := newTestController(t, Options{EventsPerSecond: 3})
	sess, conn := newSession(ctl, "s1")

	for i := range 3 {
		send(ctl, sess, protocol.EventPing, fmt.Sprintf("p%d", i), nil)
		assert.Equal(t, protocol.StatusOK, conn.last(t).Status)
	}
	send(ctl, sess, protocol.EventPing, "p3", nil)
	ack := conn.last(t)
	require.NotNil(t, ack.Error)
	assert.Equal(t, core.CodeRateLimited, ack.Error.Code)
	assert.Equal(t, "p3", ack.RequestID)
}
