package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/app/orch"
	"github.com/dkeye/voiceconf/internal/config"
	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/engine/enginetest"
)

const testSecret = "test-secret"

type nullConn struct{ frames int }

func (c *nullConn) TrySend(core.Frame) error { c.frames++; return nil }
func (c *nullConn) Close()                   {}

func newTestServer(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := enginetest.New()
	pool := app.NewWorkerPool(engine, 1, time.Second)
	require.NoError(t, pool.CreateWorkers(context.Background()))
	t.Cleanup(pool.Close)
	reg := app.NewRegistry(pool, app.ConferenceSettings{
		Participant:    app.ParticipantLimits{MaxAudioProducers: 1, MaxVideoProducers: 2},
		RequestTimeout: time.Second,
	}, app.SimplePolicy{})
	o := &orch.Orchestrator{Registry: reg, Workers: pool}

	cfg := &config.Config{Mode: "test", StaticPath: t.TempDir(), Secret: testSecret}
	return SetupRouter(context.Background(), cfg, o), o
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueAdminToken([]byte(testSecret), "ops", time.Minute)
	require.NoError(t, err)
	return tok
}

func do(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestServer(t)
	w := do(r, stdhttp.MethodGet, "/healthz", "", "")
	assert.Equal(t, stdhttp.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAdminAuth(t *testing.T) {
	r, _ := newTestServer(t)

	w := do(r, stdhttp.MethodGet, "/api/admin/stats", "", "")
	assert.Equal(t, stdhttp.StatusUnauthorized, w.Code)

	forged, err := IssueAdminToken([]byte("other-secret"), "ops", time.Minute)
	require.NoError(t, err)
	w = do(r, stdhttp.MethodGet, "/api/admin/stats", forged, "")
	assert.Equal(t, stdhttp.StatusUnauthorized, w.Code)

	expired, err := IssueAdminToken([]byte(testSecret), "ops", -time.Minute)
	require.NoError(t, err)
	w = do(r, stdhttp.MethodGet, "/api/admin/stats", expired, "")
	assert.Equal(t, stdhttp.StatusUnauthorized, w.Code)

	noAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	w = do(r, stdhttp.MethodGet, "/api/admin/stats", noAudience, "")
	assert.Equal(t, stdhttp.StatusUnauthorized, w.Code)

	w = do(r, stdhttp.MethodGet, "/api/admin/stats", adminToken(t), "")
	require.Equal(t, stdhttp.StatusOK, w.Code)
	var st orch.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Len(t, st.Workers, 1)

	_, err = IssueAdminToken([]byte(testSecret), "", time.Minute)
	assert.Error(t, err)
}

func TestAdminConferenceRoutes(t *testing.T) {
	r, o := newTestServer(t)
	tok := adminToken(t)

	w := do(r, stdhttp.MethodGet, "/api/admin/conferences/missing", tok, "")
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(core.CodeConferenceNotFound))

	c, err := o.Registry.GetOrCreate(context.Background(), "room", "Room")
	require.NoError(t, err)
	alice, bob := &nullConn{}, &nullConn{}
	_, err = c.Join("alice", "Alice", "s1", alice, nil, func(any) {})
	require.NoError(t, err)
	_, err = c.Join("bob", "Bob", "s2", bob, nil, func(any) {})
	require.NoError(t, err)
	c.Release()

	w = do(r, stdhttp.MethodGet, "/api/admin/conferences", tok, "")
	require.Equal(t, stdhttp.StatusOK, w.Code)
	var list struct {
		Conferences []app.ConferenceSummary `json:"conferences"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conferences, 1)
	assert.Equal(t, 2, list.Conferences[0].Participants)

	w = do(r, stdhttp.MethodPost, "/api/admin/conferences/room/announcements", tok, `{}`)
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = do(r, stdhttp.MethodPost, "/api/admin/conferences/room/announcements", tok, `{"message":"maintenance at noon"}`)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.JSONEq(t, `{"delivered":2}`, w.Body.String())

	w = do(r, stdhttp.MethodPost, "/api/admin/conferences/room/participants/carol/messages", tok, `{"message":"hi"}`)
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)

	w = do(r, stdhttp.MethodDelete, "/api/admin/conferences/room/participants/bob", tok, "")
	assert.Equal(t, stdhttp.StatusNoContent, w.Code)

	w = do(r, stdhttp.MethodDelete, "/api/admin/conferences/room?reason=done", tok, "")
	assert.Equal(t, stdhttp.StatusNoContent, w.Code)
	_, ok := o.Registry.Conference("room")
	assert.False(t, ok)

	w = do(r, stdhttp.MethodDelete, "/api/admin/conferences/room", tok, "")
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		core.BadRequest("x"):                    stdhttp.StatusBadRequest,
		core.ErrCrossConference:                 stdhttp.StatusBadRequest,
		core.ErrParticipantNotFound:             stdhttp.StatusNotFound,
		core.ErrConferenceNotFound:              stdhttp.StatusNotFound,
		core.ErrAlreadyJoined:                   stdhttp.StatusConflict,
		core.ErrDuplicateParticipant:            stdhttp.StatusConflict,
		core.ErrConferenceFull:                  stdhttp.StatusConflict,
		core.ErrRateLimited:                     stdhttp.StatusTooManyRequests,
		core.NewError(core.CodeTimeout, "slow"): stdhttp.StatusGatewayTimeout,
		core.ErrNoWorkerAvailable:               stdhttp.StatusServiceUnavailable,
		errors.New("boom"):                      stdhttp.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
