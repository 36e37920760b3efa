package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/engine/enginetest"
)

func newTestRegistry(t *testing.T, settings ConferenceSettings) (*Registry, *enginetest.Engine) {
	t.Helper()
	engine := enginetest.New()
	pool := NewWorkerPool(engine, 2, 100*time.Millisecond)
	require.NoError(t, pool.CreateWorkers(context.Background()))
	t.Cleanup(pool.Close)
	return NewRegistry(pool, settings, SimplePolicy{}), engine
}

func TestRegistryGetOrCreate_ConcurrentCallersShareOneRouter(t *testing.T) {
	reg, engine := newTestRegistry(t, testSettings())
	engine.Stall(enginetest.OpCreateRouter, 50*time.Millisecond)

	const callers = 16
	confs := make([]*Conference, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := reg.GetOrCreate(context.Background(), "standup", "Standup")
			assert.NoError(t, err)
			confs[i] = c
		}()
	}
	wg.Wait()

	require.Len(t, engine.Routers(), 1)
	for _, c := range confs {
		assert.Same(t, confs[0], c)
	}
	for _, c := range confs {
		c.Release()
	}
	assert.True(t, confs[0].Closed())
}

func TestRegistryGetOrCreate_FreshConferenceAfterTeardown(t *testing.T) {
	reg, engine := newTestRegistry(t, testSettings())
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "room", "Room")
	require.NoError(t, err)
	p, err := first.Join("alice", "Alice", "sock-a", &fakeSignal{}, nil, nopReply)
	require.NoError(t, err)
	first.Release()

	again, err := reg.GetOrCreate(ctx, "room", "Room")
	require.NoError(t, err)
	assert.Same(t, first, again)
	again.Release()

	require.NoError(t, first.Leave(p, "left", nil))
	_, ok := reg.Conference("room")
	assert.False(t, ok)

	second, err := reg.GetOrCreate(ctx, "room", "Room")
	require.NoError(t, err)
	defer second.Release()
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.Router().ID(), second.Router().ID())
	assert.Len(t, engine.Routers(), 2)
	assert.True(t, engine.Routers()[0].Closed())
}

func TestRegistryGetOrCreate_PlacementFailure(t *testing.T) {
	reg, engine := newTestRegistry(t, testSettings())
	engine.Fail(enginetest.OpCreateRouter, errors.New("router refused"))

	_, err := reg.GetOrCreate(context.Background(), "room", "Room")
	require.Error(t, err)
	_, ok := reg.Conference("room")
	assert.False(t, ok)

	engine.Reset()
	c, err := reg.GetOrCreate(context.Background(), "room", "Room")
	require.NoError(t, err)
	c.Release()
}

func TestRegistryGetOrCreate_TimeoutRollsBackRouter(t *testing.T) {
	settings := testSettings()
	settings.RequestTimeout = 30 * time.Millisecond
	reg, engine := newTestRegistry(t, settings)
	engine.Stall(enginetest.OpCreateRouter, 150*time.Millisecond)

	_, err := reg.GetOrCreate(context.Background(), "room", "Room")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := reg.Conference("room")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		routers := engine.Routers()
		return len(routers) == 1 && routers[0].Closed()
	}, time.Second, 10*time.Millisecond)
}

func TestRegistryFindParticipant(t *testing.T) {
	reg, _ := newTestRegistry(t, testSettings())
	c, err := reg.GetOrCreate(context.Background(), "room", "Room")
	require.NoError(t, err)
	defer c.Release()
	_, err = c.Join("alice", "Alice", "sock-a", &fakeSignal{}, nil, nopReply)
	require.NoError(t, err)

	gotConf, gotP, err := reg.FindParticipant("room", "alice")
	require.NoError(t, err)
	assert.Same(t, c, gotConf)
	assert.Equal(t, domain.ParticipantID("alice"), gotP.ID)

	_, _, err = reg.FindParticipant("room", "bob")
	assert.Error(t, err)
	_, _, err = reg.FindParticipant("other", "alice")
	assert.Error(t, err)
}

func TestRegistrySessionsAndStats(t *testing.T) {
	reg, _ := newTestRegistry(t, testSettings())
	s1 := reg.Register("s1", &fakeSignal{}, "client-1")
	reg.Register("s2", &fakeSignal{}, "client-2")

	got, ok := reg.Session("s1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	c, err := reg.GetOrCreate(context.Background(), "room", "Room")
	require.NoError(t, err)
	defer c.Release()
	_, err = c.Join("alice", "Alice", "s1", s1.Conn, nil, nopReply)
	require.NoError(t, err)

	st := reg.Stats()
	assert.Equal(t, 1, st.Conferences)
	assert.Equal(t, 1, st.Participants)
	assert.Equal(t, 2, st.Connections)

	reg.Unregister("s1")
	_, ok = reg.Session("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Stats().Connections)
}
