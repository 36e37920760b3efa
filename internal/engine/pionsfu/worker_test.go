package pionsfu

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceconf/internal/core"
)

func startWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewFactory(Config{}).NewWorker(context.Background(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w.(*Worker)
}

func TestFactoryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFactory(Config{}).NewWorker(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerRouters(t *testing.T) {
	w := startWorker(t)
	assert.Equal(t, os.Getpid(), w.PID())

	r, err := w.CreateRouter(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())
	assert.NotEmpty(t, r.RTPCapabilities().Codecs)
	assert.False(t, r.CanConsume("unknown", r.RTPCapabilities()))

	usage, err := w.ResourceUsage(context.Background())
	require.NoError(t, err)
	assert.Positive(t, usage.SystemTime)

	require.NoError(t, r.Close())
	w.mu.Lock()
	assert.Empty(t, w.routers)
	w.mu.Unlock()

	_, err = r.CreateWebRTCTransport(context.Background(), core.TransportOptions{})
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestWorkerClose(t *testing.T) {
	w := startWorker(t)
	r, err := w.CreateRouter(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.CreateRouter(context.Background())
	assert.ErrorIs(t, err, ErrWorkerClosed)
	_, err = w.ResourceUsage(context.Background())
	assert.ErrorIs(t, err, ErrWorkerClosed)
	_, err = r.CreateWebRTCTransport(context.Background(), core.TransportOptions{})
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestWorkerGuardReportsDeath(t *testing.T) {
	w := startWorker(t)

	func() {
		defer w.guard()
		panic("bad packet")
	}()
	// Only the first failure is reported.
	w.die(errors.New("second"))

	select {
	case err := <-w.Died():
		assert.ErrorContains(t, err, "bad packet")
	case <-time.After(time.Second):
		t.Fatal("death not reported")
	}
	select {
	case err := <-w.Died():
		t.Fatalf("unexpected second report: %v", err)
	default:
	}
}

func TestLoggerFactory(t *testing.T) {
	l := newLoggerFactory(3).NewLogger("ice")
	require.NotNil(t, l)
	l.Debugf("candidate %d", 1)
	l.Warn("ignored")
}
