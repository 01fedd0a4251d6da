// Package scheduler tests for background sync scheduling.
package scheduler

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/logging"
)

// fakeEngine counts hook invocations and exposes toggles for the predicates.
type fakeEngine struct {
	syncs   atomic.Int32
	drains  atomic.Int32
	online  atomic.Bool
	syncing atomic.Bool
	failErr error
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{}
	e.online.Store(true)
	return e
}

func (e *fakeEngine) hooks() Hooks {
	return Hooks{
		Sync: func(context.Context) error {
			e.syncs.Add(1)
			return e.failErr
		},
		Drain: func(context.Context) error {
			e.drains.Add(1)
			return nil
		},
		IsOnline:  e.online.Load,
		IsSyncing: e.syncing.Load,
	}
}

func newTestScheduler(t *testing.T, e *fakeEngine) *Scheduler {
	t.Helper()
	s := New(e.hooks(), &Config{
		SyncInterval:  10 * time.Millisecond,
		QueueInterval: 10 * time.Millisecond,
	}, logging.New(&bytes.Buffer{}, logging.LevelDebug))
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Minute, cfg.QueueInterval)
}

func TestNew_FillsDefaults(t *testing.T) {
	s := New(Hooks{}, &Config{}, logging.New(&bytes.Buffer{}, logging.LevelDebug))
	assert.Equal(t, 15*time.Minute, s.SyncInterval())
	assert.False(t, s.IsRunning())

	st := s.GetStatus()
	assert.False(t, st.Running)
	assert.Equal(t, "1m0s", st.Drain.Interval)
	assert.Nil(t, st.Sync.LastRun)
}

func TestStartStop_Idempotent(t *testing.T) {
	s := newTestScheduler(t, newFakeEngine())

	assert.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.IsRunning())

	assert.True(t, s.Stop())
	assert.False(t, s.Stop(), "second stop is a no-op")
	assert.False(t, s.IsRunning())

	assert.True(t, s.Start(context.Background()), "can be re-armed after stop")
}

func TestRunsBothTasksWhileOnline(t *testing.T) {
	e := newFakeEngine()
	s := newTestScheduler(t, e)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		return e.syncs.Load() >= 2 && e.drains.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	st := s.GetStatus()
	assert.True(t, st.Sync.Armed)
	assert.True(t, st.Drain.Armed)
	require.NotNil(t, st.Sync.LastRun)
}

func TestOfflineSkipsBothTasks(t *testing.T) {
	e := newFakeEngine()
	e.online.Store(false)
	s := newTestScheduler(t, e)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		st := s.GetStatus()
		return st.Sync.Skipped >= 2 && st.Drain.Skipped >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.syncs.Load())
	assert.Zero(t, e.drains.Load())
}

func TestSyncSkippedWhileSyncing(t *testing.T) {
	e := newFakeEngine()
	e.syncing.Store(true)
	s := newTestScheduler(t, e)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		return e.drains.Load() >= 2 && s.GetStatus().Sync.Skipped >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.syncs.Load(), "drain still runs, sync waits")
}

func TestStopHaltsTicks(t *testing.T) {
	e := newFakeEngine()
	s := newTestScheduler(t, e)
	s.Start(context.Background())

	assert.Eventually(t, func() bool { return e.syncs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := e.syncs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, e.syncs.Load())
}

func TestParentContextCancelStopsLoops(t *testing.T) {
	e := newFakeEngine()
	s := newTestScheduler(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	time.Sleep(20 * time.Millisecond)
	before := e.syncs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, before, e.syncs.Load())

	assert.True(t, s.Stop(), "tasks stay armed until Stop")
}

func TestFailuresAreCounted(t *testing.T) {
	e := newFakeEngine()
	e.failErr = stderrors.New("remote down")
	s := newTestScheduler(t, e)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		return s.GetStatus().Sync.Failures >= 1
	}, time.Second, 5*time.Millisecond)
}
