// Package scheduler runs the two recurring background tasks of the sync
// engine: periodic sync and offline queue draining.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // How often to sync when online (default: 15 minutes)
	QueueInterval time.Duration // How often to drain the offline queue (default: 1 minute)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 1 * time.Minute,
	}
}

// Hooks connects the scheduler to the engine without importing it.
type Hooks struct {
	Sync      func(ctx context.Context) error
	Drain     func(ctx context.Context) error
	IsOnline  func() bool
	IsSyncing func() bool
}

// task is one independently cancellable recurring job.
type task struct {
	name     string
	interval time.Duration
	armed    bool
	cancel   context.CancelFunc
	done     chan struct{}
	runs     int
	skipped  int
	failures int
	lastRun  time.Time
}

// Scheduler manages the auto-sync and queue-drain tasks.
type Scheduler struct {
	hooks Hooks
	log   *logging.Logger
	now   func() time.Time

	mu    sync.Mutex
	sync  *task
	drain *task
}

// New creates a Scheduler. Nil config uses DefaultConfig.
func New(hooks Hooks, config *Config, log *logging.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if log == nil {
		log = logging.Get().With(map[string]interface{}{"component": "scheduler"})
	}
	if hooks.IsOnline == nil {
		hooks.IsOnline = func() bool { return true }
	}
	if hooks.IsSyncing == nil {
		hooks.IsSyncing = func() bool { return false }
	}

	return &Scheduler{
		hooks: hooks,
		log:   log,
		now:   time.Now,
		sync:  &task{name: "sync", interval: config.SyncInterval},
		drain: &task{name: "drain", interval: config.QueueInterval},
	}
}

// Start arms both tasks. It returns false when they were already armed.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sync.armed && s.drain.armed {
		return false
	}
	if !s.sync.armed {
		s.arm(ctx, s.sync, s.tickSync)
	}
	if !s.drain.armed {
		s.arm(ctx, s.drain, s.tickDrain)
	}

	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.sync.interval.String(),
		"queue_interval": s.drain.interval.String(),
	})
	return true
}

// Stop cancels both tasks together and waits for in-flight ticks to return.
// It returns false when nothing was armed.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	var waits []chan struct{}
	for _, t := range []*task{s.sync, s.drain} {
		if !t.armed {
			continue
		}
		t.armed = false
		t.cancel()
		waits = append(waits, t.done)
	}
	s.mu.Unlock()

	if len(waits) == 0 {
		return false
	}
	for _, done := range waits {
		<-done
	}

	s.log.Info("Background sync scheduler stopped", nil)
	return true
}

// IsRunning reports whether either task is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync.armed || s.drain.armed
}

// SyncInterval returns the configured auto-sync interval.
func (s *Scheduler) SyncInterval() time.Duration {
	return s.sync.interval
}

// TaskStatus describes one recurring task.
type TaskStatus struct {
	Armed    bool       `json:"armed"`
	Interval string     `json:"interval"`
	Runs     int        `json:"runs"`
	Skipped  int        `json:"skipped"`
	Failures int        `json:"failures"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
}

// Status returns the current status of the scheduler.
type Status struct {
	Running bool       `json:"running"`
	Sync    TaskStatus `json:"sync"`
	Drain   TaskStatus `json:"drain"`
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Running: s.sync.armed || s.drain.armed,
		Sync:    s.sync.status(),
		Drain:   s.drain.status(),
	}
}

func (t *task) status() TaskStatus {
	st := TaskStatus{
		Armed:    t.armed,
		Interval: t.interval.String(),
		Runs:     t.runs,
		Skipped:  t.skipped,
		Failures: t.failures,
	}
	if !t.lastRun.IsZero() {
		last := t.lastRun
		st.LastRun = &last
	}
	return st
}

// arm starts t's loop. Caller holds s.mu.
func (s *Scheduler) arm(parent context.Context, t *task, tick func(context.Context, *task)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.armed = true
	t.cancel = cancel
	t.done = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx, t)
			}
		}
	}()
}

// tickSync runs a sync only while online and not already syncing.
func (s *Scheduler) tickSync(ctx context.Context, t *task) {
	if !s.hooks.IsOnline() {
		s.skip(t, "offline")
		return
	}
	if s.hooks.IsSyncing() {
		s.skip(t, "sync already in progress")
		return
	}
	s.run(ctx, t, s.hooks.Sync)
}

// tickDrain drains the offline queue only while online.
func (s *Scheduler) tickDrain(ctx context.Context, t *task) {
	if !s.hooks.IsOnline() {
		s.skip(t, "offline")
		return
	}
	s.run(ctx, t, s.hooks.Drain)
}

func (s *Scheduler) skip(t *task, reason string) {
	s.mu.Lock()
	t.skipped++
	s.mu.Unlock()
	s.log.Debug("Skipping scheduled task", map[string]interface{}{"task": t.name, "reason": reason})
}

func (s *Scheduler) run(ctx context.Context, t *task, fn func(context.Context) error) {
	if fn == nil {
		return
	}

	err := fn(ctx)

	s.mu.Lock()
	t.runs++
	t.lastRun = s.now()
	if err != nil {
		t.failures++
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.ErrorWithCode("Scheduled task failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"task": t.name, "interval": t.interval.String()})
	}
}
