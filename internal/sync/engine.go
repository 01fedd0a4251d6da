package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/shelfsync/internal/db"
	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/models"
	"github.com/kimhsiao/shelfsync/internal/sync/conflict"
	"github.com/kimhsiao/shelfsync/internal/sync/queue"
	"github.com/kimhsiao/shelfsync/internal/sync/retry"
	"github.com/kimhsiao/shelfsync/internal/sync/scheduler"
	"github.com/kimhsiao/shelfsync/internal/sync/storage"
)

// Config configures a SyncEngine.
type Config struct {
	// RemoteID identifies the remote collection document. Empty means sync is not configured.
	RemoteID        string
	Strategy        conflict.Strategy
	ConflictWindow  time.Duration
	AutoSync        bool
	SyncInterval    time.Duration
	QueueInterval   time.Duration
	SettleDelay     time.Duration // wait after reconnecting before syncing
	ForegroundDelay time.Duration
	Retry           retry.Config
	Queue           queue.Options
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	sched := scheduler.DefaultConfig()
	return Config{
		Strategy:        conflict.StrategyManual,
		ConflictWindow:  conflict.DefaultWindow,
		SyncInterval:    sched.SyncInterval,
		QueueInterval:   sched.QueueInterval,
		SettleDelay:     2 * time.Second,
		ForegroundDelay: time.Second,
		Retry:           retry.DefaultConfig(),
		Queue:           queue.DefaultOptions(),
	}
}

// SyncOptions modifies a single Sync call.
type SyncOptions struct {
	// Force skips conflict detection and syncs by timestamp.
	Force bool
	// SkipOfflineCheck calls the network even when the engine believes it is offline.
	SkipOfflineCheck bool
}

// SyncAction describes what a sync did.
type SyncAction string

const (
	ActionQueued SyncAction = "queued"
	ActionNone   SyncAction = "none"
	ActionPush   SyncAction = "push"
	ActionPull   SyncAction = "pull"
	ActionMerge  SyncAction = "merge"
	ActionManual SyncAction = "manual"
)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	Action                   SyncAction             `json:"action"`
	Queued                   bool                   `json:"queued,omitempty"`
	RequiresManualResolution bool                   `json:"requiresManualResolution,omitempty"`
	Conflict                 *models.ConflictRecord `json:"conflict,omitempty"`
	Strategy                 conflict.Strategy      `json:"strategy,omitempty"`
	Merge                    *conflict.MergeStats   `json:"merge,omitempty"`
	ItemCount                int                    `json:"itemCount"`
	Message                  string                 `json:"message,omitempty"`
	StartTime                time.Time              `json:"startTime"`
	EndTime                  time.Time              `json:"endTime"`
	Duration                 time.Duration          `json:"duration"`
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithClock replaces the engine clock. It is shared with the local store and queue.
func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) { e.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *SyncEngine) { e.log = l }
}

// WithExecutorOptions passes options through to the retry executor.
func WithExecutorOptions(opts ...retry.ExecutorOption) Option {
	return func(e *SyncEngine) { e.execOpts = append(e.execOpts, opts...) }
}

// SyncEngine reconciles the local snapshot with the remote document.
type SyncEngine struct {
	cfg      Config
	remote   RemoteStore
	store    *storage.LocalStore
	queue    *queue.Queue
	executor *retry.Executor
	resolver *conflict.Resolver
	sched    *scheduler.Scheduler
	events   *EventBus
	log      *logging.Logger
	now      func() time.Time
	execOpts []retry.ExecutorOption

	syncing atomic.Bool

	mu          sync.RWMutex
	initialized bool
	online      bool
	closed      bool
	lastErr     error
	pending     *models.ConflictRecord

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

var _ Engine = (*SyncEngine)(nil)

// NewSyncEngine builds an engine over a local key-value substrate and a remote store.
// The retry executor is also the queue's retry classifier.
func NewSyncEngine(kv db.KeyValue, remote RemoteStore, cfg Config, opts ...Option) *SyncEngine {
	if cfg.Strategy == "" {
		cfg.Strategy = conflict.StrategyManual
	}
	defaults := DefaultConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaults.SettleDelay
	}
	if cfg.ForegroundDelay <= 0 {
		cfg.ForegroundDelay = defaults.ForegroundDelay
	}

	e := &SyncEngine{
		cfg:    cfg,
		remote: remote,
		now:    time.Now,
		online: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Get().With(map[string]interface{}{"component": "sync"})
	}

	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.events = NewEventBus(e.log)
	e.executor = retry.NewExecutor(cfg.Retry, append([]retry.ExecutorOption{retry.WithLogger(e.log)}, e.execOpts...)...)
	e.store = storage.NewLocalStore(kv, storage.WithClock(e.now), storage.WithLogger(e.log))
	e.resolver = conflict.NewResolver(cfg.ConflictWindow, e.log)

	qopts := cfg.Queue
	qopts.Classifier = e.executor
	qopts.Now = e.now
	qopts.Logger = e.log
	e.queue = queue.New(kv, qopts)

	e.sched = scheduler.New(scheduler.Hooks{
		Sync:      e.scheduledSync,
		Drain:     e.scheduledDrain,
		IsOnline:  e.IsOnline,
		IsSyncing: e.IsSyncing,
	}, &scheduler.Config{
		SyncInterval:  cfg.SyncInterval,
		QueueInterval: cfg.QueueInterval,
	}, e.log)

	return e
}

// Events returns the engine's event bus.
func (e *SyncEngine) Events() *EventBus { return e.events }

// Store returns the local snapshot store.
func (e *SyncEngine) Store() *storage.LocalStore { return e.store }

// LoadCollection returns the local snapshot, or nil when nothing is stored.
func (e *SyncEngine) LoadCollection() (*models.CollectionSnapshot, error) {
	return e.store.Load()
}

// Queue returns the offline intent queue.
func (e *SyncEngine) Queue() *queue.Queue { return e.queue }

// IsOnline reports the engine's connectivity flag.
func (e *SyncEngine) IsOnline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

// IsSyncing reports whether a sync cycle is in flight.
func (e *SyncEngine) IsSyncing() bool {
	return e.syncing.Load()
}

// Initialize repairs local data, resolves the device identity and starts
// auto-sync when configured.
func (e *SyncEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if !e.cfg.Strategy.Valid() {
		return errors.Newf(errors.ErrUnknownStrategy, "unknown conflict strategy %q", e.cfg.Strategy)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	report, err := e.store.Repair()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "repair local snapshot", err)
	}
	deviceID, err := e.store.DeviceID()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "resolve device id", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	e.log.Info("Sync engine initialized", map[string]interface{}{
		"device_id":         deviceID,
		"remote_configured": e.cfg.RemoteID != "",
		"strategy":          string(e.cfg.Strategy),
		"repaired":          report.Dirty(),
	})
	e.emit(EventInitialized, map[string]interface{}{
		"deviceId": deviceID,
		"repair":   report,
	})

	if e.cfg.AutoSync {
		e.StartAutoSync()
	}
	return nil
}

// Close stops background work and clears listeners. It is safe to call twice.
func (e *SyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.bgCancel()
	e.mu.Unlock()

	e.StopAutoSync()
	e.wg.Wait()
	e.events.Clear()
	e.log.Info("Sync engine closed")
	return nil
}

// Sync runs one sync cycle. Offline, it queues a sync intent instead.
func (e *SyncEngine) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if !opts.SkipOfflineCheck && !e.IsOnline() {
		return e.enqueue(queue.IntentSync, "", nil)
	}
	return e.exclusive(ctx, func(ctx context.Context) (*SyncResult, error) {
		return e.syncLocked(ctx, opts)
	})
}

// Push writes the local snapshot to the remote. Offline, it queues a push intent.
func (e *SyncEngine) Push(ctx context.Context) (*SyncResult, error) {
	if !e.IsOnline() {
		return e.enqueue(queue.IntentPush, "", nil)
	}
	return e.exclusive(ctx, e.pushLocked)
}

// Pull overwrites the local snapshot with the remote. Offline, it queues a pull intent.
func (e *SyncEngine) Pull(ctx context.Context) (*SyncResult, error) {
	if !e.IsOnline() {
		return e.enqueue(queue.IntentPull, "", nil)
	}
	return e.exclusive(ctx, e.pullLocked)
}

// ResolveConflict reloads both sides and applies strategy.
func (e *SyncEngine) ResolveConflict(ctx context.Context, strategy conflict.Strategy) (*SyncResult, error) {
	return e.exclusive(ctx, func(ctx context.Context) (*SyncResult, error) {
		if err := e.checkRemote(ctx); err != nil {
			return nil, err
		}
		local, remote, err := e.loadBoth(ctx)
		if err != nil {
			return nil, err
		}
		record := e.resolver.DetectConflict(local, remote)
		return e.resolveConflict(ctx, strategy, local, remote, record)
	})
}

// SaveCollection stores a locally authored snapshot with a fresh timestamp.
// Offline, one mutate intent is queued per changed item id.
func (e *SyncEngine) SaveCollection(ctx context.Context, snapshot *models.CollectionSnapshot, changedIDs ...string) (*models.CollectionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	saved, err := e.store.Save(stampChanged(snapshot, changedIDs, e.now().UTC()), storage.SaveOptions{UpdateTimestamp: true})
	if err != nil {
		return nil, err
	}

	if !e.IsOnline() {
		if len(changedIDs) == 0 {
			changedIDs = []string{""}
		}
		for _, id := range changedIDs {
			payload, err := json.Marshal(map[string]string{"itemId": id})
			if err != nil {
				return saved, errors.Wrap(errors.ErrInternal, "encode mutate intent", err)
			}
			if _, err := e.enqueue(queue.IntentMutate, id, payload); err != nil {
				return saved, err
			}
		}
	}
	return saved, nil
}

// stampChanged returns a copy of snapshot with lastModified set to now on
// every item named in changedIDs, so item-level merges on other devices see
// the edit as newer.
func stampChanged(snapshot *models.CollectionSnapshot, changedIDs []string, now time.Time) *models.CollectionSnapshot {
	if snapshot == nil || len(changedIDs) == 0 {
		return snapshot
	}
	changed := make(map[string]struct{}, len(changedIDs))
	for _, id := range changedIDs {
		changed[id] = struct{}{}
	}
	out := snapshot.Clone()
	for i := range out.Items {
		if _, ok := changed[out.Items[i].ID]; ok {
			at := now
			out.Items[i].LastModified = &at
		}
	}
	return out
}

// exclusive runs fn as the single in-flight sync cycle.
func (e *SyncEngine) exclusive(ctx context.Context, fn func(ctx context.Context) (*SyncResult, error)) (*SyncResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync is already in progress")
	}
	defer e.syncing.Store(false)

	start := e.now()
	e.emit(EventSyncStarted, nil)

	result, err := fn(ctx)
	if err != nil {
		return nil, e.fail(err)
	}

	result.StartTime = start
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(start)
	e.succeed(result)
	return result, nil
}

func (e *SyncEngine) syncLocked(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if err := e.checkRemote(ctx); err != nil {
		return nil, err
	}

	local, remote, err := e.loadBoth(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.Force {
		if record := e.resolver.DetectConflict(local, remote); record != nil {
			return e.resolveConflict(ctx, e.cfg.Strategy, local, remote, record)
		}
	}
	return e.performSync(ctx, local, remote)
}

func (e *SyncEngine) pushLocked(ctx context.Context) (*SyncResult, error) {
	if e.cfg.RemoteID == "" {
		return nil, errors.New(errors.ErrSyncNotConfigured, "remote collection id is not configured")
	}
	local, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, errors.New(errors.ErrValidation, "no local snapshot to push")
	}
	return e.push(ctx, local)
}

func (e *SyncEngine) pullLocked(ctx context.Context) (*SyncResult, error) {
	if err := e.checkRemote(ctx); err != nil {
		return nil, err
	}
	remote, err := e.readRemote(ctx)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, errors.New(errors.ErrCorrupt, "remote document has no usable snapshot")
	}
	return e.pull(ctx, remote)
}

// checkRemote confirms the remote id is configured and the document exists.
func (e *SyncEngine) checkRemote(ctx context.Context) error {
	if e.cfg.RemoteID == "" {
		return errors.New(errors.ErrSyncNotConfigured, "remote collection id is not configured")
	}
	exists, err := retry.Do(ctx, e.executor, retry.Options{
		OperationID:   e.cfg.RemoteID,
		OperationType: retry.OpExists,
	}, func(ctx context.Context) (bool, error) {
		return e.remote.Exists(ctx, e.cfg.RemoteID)
	})
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.ErrRemoteNotFound, "remote collection %s does not exist", e.cfg.RemoteID)
	}
	return nil
}

// loadBoth loads the local and remote snapshots in parallel.
func (e *SyncEngine) loadBoth(ctx context.Context) (local, remote *models.CollectionSnapshot, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = e.store.Load()
		return err
	})
	g.Go(func() error {
		var err error
		remote, err = e.readRemote(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

func (e *SyncEngine) readRemote(ctx context.Context) (*models.CollectionSnapshot, error) {
	data, err := retry.Do(ctx, e.executor, retry.Options{
		OperationID:   e.cfg.RemoteID,
		OperationType: retry.OpRead,
	}, func(ctx context.Context) ([]byte, error) {
		return e.remote.Read(ctx, e.cfg.RemoteID)
	})
	if err != nil {
		return nil, err
	}
	return e.decodeRemote(data)
}

// decodeRemote treats an empty document or one without complete metadata as absent.
func (e *SyncEngine) decodeRemote(data []byte) (*models.CollectionSnapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var snap models.CollectionSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, errors.Wrap(errors.ErrCorrupt, "decode remote snapshot", err)
	}
	if err := snap.Metadata.Validate(); err != nil {
		e.log.Warn("Remote snapshot metadata incomplete, treating as absent", map[string]interface{}{
			"remote_id": e.cfg.RemoteID,
			"error":     err.Error(),
		})
		return nil, nil
	}
	if dups := snap.DropDuplicates(); len(dups) > 0 {
		e.log.Warn("Remote snapshot contains duplicate item ids, keeping first seen", map[string]interface{}{
			"remote_id":  e.cfg.RemoteID,
			"duplicates": dups,
		})
	}
	if snap.Items == nil {
		snap.Items = []models.Item{}
	}
	return &snap, nil
}

// performSync moves data in one direction by comparing timestamps.
func (e *SyncEngine) performSync(ctx context.Context, local, remote *models.CollectionSnapshot) (*SyncResult, error) {
	switch {
	case local == nil && remote == nil:
		return &SyncResult{Action: ActionNone, Message: "nothing to sync"}, nil
	case local == nil:
		return e.pull(ctx, remote)
	case remote == nil:
		return e.push(ctx, local)
	}

	lt, rt := local.LastModified(), remote.LastModified()
	switch {
	case lt.Equal(rt):
		if err := e.markSynced(); err != nil {
			return nil, err
		}
		return &SyncResult{Action: ActionNone, ItemCount: len(local.Items), Message: "already in sync"}, nil
	case lt.After(rt):
		return e.push(ctx, local)
	default:
		return e.pull(ctx, remote)
	}
}

// resolveConflict applies strategy to a detected conflict.
func (e *SyncEngine) resolveConflict(ctx context.Context, strategy conflict.Strategy, local, remote *models.CollectionSnapshot, record *models.ConflictRecord) (*SyncResult, error) {
	if strategy == "" {
		strategy = conflict.StrategyManual
	}
	if !strategy.Valid() {
		return nil, errors.Newf(errors.ErrUnknownStrategy, "unknown conflict strategy %q", strategy)
	}

	if record != nil {
		e.emit(EventConflictDetected, map[string]interface{}{
			"conflict": record,
			"strategy": string(strategy),
			"manual":   strategy == conflict.StrategyManual,
		})
	}

	var (
		result *SyncResult
		err    error
	)
	switch strategy {
	case conflict.StrategyKeepLocal:
		if local == nil {
			return nil, errors.New(errors.ErrValidation, "no local snapshot to keep")
		}
		result, err = e.publish(ctx, local)
	case conflict.StrategyKeepRemote:
		if remote == nil {
			return nil, errors.New(errors.ErrValidation, "no remote snapshot to keep")
		}
		result, err = e.pull(ctx, remote)
	case conflict.StrategyMerge:
		result, err = e.merge(ctx, local, remote)
	case conflict.StrategyManual:
		e.mu.Lock()
		e.pending = record
		e.mu.Unlock()
		return &SyncResult{
			Action:                   ActionManual,
			RequiresManualResolution: true,
			Conflict:                 record,
			Strategy:                 strategy,
			Message:                  "conflict requires manual resolution",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()

	result.Conflict = record
	result.Strategy = strategy
	return result, nil
}

// merge writes the merged snapshot to the remote first, then locally.
func (e *SyncEngine) merge(ctx context.Context, local, remote *models.CollectionSnapshot) (*SyncResult, error) {
	deviceID, err := e.store.DeviceID()
	if err != nil {
		return nil, err
	}

	merged, stats := e.resolver.Merge(local, remote, deviceID, e.now().UTC())
	if err := storage.ValidateItems(merged); err != nil {
		return nil, err
	}
	if err := e.writeRemote(ctx, merged); err != nil {
		return nil, err
	}
	if _, err := e.store.Save(merged, storage.SaveOptions{}); err != nil {
		return nil, err
	}
	if err := e.markSynced(); err != nil {
		return nil, err
	}
	return &SyncResult{Action: ActionMerge, Merge: &stats, ItemCount: len(merged.Items)}, nil
}

func (e *SyncEngine) push(ctx context.Context, local *models.CollectionSnapshot) (*SyncResult, error) {
	out := local.Clone()
	out.Metadata.SyncStatus = models.SyncStatusSynced
	return e.publish(ctx, out)
}

// publish writes snap to the remote exactly as given.
func (e *SyncEngine) publish(ctx context.Context, snap *models.CollectionSnapshot) (*SyncResult, error) {
	if err := e.writeRemote(ctx, snap); err != nil {
		return nil, err
	}
	if err := e.markSynced(); err != nil {
		return nil, err
	}
	return &SyncResult{Action: ActionPush, ItemCount: len(snap.Items)}, nil
}

// pull stores the remote snapshot locally, keeping its timestamp and origin.
func (e *SyncEngine) pull(ctx context.Context, remote *models.CollectionSnapshot) (*SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := remote.Clone()
	in.Metadata.SyncStatus = models.SyncStatusSynced
	if _, err := e.store.Save(in, storage.SaveOptions{}); err != nil {
		return nil, err
	}
	if err := e.markSynced(); err != nil {
		return nil, err
	}
	return &SyncResult{Action: ActionPull, ItemCount: len(in.Items)}, nil
}

func (e *SyncEngine) writeRemote(ctx context.Context, snap *models.CollectionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode snapshot", err)
	}
	return e.executor.Execute(ctx, retry.Options{
		OperationID:   e.cfg.RemoteID,
		OperationType: retry.OpWrite,
	}, func(ctx context.Context) error {
		return e.remote.Write(ctx, e.cfg.RemoteID, data)
	})
}

func (e *SyncEngine) markSynced() error {
	now := e.now().UTC()
	status := models.SyncStatusSynced
	empty := ""
	return e.store.UpdateSyncMetadata(models.SyncStatePatch{
		SyncStatus:   &status,
		LastSyncTime: &now,
		LastError:    &empty,
	})
}

func (e *SyncEngine) succeed(result *SyncResult) {
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()

	e.log.Info("Sync completed", map[string]interface{}{
		"action":      string(result.Action),
		"items":       result.ItemCount,
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emit(EventSyncCompleted, result)
}

// fail records err and reports it in user-facing form.
func (e *SyncEngine) fail(err error) error {
	if errors.Is(err, errors.ErrSyncInProgress) {
		return err
	}

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	msg := err.Error()
	status := models.SyncStatusError
	if uerr := e.store.UpdateSyncMetadata(models.SyncStatePatch{SyncStatus: &status, LastError: &msg}); uerr != nil {
		e.log.Error("Failed to record sync error", uerr)
	}

	userErr := retry.FormatErrorForUser(err)
	e.log.ErrorWithCode("Sync failed", string(errors.CodeOf(err)), err, map[string]interface{}{
		"category": string(userErr.Category),
	})
	e.emit(EventSyncError, userErr)
	return err
}

// enqueue records an intent for later replay.
func (e *SyncEngine) enqueue(t queue.IntentType, id string, payload json.RawMessage) (*SyncResult, error) {
	intent := queue.Intent{Type: t, ID: id, Payload: payload}
	if err := e.queue.Enqueue(intent); err != nil {
		return nil, err
	}

	status := models.SyncStatusOffline
	if err := e.store.UpdateSyncMetadata(models.StatusPatch(status)); err != nil {
		e.log.Error("Failed to record offline status", err)
	}

	e.emit(EventOperationQueued, map[string]interface{}{
		"type":      string(t),
		"id":        id,
		"queueSize": e.queue.Size(),
	})
	now := e.now()
	return &SyncResult{
		Action:    ActionQueued,
		Queued:    true,
		Message:   "offline, operation queued",
		StartTime: now,
		EndTime:   now,
	}, nil
}

// ProcessOfflineQueue replays queued intents. It is skipped while offline or syncing.
func (e *SyncEngine) ProcessOfflineQueue(ctx context.Context) (queue.ProcessResult, error) {
	if !e.IsOnline() || e.queue.IsEmpty() {
		return queue.ProcessResult{}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		e.log.Debug("Skipping offline queue, sync in progress")
		return queue.ProcessResult{}, nil
	}
	defer e.syncing.Store(false)

	result := e.queue.ProcessQueue(ctx, e.replay)

	e.emit(EventOfflineQueueProcessed, result)
	if result.Failed > 0 {
		e.emit(EventOfflineQueueError, result.Errors)
	}
	return result, nil
}

// replay maps an intent onto the operation it stands for. The caller holds
// the sync flag, so the unguarded variants are used.
func (e *SyncEngine) replay(ctx context.Context, intent queue.Intent) error {
	var (
		result *SyncResult
		err    error
	)
	switch intent.Type {
	case queue.IntentSync:
		result, err = e.syncLocked(ctx, SyncOptions{SkipOfflineCheck: true})
	case queue.IntentPush:
		result, err = e.pushLocked(ctx)
	case queue.IntentMutate:
		// Offline edits reconcile against whatever other devices wrote
		// meanwhile. A remote that was never created is bootstrapped.
		result, err = e.syncLocked(ctx, SyncOptions{SkipOfflineCheck: true})
		if errors.Is(err, errors.ErrRemoteNotFound) {
			result, err = e.pushLocked(ctx)
		}
	case queue.IntentPull:
		result, err = e.pullLocked(ctx)
	default:
		return errors.Newf(errors.ErrValidation, "unknown intent type %q", intent.Type)
	}
	if err != nil {
		return e.fail(err)
	}
	e.succeed(result)
	return nil
}

// SetOnline records a connectivity change. Going online drains the queue
// and schedules a sync after the settle delay.
func (e *SyncEngine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if was == online {
		return
	}

	e.log.Info("Network status changed", map[string]interface{}{"online": online})
	e.emit(EventNetworkStatusChanged, map[string]interface{}{"online": online})

	if !online {
		if err := e.store.UpdateSyncMetadata(models.StatusPatch(models.SyncStatusOffline)); err != nil {
			e.log.Error("Failed to record offline status", err)
		}
		return
	}

	if _, err := e.ProcessOfflineQueue(ctx); err != nil {
		e.log.Error("Failed to drain offline queue", err)
	}
	e.deferSync(e.cfg.SettleDelay, "reconnect")
}

// NotifyForeground schedules a best-effort sync after the app regains focus.
func (e *SyncEngine) NotifyForeground(ctx context.Context) {
	if ctx.Err() != nil || !e.IsOnline() {
		return
	}
	e.deferSync(e.cfg.ForegroundDelay, "foreground")
}

// deferSync runs a sync after delay unless the engine is closed first.
func (e *SyncEngine) deferSync(delay time.Duration, reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	ctx := e.bgCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !e.IsOnline() {
			return
		}
		if _, err := e.Sync(ctx, SyncOptions{}); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			e.log.Debug("Deferred sync failed", map[string]interface{}{"reason": reason, "error": err.Error()})
		}
	}()
}

// StartAutoSync arms the recurring sync and queue-drain tasks.
func (e *SyncEngine) StartAutoSync() bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}
	if !e.sched.Start(e.bgCtx) {
		return false
	}
	e.emit(EventAutoSyncStarted, map[string]interface{}{"interval": e.sched.SyncInterval().String()})
	return true
}

// StopAutoSync cancels both recurring tasks.
func (e *SyncEngine) StopAutoSync() bool {
	if !e.sched.Stop() {
		return false
	}
	e.emit(EventAutoSyncStopped, nil)
	return true
}

func (e *SyncEngine) scheduledSync(ctx context.Context) error {
	_, err := e.Sync(ctx, SyncOptions{})
	if errors.Is(err, errors.ErrSyncInProgress) {
		return nil
	}
	return err
}

func (e *SyncEngine) scheduledDrain(ctx context.Context) error {
	_, err := e.ProcessOfflineQueue(ctx)
	return err
}

// Status is a read-only view of the engine for status displays.
type Status struct {
	Initialized      bool                   `json:"initialized"`
	InProgress       bool                   `json:"inProgress"`
	AutoSyncEnabled  bool                   `json:"autoSyncEnabled"`
	SyncInterval     string                 `json:"syncInterval"`
	LastSyncTime     *time.Time             `json:"lastSyncTime,omitempty"`
	SyncStatus       models.SyncStatus      `json:"syncStatus"`
	Strategy         conflict.Strategy      `json:"strategy"`
	DeviceID         string                 `json:"deviceId"`
	RemoteConfigured bool                   `json:"remoteConfigured"`
	Online           bool                   `json:"online"`
	PendingConflict  *models.ConflictRecord `json:"pendingConflict,omitempty"`
	Local            storage.Stats          `json:"local"`
	Queue            queue.Stats            `json:"queue"`
	Scheduler        scheduler.Status       `json:"scheduler"`
	LastError        *retry.UserError       `json:"lastError,omitempty"`
	Retry            retry.Stats            `json:"retry"`
}

// GetSyncStatus aggregates engine, store, queue and executor state.
func (e *SyncEngine) GetSyncStatus() Status {
	e.mu.RLock()
	st := Status{
		Initialized:      e.initialized,
		Online:           e.online,
		PendingConflict:  e.pending,
		Strategy:         e.cfg.Strategy,
		RemoteConfigured: e.cfg.RemoteID != "",
	}
	lastErr := e.lastErr
	e.mu.RUnlock()

	st.InProgress = e.syncing.Load()
	st.Scheduler = e.sched.GetStatus()
	st.AutoSyncEnabled = st.Scheduler.Running
	st.SyncInterval = e.sched.SyncInterval().String()
	st.Queue = e.queue.GetStats()
	st.Retry = e.executor.Stats()

	if state, err := e.store.GetSyncMetadata(); err != nil {
		e.log.Error("Failed to read sync state", err)
	} else {
		st.SyncStatus = state.SyncStatus
		st.DeviceID = state.DeviceID
		st.LastSyncTime = state.LastSyncTime
	}
	if local, err := e.store.Stats(); err != nil {
		e.log.Error("Failed to read local stats", err)
	} else {
		st.Local = local
	}
	if lastErr != nil {
		ue := retry.FormatErrorForUser(lastErr)
		st.LastError = &ue
	}
	return st
}

// LastError returns the most recent sync failure.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *SyncEngine) emit(t EventType, data interface{}) {
	e.events.Emit(Event{Type: t, Timestamp: e.now().UTC(), Data: data})
}
