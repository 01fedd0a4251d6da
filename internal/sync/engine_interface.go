package sync

import (
	"context"

	"github.com/kimhsiao/shelfsync/internal/models"
	"github.com/kimhsiao/shelfsync/internal/sync/conflict"
	"github.com/kimhsiao/shelfsync/internal/sync/queue"
)

// Engine defines the sync engine operations used by the daemon.
// This interface allows for mocking in tests and alternative implementations.
type Engine interface {
	// Initialize repairs local data and prepares the engine.
	Initialize(ctx context.Context) error

	// Sync performs one sync cycle, or queues it while offline.
	Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error)

	// Push and Pull force a direction.
	Push(ctx context.Context) (*SyncResult, error)
	Pull(ctx context.Context) (*SyncResult, error)

	// ResolveConflict applies a strategy to the current local and remote snapshots.
	ResolveConflict(ctx context.Context, strategy conflict.Strategy) (*SyncResult, error)

	// LoadCollection returns the local snapshot, or nil when nothing is stored.
	LoadCollection() (*models.CollectionSnapshot, error)

	// SaveCollection stores a locally edited snapshot.
	SaveCollection(ctx context.Context, snapshot *models.CollectionSnapshot, changedIDs ...string) (*models.CollectionSnapshot, error)

	ProcessOfflineQueue(ctx context.Context) (queue.ProcessResult, error)
	SetOnline(ctx context.Context, online bool)
	NotifyForeground(ctx context.Context)

	StartAutoSync() bool
	StopAutoSync() bool

	GetSyncStatus() Status
	Events() *EventBus

	Close() error
}
