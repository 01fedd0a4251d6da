// Package storage owns the on-device collection snapshot and its sync metadata.
package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/shelfsync/internal/db"
	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/models"
	"github.com/kimhsiao/shelfsync/internal/uuid"
)

// Keys persisted in the device substrate.
const (
	KeySnapshot     = "shelfsync.snapshot"
	KeySyncMetadata = "shelfsync.sync_metadata"
	KeyDeviceID     = "shelfsync.device_id"
	KeyOfflineQueue = "shelfsync.offline_queue"
)

// SaveOptions controls how Save stamps the snapshot.
type SaveOptions struct {
	// UpdateTimestamp stamps a fresh lastModified and this device as origin.
	// Pull and merge payloads already carry authoritative metadata and pass false.
	UpdateTimestamp bool
}

// Stats summarizes what the store holds.
type Stats struct {
	HasData   bool   `json:"hasData"`
	SizeBytes int    `json:"sizeBytes"`
	ItemCount int    `json:"itemCount"`
	DeviceID  string `json:"deviceId"`
}

// LocalStore is the Local Snapshot Store.
type LocalStore struct {
	kv  db.KeyValue
	now func() time.Time
	log *logging.Logger

	mu       sync.Mutex
	deviceID string
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *LocalStore) { s.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *LocalStore) { s.log = l }
}

// NewLocalStore creates a store over kv.
func NewLocalStore(kv db.KeyValue, opts ...Option) *LocalStore {
	s := &LocalStore{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Get().With(map[string]interface{}{"component": "local_store"})
	}
	return s
}

// DeviceID returns the stable device identity, generating and persisting it on first use.
func (s *LocalStore) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceIDLocked()
}

func (s *LocalStore) deviceIDLocked() (string, error) {
	if s.deviceID != "" {
		return s.deviceID, nil
	}

	id, ok, err := s.kv.Get(KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(id) != "" {
		s.deviceID = id
		return id, nil
	}

	id = uuid.NewDeviceID()
	if err := s.kv.Set(KeyDeviceID, id); err != nil {
		return "", err
	}
	s.log.Info("Generated device identity", map[string]interface{}{"device_id": id})
	s.deviceID = id
	return id, nil
}

// Load returns the stored snapshot, or nil when there is no usable data.
// An undecodable blob is removed. A snapshot with incomplete metadata is left
// in place for Repair and reported as absent.
func (s *LocalStore) Load() (*models.CollectionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *LocalStore) loadLocked() (*models.CollectionSnapshot, error) {
	raw, ok, err := s.kv.Get(KeySnapshot)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var snap models.CollectionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.Warn("Discarding corrupt snapshot", map[string]interface{}{"error": err.Error()})
		if rmErr := s.kv.Remove(KeySnapshot); rmErr != nil {
			s.log.Error("Failed to remove corrupt snapshot", rmErr)
		}
		return nil, nil
	}

	if err := snap.Metadata.Validate(); err != nil {
		s.log.Warn("Snapshot metadata incomplete, repair required", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, nil
	}
	if dups := snap.DuplicateIDs(); len(dups) > 0 {
		s.log.Warn("Snapshot contains duplicate item ids", map[string]interface{}{
			"duplicates": dups,
		})
	}
	if snap.Items == nil {
		snap.Items = []models.Item{}
	}
	return &snap, nil
}

// Save validates and persists snapshot, returning what was written.
// Nothing is written when validation or the substrate fails.
func (s *LocalStore) Save(snapshot *models.CollectionSnapshot, opts SaveOptions) (*models.CollectionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ValidateItems(snapshot); err != nil {
		return nil, err
	}

	out := snapshot.Clone()
	if out.Items == nil {
		out.Items = []models.Item{}
	}
	if opts.UpdateTimestamp {
		deviceID, err := s.deviceIDLocked()
		if err != nil {
			return nil, err
		}
		out.Metadata = models.NewSyncMetadata(deviceID, s.now(), models.SyncStatusPending)
	} else if err := out.Metadata.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "snapshot metadata", err)
	}

	if err := s.writeLocked(out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeLocked stores the snapshot and mirrors its metadata into the sync state.
// If the state write fails the previous snapshot is restored.
func (s *LocalStore) writeLocked(snap *models.CollectionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode snapshot", err)
	}

	prev, hadPrev, err := s.kv.Get(KeySnapshot)
	if err != nil {
		return err
	}
	if err := s.kv.Set(KeySnapshot, string(data)); err != nil {
		return err
	}

	md := snap.Metadata
	patch := models.SyncStatePatch{
		SchemaVersion:  &md.SchemaVersion,
		LastModified:   &md.LastModified,
		OriginDeviceID: &md.OriginDeviceID,
		ClientVersion:  &md.ClientVersion,
		SyncStatus:     &md.SyncStatus,
	}
	if err := s.updateLocked(patch); err != nil {
		var rbErr error
		if hadPrev {
			rbErr = s.kv.Set(KeySnapshot, prev)
		} else {
			rbErr = s.kv.Remove(KeySnapshot)
		}
		if rbErr != nil {
			s.log.Error("Failed to roll back snapshot write", rbErr)
		}
		return err
	}
	return nil
}

// SetLastSyncTime records a completed sync.
func (s *LocalStore) SetLastSyncTime(t time.Time) error {
	t = t.UTC()
	return s.UpdateSyncMetadata(models.SyncStatePatch{LastSyncTime: &t})
}

// GetSyncMetadata returns the stored sync state with defaults filled in.
func (s *LocalStore) GetSyncMetadata() (models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *LocalStore) stateLocked() (models.SyncState, error) {
	deviceID, err := s.deviceIDLocked()
	if err != nil {
		return models.SyncState{}, err
	}

	state := models.SyncState{
		SyncMetadata: models.SyncMetadata{
			SchemaVersion: models.SchemaVersion,
			ClientVersion: models.ClientVersion,
			SyncStatus:    models.SyncStatusNever,
		},
	}

	raw, ok, err := s.kv.Get(KeySyncMetadata)
	if err != nil {
		return models.SyncState{}, err
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			s.log.Warn("Ignoring corrupt sync metadata", map[string]interface{}{"error": err.Error()})
		}
	}

	if state.SchemaVersion == "" {
		state.SchemaVersion = models.SchemaVersion
	}
	if state.ClientVersion == "" {
		state.ClientVersion = models.ClientVersion
	}
	if !state.SyncStatus.Valid() {
		state.SyncStatus = models.SyncStatusNever
	}
	state.DeviceID = deviceID
	return state, nil
}

// UpdateSyncMetadata shallow-merges patch into the stored sync state.
func (s *LocalStore) UpdateSyncMetadata(patch models.SyncStatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(patch)
}

func (s *LocalStore) updateLocked(patch models.SyncStatePatch) error {
	state, err := s.stateLocked()
	if err != nil {
		return err
	}
	patch.Apply(&state)

	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode sync metadata", err)
	}
	return s.kv.Set(KeySyncMetadata, string(data))
}

// Clear removes the snapshot and resets sync state to cleared.
// The device identity survives.
func (s *LocalStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(KeySnapshot); err != nil {
		return err
	}
	if err := s.kv.Remove(KeySyncMetadata); err != nil {
		return err
	}
	return s.updateLocked(models.StatusPatch(models.SyncStatusCleared))
}

// Stats reports what the store holds.
func (s *LocalStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID, err := s.deviceIDLocked()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{DeviceID: deviceID}

	raw, ok, err := s.kv.Get(KeySnapshot)
	if err != nil {
		return Stats{}, err
	}
	if !ok || raw == "" {
		return st, nil
	}
	st.HasData = true
	st.SizeBytes = len(raw)

	var counted struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &counted); err == nil {
		st.ItemCount = len(counted.Items)
	}
	return st, nil
}

// ValidateItems checks every item has a non-empty id and title and that ids are unique.
func ValidateItems(snapshot *models.CollectionSnapshot) error {
	if snapshot == nil {
		return errors.New(errors.ErrValidation, "snapshot is nil")
	}
	seen := make(map[string]struct{}, len(snapshot.Items))
	for i, item := range snapshot.Items {
		if strings.TrimSpace(item.ID) == "" {
			return errors.Newf(errors.ErrValidation, "item %d has no id", i)
		}
		if strings.TrimSpace(item.Title) == "" {
			return errors.Newf(errors.ErrValidation, "item %q has no title", item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return errors.Newf(errors.ErrValidation, "duplicate item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// String implements fmt.Stringer for log fields.
func (st Stats) String() string {
	return fmt.Sprintf("items=%d bytes=%d", st.ItemCount, st.SizeBytes)
}
