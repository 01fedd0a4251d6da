package models

import (
	"fmt"
	"time"
)

const (
	// SchemaVersion is the snapshot document schema written by this build.
	SchemaVersion = "2.0"

	// ClientVersion identifies this engine build in snapshot metadata.
	ClientVersion = "shelfsync-core/1.0.0"
)

// SyncStatus is the persisted sync state of the local collection.
type SyncStatus string

const (
	SyncStatusNever    SyncStatus = "never"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusError    SyncStatus = "error"
	SyncStatusOffline  SyncStatus = "offline"
	SyncStatusCleared  SyncStatus = "cleared"
	SyncStatusRepaired SyncStatus = "repaired"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusNever, SyncStatusPending, SyncStatusSynced, SyncStatusError,
		SyncStatusOffline, SyncStatusCleared, SyncStatusRepaired:
		return true
	}
	return false
}

// SyncMetadata travels with every persisted snapshot.
type SyncMetadata struct {
	SchemaVersion  string     `json:"schemaVersion"`
	LastModified   time.Time  `json:"lastModified"`
	OriginDeviceID string     `json:"originDeviceId"`
	ClientVersion  string     `json:"clientVersion"`
	SyncStatus     SyncStatus `json:"syncStatus"`
}

// NewSyncMetadata returns a fully populated metadata block.
func NewSyncMetadata(deviceID string, now time.Time, status SyncStatus) *SyncMetadata {
	return &SyncMetadata{
		SchemaVersion:  SchemaVersion,
		LastModified:   now.UTC(),
		OriginDeviceID: deviceID,
		ClientVersion:  ClientVersion,
		SyncStatus:     status,
	}
}

// Validate returns an error naming the first missing field.
func (m *SyncMetadata) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("metadata missing")
	case m.SchemaVersion == "":
		return fmt.Errorf("metadata.schemaVersion missing")
	case m.LastModified.IsZero():
		return fmt.Errorf("metadata.lastModified missing")
	case m.OriginDeviceID == "":
		return fmt.Errorf("metadata.originDeviceId missing")
	case m.ClientVersion == "":
		return fmt.Errorf("metadata.clientVersion missing")
	case !m.SyncStatus.Valid():
		return fmt.Errorf("metadata.syncStatus %q invalid", m.SyncStatus)
	}
	return nil
}

// Complete reports whether every field is populated.
func (m *SyncMetadata) Complete() bool {
	return m.Validate() == nil
}

// SyncState is the device-local sync bookkeeping stored beside the snapshot.
type SyncState struct {
	SyncMetadata
	DeviceID     string     `json:"deviceId,omitempty"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// SyncStatePatch is shallow-merged into the stored SyncState; nil fields are left alone.
type SyncStatePatch struct {
	SchemaVersion  *string
	LastModified   *time.Time
	OriginDeviceID *string
	ClientVersion  *string
	SyncStatus     *SyncStatus
	LastSyncTime   *time.Time
	LastError      *string
}

// Apply merges the patch into s.
func (p SyncStatePatch) Apply(s *SyncState) {
	if p.SchemaVersion != nil {
		s.SchemaVersion = *p.SchemaVersion
	}
	if p.LastModified != nil {
		s.LastModified = *p.LastModified
	}
	if p.OriginDeviceID != nil {
		s.OriginDeviceID = *p.OriginDeviceID
	}
	if p.ClientVersion != nil {
		s.ClientVersion = *p.ClientVersion
	}
	if p.SyncStatus != nil {
		s.SyncStatus = *p.SyncStatus
	}
	if p.LastSyncTime != nil {
		t := *p.LastSyncTime
		s.LastSyncTime = &t
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
}

// StatusPatch is shorthand for a patch that only changes the status.
func StatusPatch(status SyncStatus) SyncStatePatch {
	return SyncStatePatch{SyncStatus: &status}
}
