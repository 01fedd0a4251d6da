package models

import "time"

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent_modification"
)

// ConflictRecord describes diverging local and remote snapshots.
// It is produced by detection and consumed immediately; it is never persisted.
type ConflictRecord struct {
	Type            ConflictType `json:"type"`
	LocalTimestamp  time.Time    `json:"localTimestamp"`
	RemoteTimestamp time.Time    `json:"remoteTimestamp"`
	LocalDeviceID   string       `json:"localDeviceId"`
	RemoteDeviceID  string       `json:"remoteDeviceId"`
	LocalCount      int          `json:"localCount"`
	RemoteCount     int          `json:"remoteCount"`
}

// Skew returns the absolute difference between the two timestamps.
func (c *ConflictRecord) Skew() time.Duration {
	d := c.LocalTimestamp.Sub(c.RemoteTimestamp)
	if d < 0 {
		return -d
	}
	return d
}
