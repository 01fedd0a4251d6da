package db

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

// KeyValue is the device-scoped key-value substrate the sync core persists into.
type KeyValue interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(key string) (string, bool, error)

	// Set stores value under key. It fails with QUOTA_EXCEEDED when the
	// write would push the store past its capacity; nothing is written then.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}

// KVStore implements KeyValue on the kv_store table.
type KVStore struct {
	db         *DB
	quotaBytes int64
}

var _ KeyValue = (*KVStore)(nil)

// KV returns a KeyValue view of the database.
// quotaBytes caps the total size of keys plus values; zero disables the cap.
func (db *DB) KV(quotaBytes int64) *KVStore {
	return &KVStore{db: db, quotaBytes: quotaBytes}
}

// Get implements KeyValue.
func (s *KVStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrStorage, fmt.Sprintf("get %q", key), err)
	}
	return value, true, nil
}

// Set implements KeyValue.
func (s *KVStore) Set(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	if s.quotaBytes > 0 {
		var used int64
		err := tx.QueryRow(`
			SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0)
			FROM kv_store WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return errors.Wrap(errors.ErrStorage, "measure usage", err)
		}
		need := int64(len(key) + len(value))
		if used+need > s.quotaBytes {
			return errors.Newf(errors.ErrQuotaExceeded,
				"writing %q needs %d bytes, %d of %d in use", key, need, used, s.quotaBytes)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("set %q", key), err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "commit", err)
	}
	return nil
}

// Remove implements KeyValue.
func (s *KVStore) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("remove %q", key), err)
	}
	return nil
}

// UsedBytes returns the total size of stored keys and values.
func (s *KVStore) UsedBytes() (int64, error) {
	var used int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(CAST(value AS BLOB))), 0)
		FROM kv_store`).Scan(&used)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "measure usage", err)
	}
	return used, nil
}
