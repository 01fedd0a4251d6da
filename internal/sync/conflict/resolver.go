// Package conflict detects concurrent edits between the local and remote
// collection snapshots and merges them.
package conflict

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/models"
)

// Strategy defines how a detected conflict is resolved.
type Strategy string

const (
	StrategyKeepLocal  Strategy = "keep-local"
	StrategyKeepRemote Strategy = "keep-remote"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyKeepLocal, StrategyKeepRemote, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ParseStrategy validates a configured strategy. Empty means manual.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return StrategyManual, nil
	}
	if !st.Valid() {
		return "", errors.Newf(errors.ErrUnknownStrategy, "unknown conflict strategy %q", s)
	}
	return st, nil
}

// DefaultWindow separates concurrent edits from sequential ones.
const DefaultWindow = 60 * time.Second

// Resolver detects and merges conflicting snapshots.
type Resolver struct {
	window time.Duration
	log    *logging.Logger
}

// NewResolver creates a Resolver. A non-positive window uses DefaultWindow.
func NewResolver(window time.Duration, log *logging.Logger) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logging.Get().With(map[string]interface{}{"component": "conflict"})
	}
	return &Resolver{window: window, log: log}
}

// Window returns the concurrency window.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// DetectConflict returns a record when local and remote were edited
// concurrently on different devices and actually diverge, otherwise nil.
func (r *Resolver) DetectConflict(local, remote *models.CollectionSnapshot) *models.ConflictRecord {
	// No conflict if one side doesn't exist
	if local == nil || remote == nil || local.Metadata == nil || remote.Metadata == nil {
		return nil
	}

	// Same device means sequential edits by definition
	if local.OriginDeviceID() == remote.OriginDeviceID() {
		return nil
	}

	skew := local.LastModified().Sub(remote.LastModified())
	if skew < 0 {
		skew = -skew
	}
	if skew > r.window {
		return nil
	}

	if Equal(local.Items, remote.Items) {
		return nil
	}

	record := &models.ConflictRecord{
		Type:            models.ConflictConcurrentModification,
		LocalTimestamp:  local.LastModified(),
		RemoteTimestamp: remote.LastModified(),
		LocalDeviceID:   local.OriginDeviceID(),
		RemoteDeviceID:  remote.OriginDeviceID(),
		LocalCount:      len(local.Items),
		RemoteCount:     len(remote.Items),
	}

	r.log.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"local_timestamp":  record.LocalTimestamp,
		"remote_timestamp": record.RemoteTimestamp,
		"local_device":     record.LocalDeviceID,
		"remote_device":    record.RemoteDeviceID,
		"local_count":      record.LocalCount,
		"remote_count":     record.RemoteCount,
	})
	return record
}

// NormalizedItem holds the fields that define an item's content.
// Timestamps and free-form notes are excluded.
type NormalizedItem struct {
	ID     string
	Title  string
	Author string
	Rating int
	Genres []string
	Moods  []string
}

// Normalize returns items in id order with NFC-normalized text and sorted tag sets.
func Normalize(items []models.Item) []NormalizedItem {
	out := make([]NormalizedItem, 0, len(items))
	for _, it := range items {
		out = append(out, NormalizedItem{
			ID:     normText(it.ID),
			Title:  normText(it.Title),
			Author: normText(it.Author),
			Rating: it.Rating,
			Genres: normSet(it.Genres),
			Moods:  normSet(it.Moods),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normText(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether two item lists have the same normalized content.
func Equal(a, b []models.Item) bool {
	if len(a) != len(b) {
		return false
	}
	na, nb := Normalize(a), Normalize(b)
	for i := range na {
		if !na[i].equal(nb[i]) {
			return false
		}
	}
	return true
}

func (n NormalizedItem) equal(o NormalizedItem) bool {
	if n.ID != o.ID || n.Title != o.Title || n.Author != o.Author || n.Rating != o.Rating {
		return false
	}
	return equalStrings(n.Genres, o.Genres) && equalStrings(n.Moods, o.Moods)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeStats counts where merged items came from.
type MergeStats struct {
	LocalOnly  int `json:"localOnly"`
	RemoteOnly int `json:"remoteOnly"`
	LocalWins  int `json:"localWins"`
	RemoteWins int `json:"remoteWins"`
	Total      int `json:"total"`
}

// Merge combines both snapshots item by item. For an id present on both
// sides the later EffectiveModified wins, ties keep local. Items present on one
// side are kept. The result carries fresh metadata for deviceID at now.
// Local order is kept, followed by remote-only items in remote order.
func (r *Resolver) Merge(local, remote *models.CollectionSnapshot, deviceID string, now time.Time) (*models.CollectionSnapshot, MergeStats) {
	var stats MergeStats
	var localItems, remoteItems []models.Item
	if local != nil {
		localItems = local.Items
	}
	if remote != nil {
		remoteItems = remote.Items
	}

	remoteByID := make(map[string]models.Item, len(remoteItems))
	for _, it := range remoteItems {
		if _, dup := remoteByID[it.ID]; !dup {
			remoteByID[it.ID] = it
		}
	}

	merged := make([]models.Item, 0, len(localItems)+len(remoteItems))
	emitted := make(map[string]struct{}, len(localItems)+len(remoteItems))

	for _, it := range localItems {
		if _, done := emitted[it.ID]; done {
			continue
		}
		emitted[it.ID] = struct{}{}

		other, inRemote := remoteByID[it.ID]
		switch {
		case !inRemote:
			stats.LocalOnly++
			merged = append(merged, it.Clone())
		case other.EffectiveModified().After(it.EffectiveModified()):
			stats.RemoteWins++
			merged = append(merged, other.Clone())
		default:
			stats.LocalWins++
			merged = append(merged, it.Clone())
		}
	}

	for _, it := range remoteItems {
		if _, done := emitted[it.ID]; done {
			continue
		}
		emitted[it.ID] = struct{}{}
		stats.RemoteOnly++
		merged = append(merged, it.Clone())
	}

	stats.Total = len(merged)
	r.log.Info("Merged collection snapshots", map[string]interface{}{
		"local_only":  stats.LocalOnly,
		"remote_only": stats.RemoteOnly,
		"local_wins":  stats.LocalWins,
		"remote_wins": stats.RemoteWins,
		"total":       stats.Total,
	})

	return &models.CollectionSnapshot{
		Items:    merged,
		Metadata: models.NewSyncMetadata(deviceID, now, models.SyncStatusSynced),
	}, stats
}
