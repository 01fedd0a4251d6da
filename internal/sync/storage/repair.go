package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/models"
	"github.com/kimhsiao/shelfsync/internal/uuid"
)

// UntitledItem replaces a missing title during repair.
const UntitledItem = "Untitled"

// RepairReport describes what Repair found and fixed.
type RepairReport struct {
	Repaired        bool     `json:"repaired"`
	Removed         bool     `json:"removed"`
	MissingMetadata bool     `json:"missingMetadata"`
	MissingIDs      int      `json:"missingIds"`
	DuplicateIDs    int      `json:"duplicateIds"`
	BadTimestamps   int      `json:"badTimestamps"`
	MissingTitles   int      `json:"missingTitles"`
	Issues          []string `json:"issues,omitempty"`
}

func (r *RepairReport) note(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

// Dirty reports whether any defect was found.
func (r *RepairReport) Dirty() bool {
	return r.MissingMetadata || r.MissingIDs > 0 || r.DuplicateIDs > 0 ||
		r.BadTimestamps > 0 || r.MissingTitles > 0
}

// Repair scans the stored snapshot and fixes missing metadata, missing or
// duplicate item ids, missing titles, and bad timestamps. A repaired snapshot
// is re-stamped, marked repaired, and re-validated before it is written.
// An undecodable blob is removed.
func (s *LocalStore) Repair() (RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RepairReport

	raw, ok, err := s.kv.Get(KeySnapshot)
	if err != nil {
		return report, err
	}
	if !ok || raw == "" {
		return report, nil
	}

	var doc struct {
		Items    []map[string]interface{} `json:"items"`
		Metadata map[string]interface{}   `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		report.Removed = true
		report.note("snapshot undecodable: %v", err)
		s.log.Warn("Removing undecodable snapshot", map[string]interface{}{"error": err.Error()})
		return report, s.kv.Remove(KeySnapshot)
	}

	now := s.now().UTC()
	items := repairItems(doc.Items, now, &report)

	if md, ok := decodeMetadata(doc.Metadata); !ok || md.Validate() != nil {
		report.MissingMetadata = true
		report.note("metadata missing or incomplete")
	}

	if !report.Dirty() {
		return report, nil
	}

	deviceID, err := s.deviceIDLocked()
	if err != nil {
		return report, err
	}
	fixed := &models.CollectionSnapshot{
		Items:    items,
		Metadata: models.NewSyncMetadata(deviceID, now, models.SyncStatusRepaired),
	}
	if err := ValidateItems(fixed); err != nil {
		return report, errors.Wrap(errors.ErrCorrupt, "repaired snapshot failed validation", err)
	}
	if err := s.writeLocked(fixed); err != nil {
		return report, err
	}

	report.Repaired = true
	s.log.Info("Repaired local snapshot", map[string]interface{}{
		"missing_ids":      report.MissingIDs,
		"duplicate_ids":    report.DuplicateIDs,
		"bad_timestamps":   report.BadTimestamps,
		"missing_titles":   report.MissingTitles,
		"missing_metadata": report.MissingMetadata,
	})
	return report, nil
}

func repairItems(rawItems []map[string]interface{}, now time.Time, report *RepairReport) []models.Item {
	items := make([]models.Item, 0, len(rawItems))
	seen := make(map[string]struct{}, len(rawItems))

	for i, raw := range rawItems {
		if raw == nil {
			report.MissingIDs++
			report.note("item %d is null", i)
			continue
		}

		item := models.Item{
			ID:     strings.TrimSpace(stringField(raw, "id")),
			Title:  strings.TrimSpace(stringField(raw, "title")),
			Author: stringField(raw, "author"),
			Status: stringField(raw, "status"),
			Notes:  stringField(raw, "notes"),
			Genres: stringSlice(raw["genres"]),
			Moods:  stringSlice(raw["moods"]),
		}
		if r, ok := raw["rating"].(float64); ok {
			item.Rating = clampRating(int(r))
		}

		if item.ID == "" {
			item.ID = uuid.New()
			report.MissingIDs++
			report.note("item %d had no id, assigned %s", i, item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			report.DuplicateIDs++
			report.note("dropped duplicate of %s at position %d", item.ID, i)
			continue
		}
		seen[item.ID] = struct{}{}

		if item.Title == "" {
			item.Title = UntitledItem
			report.MissingTitles++
		}

		if t, ok := models.ParseTimestamp(raw["createdAt"]); ok && !t.IsZero() {
			item.CreatedAt = t
		} else {
			item.CreatedAt = now
			report.BadTimestamps++
			report.note("item %s had bad createdAt", item.ID)
		}
		if v, present := raw["lastModified"]; present && v != nil {
			t, ok := models.ParseTimestamp(v)
			if !ok || t.IsZero() {
				t = now
				report.BadTimestamps++
				report.note("item %s had bad lastModified", item.ID)
			}
			item.LastModified = &t
		}

		items = append(items, item)
	}
	return items
}

func decodeMetadata(raw map[string]interface{}) (*models.SyncMetadata, bool) {
	if raw == nil {
		return nil, false
	}
	md := &models.SyncMetadata{
		SchemaVersion:  stringField(raw, "schemaVersion"),
		OriginDeviceID: stringField(raw, "originDeviceId"),
		ClientVersion:  stringField(raw, "clientVersion"),
		SyncStatus:     models.SyncStatus(stringField(raw, "syncStatus")),
	}
	t, ok := models.ParseTimestamp(raw["lastModified"])
	if !ok || t.IsZero() {
		return md, false
	}
	md.LastModified = t
	return md, true
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampRating(r int) int {
	if r < 0 {
		return 0
	}
	if r > 5 {
		return 5
	}
	return r
}
