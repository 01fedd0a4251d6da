// Package models provides data model definitions for the shelfsync core.
package models

import (
	"time"
)

// Item is a single entry in the personal collection.
type Item struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Author       string     `json:"author,omitempty"`
	Rating       int        `json:"rating,omitempty"`
	Genres       []string   `json:"genres,omitempty"`
	Moods        []string   `json:"moods,omitempty"`
	Status       string     `json:"status,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// EffectiveModified returns LastModified, falling back to CreatedAt.
func (i *Item) EffectiveModified() time.Time {
	if i.LastModified != nil && !i.LastModified.IsZero() {
		return *i.LastModified
	}
	return i.CreatedAt
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := i
	if i.Genres != nil {
		out.Genres = append([]string(nil), i.Genres...)
	}
	if i.Moods != nil {
		out.Moods = append([]string(nil), i.Moods...)
	}
	if i.LastModified != nil {
		t := *i.LastModified
		out.LastModified = &t
	}
	return out
}

// CollectionSnapshot is the unit of synchronization.
type CollectionSnapshot struct {
	Items    []Item        `json:"items"`
	Metadata *SyncMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *CollectionSnapshot) Clone() *CollectionSnapshot {
	if s == nil {
		return nil
	}
	out := &CollectionSnapshot{Items: make([]Item, len(s.Items))}
	for i, item := range s.Items {
		out.Items[i] = item.Clone()
	}
	if s.Metadata != nil {
		md := *s.Metadata
		out.Metadata = &md
	}
	return out
}

// LastModified returns the snapshot timestamp, zero when metadata is absent.
func (s *CollectionSnapshot) LastModified() time.Time {
	if s == nil || s.Metadata == nil {
		return time.Time{}
	}
	return s.Metadata.LastModified
}

// OriginDeviceID returns the authoring device, empty when metadata is absent.
func (s *CollectionSnapshot) OriginDeviceID() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata.OriginDeviceID
}

// IDs returns the item ids in snapshot order.
func (s *CollectionSnapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

// DuplicateIDs returns ids that occur more than once, in first-seen order.
func (s *CollectionSnapshot) DuplicateIDs() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]int, len(s.Items))
	var dups []string
	for _, item := range s.Items {
		seen[item.ID]++
		if seen[item.ID] == 2 {
			dups = append(dups, item.ID)
		}
	}
	return dups
}

// DropDuplicates removes later occurrences of repeated ids, keeping the first
// seen, and returns the ids that were repeated.
func (s *CollectionSnapshot) DropDuplicates() []string {
	dups := s.DuplicateIDs()
	if len(dups) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Items))
	kept := s.Items[:0:0]
	for _, item := range s.Items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		kept = append(kept, item)
	}
	s.Items = kept
	return dups
}
