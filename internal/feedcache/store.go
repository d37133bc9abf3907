// Package feedcache holds the in-memory feed caches and their merge and
// freshness rules.
package feedcache

import (
	"sync"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
)

// Field sets one part of a CacheRecord in SetData or CommitRefresh.
type Field func(*model.CacheRecord)

// WithItems replaces the cached items. Later duplicates of an ID are dropped.
func WithItems(items []model.FeedItem) Field {
	items = dedupe(nil, items)
	return func(r *model.CacheRecord) { r.Items = items }
}

// WithCursor sets the pagination cursor ("" = no further pages).
func WithCursor(cursor string) Field {
	return func(r *model.CacheRecord) { r.Cursor = cursor }
}

// WithRefreshedAt stamps the record as refreshed at t.
func WithRefreshedAt(t time.Time) Field {
	return func(r *model.CacheRecord) { r.LastRefreshedAt = t }
}

// WithQuery records the coordinates the items were fetched for.
func WithQuery(c *model.Coordinates) Field {
	if c != nil {
		q := *c
		c = &q
	}
	return func(r *model.CacheRecord) { r.Query = c }
}

// WithScroll sets the scroll offset.
func WithScroll(offset float64) Field {
	return func(r *model.CacheRecord) { r.ScrollOffset = offset }
}

// Store holds the cached record of a single feed.
//
// Every read returns a deep copy, so callers may hold a record across a
// blocking call without seeing it change. Store is safe for concurrent use.
type Store struct {
	kind model.FeedKind

	mu  sync.RWMutex
	rec model.CacheRecord
	seq uint64
}

// NewStore creates an empty store for the given feed.
func NewStore(kind model.FeedKind) *Store {
	return &Store{kind: kind}
}

// Kind returns the feed this store caches.
func (s *Store) Kind() model.FeedKind {
	return s.kind
}

// Data returns a copy of the cached record.
func (s *Store) Data() model.CacheRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone()
}

// Snapshot returns a copy of the record together with the generation it was
// read at, for use with CommitAppend.
func (s *Store) Snapshot() (model.CacheRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone(), s.seq
}

// SetData merges the given fields into the record.
func (s *Store) SetData(fields ...Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(fields)
}

// AppendData adds a page of items after the cached ones and moves the cursor.
// Items whose ID is already cached are skipped. LastRefreshedAt is not touched.
func (s *Store) AppendData(items []model.FeedItem, cursor string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(items, cursor)
}

// Clear resets the record, scroll offset included, and invalidates every
// request started before the call.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = model.CacheRecord{}
	s.seq++
}

// SetScrollPosition records the last scroll offset.
func (s *Store) SetScrollPosition(offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.ScrollOffset = offset
}

// ScrollPosition returns the last recorded scroll offset.
func (s *Store) ScrollPosition() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.ScrollOffset
}

// BeginRefresh issues a new request sequence number. Only the most recently
// issued number can commit.
func (s *Store) BeginRefresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Generation returns the latest issued sequence number without issuing a new one.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// CommitRefresh applies fields if seq is still the latest issued number.
func (s *Store) CommitRefresh(seq uint64, fields ...Field) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return false
	}
	s.apply(fields)
	return true
}

// CommitAppend appends a page fetched with cursor after, provided no refresh or
// clear happened since Generation returned seq and the cursor has not moved.
// It reports whether the page was applied and how many items were added.
func (s *Store) CommitAppend(seq uint64, after string, items []model.FeedItem, cursor string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq || s.rec.Cursor != after {
		return false, 0
	}
	return true, s.appendLocked(items, cursor)
}

func (s *Store) apply(fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(&s.rec)
		}
	}
}

func (s *Store) appendLocked(items []model.FeedItem, cursor string) int {
	before := len(s.rec.Items)
	s.rec.Items = dedupe(s.rec.Items, items)
	s.rec.Cursor = cursor
	return len(s.rec.Items) - before
}

// dedupe returns base followed by the items of add whose ID is not yet present.
func dedupe(base, add []model.FeedItem) []model.FeedItem {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]model.FeedItem, 0, len(base)+len(add))
	for _, it := range base {
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	for _, it := range add {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it.Clone())
	}
	return out
}
