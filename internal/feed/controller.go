// Package feed drives the feed caches: it decides when to hit the network,
// merges pages into the cache and keeps scroll state.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/backend"
	"github.com/cryptogramllc/squibturf-sub000/internal/database"
	"github.com/cryptogramllc/squibturf-sub000/internal/feedcache"
	"github.com/cryptogramllc/squibturf-sub000/internal/metrics"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"go.uber.org/zap"
)

// DefaultPageSize is used when Options.PageSize is not set.
const DefaultPageSize = 20

// Source returns pages of raw items.
type Source interface {
	FetchPage(ctx context.Context, q backend.Query) (*backend.Page, error)
}

// Options configures a Controller.
type Options struct {
	PageSize int
	// FetchAll primes the cache with one unpaginated request.
	FetchAll bool
	// BackgroundRefresh refreshes silently after serving a fresh cache.
	BackgroundRefresh bool
	// AuthorID scopes the personal feed.
	AuthorID string
	// Locator is required for the public feed.
	Locator Locator
	// Snapshots persists the record after every commit. Optional.
	Snapshots database.Store
	Now       func() time.Time
}

// View is what a screen renders: items in display order plus cache state.
type View struct {
	Kind        model.FeedKind   `json:"kind"`
	Items       []model.FeedItem `json:"items"`
	Cursor      string           `json:"cursor,omitempty"`
	HasMore     bool             `json:"hasMore"`
	Stale       bool             `json:"stale"`
	FromCache   bool             `json:"fromCache"`
	RefreshedAt time.Time        `json:"refreshedAt"`
	Scroll      float64          `json:"scroll"`
}

// Controller orchestrates one feed's cache, source and locator.
type Controller struct {
	store  *feedcache.Store
	policy feedcache.Policy
	source Source
	opts   Options
	log    *zap.Logger

	bg     sync.WaitGroup
	bgBusy atomic.Bool

	// snapMu orders snapshot writes against the delete in Clear.
	snapMu sync.Mutex
}

// New creates a controller for store's feed.
func New(store *feedcache.Store, policy feedcache.Policy, src Source, opts Options, log *zap.Logger) (*Controller, error) {
	if store == nil || src == nil {
		return nil, errors.New("feed: store and source are required")
	}
	if store.Kind() == model.FeedPublic && opts.Locator == nil {
		return nil, errors.New("feed: public feed requires a locator")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store:  store,
		policy: policy,
		source: src,
		opts:   opts,
		log:    log.With(zap.String("feed", string(store.Kind()))),
	}, nil
}

// Kind returns the controlled feed.
func (c *Controller) Kind() model.FeedKind {
	return c.store.Kind()
}

// Store returns the underlying cache.
func (c *Controller) Store() *feedcache.Store {
	return c.store
}

// Focus is called when the feed screen gains focus. A fresh, non-empty cache
// is served without a network call. Otherwise the feed is refreshed; if that
// fails the last known data is returned along with the error.
func (c *Controller) Focus(ctx context.Context) (View, error) {
	kind := string(c.Kind())
	rec := c.store.Data()

	if c.reusable(ctx, rec) {
		metrics.CacheHitsTotal.WithLabelValues(kind).Inc()
		if c.opts.BackgroundRefresh {
			c.refreshInBackground(ctx)
		}
		return c.view(rec, true), nil
	}

	metrics.CacheMissesTotal.WithLabelValues(kind).Inc()
	err := c.Refresh(ctx)
	return c.view(c.store.Data(), false), err
}

// reusable applies the freshness policy and, for the public feed, checks the
// cache was fetched for the current position. If the position cannot be
// determined the cached one is trusted.
func (c *Controller) reusable(ctx context.Context, rec model.CacheRecord) bool {
	if !c.policy.IsValid(rec) || !c.policy.HasData(rec) {
		return false
	}
	if c.Kind() != model.FeedPublic {
		return true
	}
	coords, err := c.opts.Locator.Locate(ctx)
	if err != nil {
		return true
	}
	return c.policy.MatchesQuery(rec, &coords)
}

// Refresh reloads the feed from its first page and replaces the cache. A
// failed fetch leaves the cache untouched. A completion overtaken by a newer
// refresh or a Clear is discarded.
func (c *Controller) Refresh(ctx context.Context) error {
	kind := string(c.Kind())

	q := backend.Query{Limit: c.opts.PageSize, AuthorID: c.opts.AuthorID}
	if c.opts.FetchAll {
		q.Limit = backend.FetchAllLimit
	}
	var coords *model.Coordinates
	if c.Kind() == model.FeedPublic {
		loc, err := c.opts.Locator.Locate(ctx)
		if err != nil {
			return fmt.Errorf("locate: %w", err)
		}
		coords = &loc
		q.Coordinates = coords
	}

	seq := c.store.BeginRefresh()
	start := time.Now()
	page, err := c.source.FetchPage(ctx, q)
	metrics.FetchDurationMs.WithLabelValues(kind, "refresh").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.FetchErrorsTotal.WithLabelValues(kind, "refresh").Inc()
		c.log.Warn("refresh failed", zap.Error(err))
		return fmt.Errorf("refresh %s: %w", kind, err)
	}

	now := c.opts.Now()
	items, dropped := feedcache.Normalize(page.Items, now)
	dropped += page.Dropped
	c.countDropped(dropped)

	cursor := page.Cursor
	if q.FetchAll() {
		cursor = ""
	}
	ok := c.store.CommitRefresh(seq,
		feedcache.WithItems(items),
		feedcache.WithCursor(cursor),
		feedcache.WithRefreshedAt(now),
		feedcache.WithQuery(coords),
	)
	if !ok {
		metrics.StaleCompletionsTotal.WithLabelValues(kind, "refresh").Inc()
		c.log.Debug("stale refresh discarded", zap.Uint64("seq", seq))
		return nil
	}

	c.log.Info("refreshed",
		zap.Int("items", len(items)),
		zap.Int("dropped", dropped),
		zap.Bool("has_more", cursor != ""),
	)
	c.persist(ctx, seq)
	return nil
}

// LoadMore fetches the page after the cached cursor and appends it. It is a
// no-op when there are no further pages. It returns the number of items added.
func (c *Controller) LoadMore(ctx context.Context) (int, error) {
	kind := string(c.Kind())
	rec, gen := c.store.Snapshot()
	if rec.Cursor == "" {
		return 0, nil
	}

	q := backend.Query{
		Coordinates: rec.Query,
		AuthorID:    c.opts.AuthorID,
		Cursor:      rec.Cursor,
		Limit:       c.opts.PageSize,
	}
	start := time.Now()
	page, err := c.source.FetchPage(ctx, q)
	metrics.FetchDurationMs.WithLabelValues(kind, "more").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.FetchErrorsTotal.WithLabelValues(kind, "more").Inc()
		c.log.Warn("load more failed", zap.Error(err))
		return 0, fmt.Errorf("load more %s: %w", kind, err)
	}

	items, dropped := feedcache.Normalize(page.Items, c.opts.Now())
	c.countDropped(dropped + page.Dropped)

	ok, added := c.store.CommitAppend(gen, rec.Cursor, items, page.Cursor)
	if !ok {
		metrics.StaleCompletionsTotal.WithLabelValues(kind, "more").Inc()
		c.log.Debug("stale page discarded", zap.String("cursor", rec.Cursor))
		return 0, nil
	}

	c.log.Debug("page appended", zap.Int("added", added), zap.Bool("has_more", page.Cursor != ""))
	c.persist(ctx, gen)
	return added, nil
}

// View renders the cached record without touching the network.
func (c *Controller) View() View {
	return c.view(c.store.Data(), true)
}

// SetScroll records the scroll offset.
func (c *Controller) SetScroll(offset float64) {
	c.store.SetScrollPosition(offset)
}

// Scroll returns the offset to restore on re-entry.
func (c *Controller) Scroll() float64 {
	return c.store.ScrollPosition()
}

// Clear empties the cache and deletes its snapshot. The in-memory reset
// always happens; a snapshot delete failure is only logged. The delete waits
// for any snapshot write already in progress, so it always lands last.
func (c *Controller) Clear(ctx context.Context) {
	c.store.Clear()
	if c.opts.Snapshots == nil {
		return
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if err := c.opts.Snapshots.DeleteSnapshot(ctx, c.Kind()); err != nil {
		c.log.Error("delete snapshot failed", zap.Error(err))
	}
}

// Restore loads a saved snapshot into the cache. It reports whether one was found.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.opts.Snapshots == nil {
		return false, nil
	}
	rec, err := c.opts.Snapshots.LoadSnapshot(ctx, c.Kind())
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore %s: %w", c.Kind(), err)
	}
	c.store.SetData(
		feedcache.WithItems(rec.Items),
		feedcache.WithCursor(rec.Cursor),
		feedcache.WithRefreshedAt(rec.LastRefreshedAt),
		feedcache.WithQuery(rec.Query),
		feedcache.WithScroll(rec.ScrollOffset),
	)
	c.log.Info("snapshot restored", zap.Int("items", len(rec.Items)))
	return true, nil
}

// Persist saves the current record if snapshots are enabled.
func (c *Controller) Persist(ctx context.Context) error {
	if c.opts.Snapshots == nil {
		return nil
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.opts.Snapshots.SaveSnapshot(ctx, c.Kind(), c.store.Data())
}

// Wait blocks until background refreshes have finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// persist saves the record committed at generation gen. Nothing is written
// once a newer refresh or a Clear has moved the generation on.
func (c *Controller) persist(ctx context.Context, gen uint64) {
	if c.opts.Snapshots == nil {
		return
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	rec, cur := c.store.Snapshot()
	if cur != gen {
		c.log.Debug("snapshot skipped, cache moved on", zap.Uint64("gen", gen), zap.Uint64("current", cur))
		return
	}
	if err := c.opts.Snapshots.SaveSnapshot(ctx, c.Kind(), rec); err != nil {
		c.log.Error("save snapshot failed", zap.Error(err))
	}
}

// refreshInBackground starts at most one silent refresh at a time. The
// request context's values (the device position) are kept, its cancellation is not.
func (c *Controller) refreshInBackground(ctx context.Context) {
	if !c.bgBusy.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer c.bgBusy.Store(false)
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.log.Debug("background refresh failed", zap.Error(err))
		}
	}()
}

func (c *Controller) countDropped(n int) {
	if n == 0 {
		return
	}
	metrics.DroppedItemsTotal.WithLabelValues(string(c.Kind())).Add(float64(n))
	c.log.Debug("malformed items dropped", zap.Int("count", n))
}

func (c *Controller) view(rec model.CacheRecord, fromCache bool) View {
	return View{
		Kind:        c.Kind(),
		Items:       feedcache.Sorted(rec.Items),
		Cursor:      rec.Cursor,
		HasMore:     rec.Cursor != "",
		Stale:       !c.policy.IsValid(rec),
		FromCache:   fromCache,
		RefreshedAt: rec.LastRefreshedAt,
		Scroll:      rec.ScrollOffset,
	}
}
