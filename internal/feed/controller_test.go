package feed

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/backend"
	"github.com/cryptogramllc/squibturf-sub000/internal/database"
	"github.com/cryptogramllc/squibturf-sub000/internal/feedcache"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	queries []backend.Query
	fetch   func(q backend.Query) (*backend.Page, error)
}

func (f *fakeSource) FetchPage(_ context.Context, q backend.Query) (*backend.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	fn := f.fetch
	f.mu.Unlock()
	return fn(q)
}

func (f *fakeSource) calls() []backend.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Query(nil), f.queries...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func raw(id string, ms int64) model.RawItem {
	return model.RawItem{ID: id, AuthorID: "u1", AuthorName: "Una", Text: "post " + id, CreatedAt: ms}
}

func pageOf(cursor string, items ...model.RawItem) *backend.Page {
	return &backend.Page{Items: items, Cursor: cursor, TotalItems: len(items)}
}

func itemIDs(items []model.FeedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

var austin = model.Coordinates{Longitude: -97.7431, Latitude: 30.2672}

type fixture struct {
	ctrl  *Controller
	src   *fakeSource
	clock *clock
}

func newFixture(t *testing.T, kind model.FeedKind, opts Options) *fixture {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	src := &fakeSource{fetch: func(backend.Query) (*backend.Page, error) { return pageOf(""), nil }}
	if kind == model.FeedPublic && opts.Locator == nil {
		opts.Locator = Fixed(austin)
	}
	opts.Now = clk.Now
	policy := feedcache.Policy{TTL: feedcache.DefaultTTL, Now: clk.Now}
	ctrl, err := New(feedcache.NewStore(kind), policy, src, opts, nil)
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, src: src, clock: clk}
}

func TestNew_PublicRequiresLocator(t *testing.T) {
	_, err := New(feedcache.NewStore(model.FeedPublic), feedcache.NewPolicy(0), &fakeSource{}, Options{}, nil)
	require.Error(t, err)

	_, err = New(feedcache.NewStore(model.FeedPersonal), feedcache.NewPolicy(0), &fakeSource{}, Options{}, nil)
	require.NoError(t, err)
}

func TestFocus_ColdCacheFetches(t *testing.T) {
	f := newFixture(t, model.FeedPublic, Options{PageSize: 10})
	f.src.fetch = func(q backend.Query) (*backend.Page, error) {
		return pageOf("p2", raw("a", 100), raw("b", 300)), nil
	}

	v, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)

	assert.False(t, v.FromCache)
	assert.False(t, v.Stale)
	assert.True(t, v.HasMore)
	assert.Equal(t, []string{"b", "a"}, itemIDs(v.Items))

	calls := f.src.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].Limit)
	require.NotNil(t, calls[0].Coordinates)
	assert.Equal(t, austin, *calls[0].Coordinates)

	rec := f.ctrl.Store().Data()
	assert.Equal(t, []string{"a", "b"}, itemIDs(rec.Items))
	assert.True(t, rec.LastRefreshedAt.Equal(f.clock.Now()))
	require.NotNil(t, rec.Query)
}

func TestFocus_FreshCacheSkipsNetwork(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{AuthorID: "u1"})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }

	_, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	f.clock.Advance(4 * time.Minute)

	v, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)

	assert.True(t, v.FromCache)
	assert.Len(t, f.src.calls(), 1)
	assert.Equal(t, "u1", f.src.calls()[0].AuthorID)
	assert.Nil(t, f.src.calls()[0].Coordinates)
}

func TestFocus_ExpiredCacheRefetches(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }

	_, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	f.clock.Advance(5*time.Minute + time.Millisecond)

	v, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	assert.False(t, v.FromCache)
	assert.Len(t, f.src.calls(), 2)
}

func TestFocus_EmptyFreshCacheRefetches(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})

	_, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	_, err = f.ctrl.Focus(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.src.calls(), 2)
}

func TestFocus_MovedLocationRefetches(t *testing.T) {
	pos := austin
	var mu sync.Mutex
	loc := LocatorFunc(func(context.Context) (model.Coordinates, error) {
		mu.Lock()
		defer mu.Unlock()
		return pos, nil
	})
	f := newFixture(t, model.FeedPublic, Options{Locator: loc})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }

	_, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)

	mu.Lock()
	pos = model.Coordinates{Longitude: -97.7401, Latitude: 30.2699}
	mu.Unlock()
	v, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	assert.True(t, v.FromCache, "same 2-decimal cell reuses the cache")

	mu.Lock()
	pos = model.Coordinates{Longitude: -122.42, Latitude: 37.77}
	mu.Unlock()
	v, err = f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	assert.False(t, v.FromCache)
	assert.Len(t, f.src.calls(), 2)
}

func TestFocus_FailureKeepsLastKnownGood(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("p2", raw("a", 1)), nil }
	_, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	before := f.ctrl.Store().Data()

	f.clock.Advance(10 * time.Minute)
	boom := errors.New("network down")
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return nil, boom }

	v, err := f.ctrl.Focus(context.Background())
	require.ErrorIs(t, err, boom)

	assert.True(t, v.Stale)
	assert.Equal(t, []string{"a"}, itemIDs(v.Items))
	after := f.ctrl.Store().Data()
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.True(t, before.LastRefreshedAt.Equal(after.LastRefreshedAt))
}

func TestRefresh_LocationDenied(t *testing.T) {
	denied := LocatorFunc(func(context.Context) (model.Coordinates, error) {
		return model.Coordinates{}, ErrLocationUnavailable
	})
	f := newFixture(t, model.FeedPublic, Options{Locator: denied})

	err := f.ctrl.Refresh(context.Background())
	require.ErrorIs(t, err, ErrLocationUnavailable)
	assert.Empty(t, f.src.calls())
}

func TestRefresh_FetchAllClearsCursor(t *testing.T) {
	f := newFixture(t, model.FeedPublic, Options{FetchAll: true})
	f.src.fetch = func(q backend.Query) (*backend.Page, error) {
		return pageOf("should-be-ignored", raw("a", 1), raw("b", 2)), nil
	}

	require.NoError(t, f.ctrl.Refresh(context.Background()))

	assert.Equal(t, backend.FetchAllLimit, f.src.calls()[0].Limit)
	rec := f.ctrl.Store().Data()
	assert.Equal(t, "", rec.Cursor)
	assert.Len(t, rec.Items, 2)

	n, err := f.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.src.calls(), 1)
}

func TestRefresh_DropsMalformedItems(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) {
		return pageOf("", raw("a", 1), model.RawItem{ID: "no-author", Text: "x"}, raw("", 3)), nil
	}

	require.NoError(t, f.ctrl.Refresh(context.Background()))
	assert.Equal(t, []string{"a"}, itemIDs(f.ctrl.Store().Data().Items))
}

func TestRefresh_SlowStaleCompletionIsIgnored(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	var n int
	var mu sync.Mutex
	f.src.fetch = func(backend.Query) (*backend.Page, error) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()
		if call == 1 {
			close(started)
			<-release
			return pageOf("", raw("stale", 1)), nil
		}
		return pageOf("", raw("fresh", 2)), nil
	}

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Refresh(context.Background()) }()
	<-started

	require.NoError(t, f.ctrl.Refresh(context.Background()))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"fresh"}, itemIDs(f.ctrl.Store().Data().Items))
}

func TestLoadMore_AppendsNextPage(t *testing.T) {
	f := newFixture(t, model.FeedPublic, Options{PageSize: 2})
	f.src.fetch = func(q backend.Query) (*backend.Page, error) {
		switch q.Cursor {
		case "":
			return pageOf("p2", raw("a", 400), raw("b", 300)), nil
		case "p2":
			return pageOf("p3", raw("b", 300), raw("c", 200)), nil
		default:
			return pageOf("", raw("d", 100)), nil
		}
	}
	ctx := context.Background()
	require.NoError(t, f.ctrl.Refresh(ctx))
	refreshedAt := f.ctrl.Store().Data().LastRefreshedAt
	f.clock.Advance(time.Minute)

	n, err := f.ctrl.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate b is not appended twice")

	n, err = f.ctrl.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.ctrl.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec := f.ctrl.Store().Data()
	assert.Equal(t, []string{"a", "b", "c", "d"}, itemIDs(rec.Items))
	assert.Equal(t, "", rec.Cursor)
	assert.True(t, rec.LastRefreshedAt.Equal(refreshedAt))

	calls := f.src.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "p2", calls[1].Cursor)
	require.NotNil(t, calls[1].Coordinates)
	assert.True(t, calls[1].Coordinates.Equal(austin))
}

func TestLoadMore_FailureLeavesCache(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("p2", raw("a", 1)), nil }
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	f.src.fetch = func(backend.Query) (*backend.Page, error) { return nil, errors.New("timeout") }
	_, err := f.ctrl.LoadMore(context.Background())
	require.Error(t, err)

	rec := f.ctrl.Store().Data()
	assert.Equal(t, "p2", rec.Cursor)
	assert.Equal(t, []string{"a"}, itemIDs(rec.Items))
}

func TestLoadMore_DiscardedAfterClear(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("p2", raw("a", 1)), nil }
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	f.src.fetch = func(backend.Query) (*backend.Page, error) {
		f.ctrl.Clear(context.Background())
		return pageOf("", raw("b", 1)), nil
	}
	n, err := f.ctrl.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.ctrl.Store().Data().Items)
}

func TestScroll_RestoredAfterRefresh(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }

	f.ctrl.SetScroll(420)
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	v, err := f.ctrl.Focus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 420.0, v.Scroll)
	assert.Equal(t, 420.0, f.ctrl.Scroll())
}

func TestBackgroundRefresh(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{BackgroundRefresh: true})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }
	require.NoError(t, f.ctrl.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	v, err := f.ctrl.Focus(ctx)
	cancel()
	require.NoError(t, err)
	assert.True(t, v.FromCache)

	f.ctrl.Wait()
	assert.Len(t, f.src.calls(), 2)
}

func TestSignOut_ClearsBothAndSnapshots(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := newFixture(t, model.FeedPublic, Options{Snapshots: db})
	own := newFixture(t, model.FeedPersonal, Options{Snapshots: db})
	pub.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("p", 1)), nil }
	own.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("o", 1)), nil }

	ctx := context.Background()
	require.NoError(t, pub.ctrl.Refresh(ctx))
	require.NoError(t, own.ctrl.Refresh(ctx))
	pub.ctrl.SetScroll(99)

	_, err = db.LoadSnapshot(ctx, model.FeedPersonal)
	require.NoError(t, err)

	feeds := &Feeds{Public: pub.ctrl, Personal: own.ctrl}
	feeds.SignOut(ctx)

	for _, c := range feeds.All() {
		rec := c.Store().Data()
		assert.Empty(t, rec.Items)
		assert.Equal(t, 0.0, rec.ScrollOffset)
		_, err := db.LoadSnapshot(ctx, c.Kind())
		assert.ErrorIs(t, err, database.ErrNotFound)
	}
}

// gatedStore holds the first SaveSnapshot until release is closed.
type gatedStore struct {
	database.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) SaveSnapshot(ctx context.Context, kind model.FeedKind, rec model.CacheRecord) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.SaveSnapshot(ctx, kind, rec)
}

func TestSignOut_DuringSnapshotWriteLeavesNoSnapshot(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gate := &gatedStore{Store: db, entered: make(chan struct{}), release: make(chan struct{})}

	f := newFixture(t, model.FeedPersonal, Options{Snapshots: gate})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("userA-post", 1)), nil }
	feeds := &Feeds{Personal: f.ctrl}
	ctx := context.Background()

	refreshed := make(chan error, 1)
	go func() { refreshed <- f.ctrl.Refresh(ctx) }()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot write never started")
	}

	signedOut := make(chan struct{})
	go func() {
		feeds.SignOut(ctx)
		close(signedOut)
	}()
	require.Eventually(t, func() bool {
		return len(f.ctrl.Store().Data().Items) == 0
	}, 5*time.Second, 5*time.Millisecond)

	close(gate.release)
	require.NoError(t, <-refreshed)
	<-signedOut

	_, err = db.LoadSnapshot(ctx, model.FeedPersonal)
	assert.ErrorIs(t, err, database.ErrNotFound)

	next := newFixture(t, model.FeedPersonal, Options{Snapshots: db})
	ok, err := next.ctrl.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, next.ctrl.Store().Data().Items)
}

func TestRefresh_SkipsSnapshotAfterNewerGeneration(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, model.FeedPersonal, Options{Snapshots: db})
	f.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("", raw("a", 1)), nil }
	require.NoError(t, f.ctrl.Refresh(context.Background()))
	gen := f.ctrl.Store().Generation()

	f.ctrl.Store().Clear()
	require.NoError(t, db.DeleteSnapshot(context.Background(), model.FeedPersonal))
	f.ctrl.persist(context.Background(), gen)

	_, err = db.LoadSnapshot(context.Background(), model.FeedPersonal)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRestore_WarmStart(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first := newFixture(t, model.FeedPersonal, Options{Snapshots: db})
	first.src.fetch = func(backend.Query) (*backend.Page, error) { return pageOf("p2", raw("a", 1)), nil }
	require.NoError(t, first.ctrl.Refresh(context.Background()))
	first.ctrl.SetScroll(64)
	require.NoError(t, (&Feeds{Personal: first.ctrl}).Persist(context.Background()))

	second := newFixture(t, model.FeedPersonal, Options{Snapshots: db})
	ok, err := second.ctrl.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	v, err := second.ctrl.Focus(context.Background())
	require.NoError(t, err)
	assert.True(t, v.FromCache)
	assert.Equal(t, []string{"a"}, itemIDs(v.Items))
	assert.Equal(t, "p2", v.Cursor)
	assert.Equal(t, 64.0, v.Scroll)
	assert.Empty(t, second.src.calls())
}

func TestFeeds_Get(t *testing.T) {
	f := newFixture(t, model.FeedPersonal, Options{})
	feeds := &Feeds{Personal: f.ctrl}

	c, err := feeds.Get(model.FeedPersonal)
	require.NoError(t, err)
	assert.Same(t, f.ctrl, c)

	_, err = feeds.Get(model.FeedPublic)
	assert.ErrorIs(t, err, ErrUnknownFeed)
	_, err = feeds.Get("other")
	assert.ErrorIs(t, err, ErrUnknownFeed)
}

func TestFromContextLocator(t *testing.T) {
	loc := FromContext(nil)
	_, err := loc.Locate(context.Background())
	assert.ErrorIs(t, err, ErrLocationUnavailable)

	got, err := loc.Locate(WithLocation(context.Background(), austin))
	require.NoError(t, err)
	assert.Equal(t, austin, got)

	withFallback := FromContext(Fixed(model.Coordinates{Longitude: 1, Latitude: 2}))
	got, err = withFallback.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Longitude)
}
