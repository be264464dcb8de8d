package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/policy"
	"github.com/hanpama/graphcache/internal/selection"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// backend answers viewer queries and renameViewer mutations with the
// current name.
type backend struct {
	name  atomic.Value
	calls atomic.Int32
}

func newBackend(name string) *backend {
	b := &backend{}
	b.name.Store(name)
	return b
}

func (b *backend) user() map[string]any {
	return map[string]any{"__typename": "User", "id": "1", "name": b.name.Load().(string), "email": "ann@example.com"}
}

func (b *backend) handle(ctx context.Context, op *fetch.Operation) (*fetch.Response, error) {
	b.calls.Add(1)
	switch op.Kind {
	case selection.Mutation:
		return &fetch.Response{Data: map[string]any{"renameViewer": b.user()}}, nil
	default:
		return &fetch.Response{Data: map[string]any{"viewer": b.user(), "count": float64(b.calls.Load())}}, nil
	}
}

func newTestClient(t *testing.T, tp fetch.Transport, opts ...Option) (*Client, *testClock) {
	t.Helper()
	clk := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	base := []Option{
		WithClock(clk.Now),
		WithMaxAge(time.Minute),
		WithStaleWhileRevalidate(5 * time.Second),
		WithRetry(fetch.NoRetry()),
	}
	c := New(tp, append(base, opts...)...)
	t.Cleanup(c.Close)
	return c, clk
}

func viewerName(c *Client) *selection.Selection {
	return c.QueryRoot().Select("viewer", selection.WithType("User")).Select("name")
}

func TestCacheFirstServesFromCache(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle), WithPolicy(policy.CacheFirst))
	sels := []*selection.Selection{viewerName(c)}

	res, err := c.Query(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Ann"}}, res.Data)

	res, err = c.Query(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, cache.Fresh, res.Freshness)
	require.Equal(t, int32(1), b.calls.Load())
}

func TestStaleWhileRevalidateNotifiesOnce(t *testing.T) {
	b := newBackend("Ann")
	c, clk := newTestClient(t, fetch.NewMockHandler(b.handle))
	var updates []Update
	var mu sync.Mutex
	sub := c.Subscribe(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	defer sub.Close()
	sels := []*selection.Selection{viewerName(c)}

	res, err := sub.Resolve(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)
	require.Nil(t, res.Background)

	clk.Advance(time.Minute + time.Second)
	b.name.Store("Bob")
	res, err = sub.Resolve(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, cache.Stale, res.Freshness)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Ann"}}, res.Data)
	require.NotNil(t, res.Background)
	_, err = res.Background.Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Bob"}}, updates[0].Data)
	require.True(t, updates[0].Changes.Has(cache.FieldRef{Key: "User:1", Field: "name"}))
	require.Equal(t, int32(2), b.calls.Load())
}

func TestExpiredDataBlocks(t *testing.T) {
	b := newBackend("Ann")
	c, clk := newTestClient(t, fetch.NewMockHandler(b.handle))
	sels := []*selection.Selection{viewerName(c)}
	_, err := c.Query(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)

	clk.Advance(time.Minute + 6*time.Second)
	b.name.Store("Bob")
	res, err := c.Query(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Bob"}}, res.Data)
}

func TestCacheAndNetworkSkipsUnchangedNotify(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	var n atomic.Int32
	sub := c.Subscribe(func(Update) { n.Add(1) })
	defer sub.Close()
	sels := []*selection.Selection{viewerName(c)}
	opts := ResolveOptions{Policy: policy.CacheAndNetwork}

	_, err := sub.Resolve(context.Background(), sels, opts)
	require.NoError(t, err)
	res, err := sub.Resolve(context.Background(), sels, opts)
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.NotNil(t, res.Background)
	_, err = res.Background.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(0), n.Load())
	require.Equal(t, int32(2), b.calls.Load())
}

func TestCacheOnlyMiss(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	sub := c.Subscribe(nil)
	defer sub.Close()

	res, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{Policy: policy.CacheOnly})
	require.ErrorIs(t, err, cache.ErrCacheMiss)
	require.ErrorContains(t, err, "viewer.name")
	require.NotNil(t, res)
	require.Equal(t, cache.Missing, res.Freshness)
	require.NotEmpty(t, c.Registry().Deps(sub.ID()))
	require.Equal(t, int32(0), b.calls.Load())
}

func TestNoCacheLeavesSharedCacheAlone(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	sub := c.Subscribe(nil)
	defer sub.Close()

	res, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{Policy: policy.NoCache})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Ann"}}, res.Data)
	require.Equal(t, 0, c.Cache().Len())
	require.Empty(t, c.Registry().Deps(sub.ID()))
}

func TestConcurrentResolvesShareABatch(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle), WithBatchWindow(50*time.Millisecond))
	viewer := c.QueryRoot().Select("viewer", selection.WithType("User"))

	var wg sync.WaitGroup
	results := make([]*Resolution, 2)
	errs := make([]error, 2)
	for i, field := range []string{"name", "email"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Query(context.Background(), []*selection.Selection{viewer.Select(field)}, ResolveOptions{})
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), b.calls.Load())
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Ann"}}, results[0].Data)
	require.Equal(t, map[string]any{"viewer": map[string]any{"email": "ann@example.com"}}, results[1].Data)
}

func TestMutationNotifiesReaders(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	got := make(chan Update, 4)
	sub := c.Subscribe(func(u Update) { got <- u })
	defer sub.Close()
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)

	b.name.Store("Zed")
	rename := c.MutationRoot().Select("renameViewer", selection.WithType("User"))
	res, err := c.Mutate(context.Background(), []*selection.Selection{rename.Select("id"), rename.Select("name")}, MutateOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"renameViewer": map[string]any{"id": "1", "name": "Zed"}}, res.Data)

	select {
	case u := <-got:
		require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Zed"}}, u.Data)
	default:
		t.Fatal("subscriber was not notified before Mutate returned")
	}
}

func TestMutationsAreNotRetried(t *testing.T) {
	boom := &fetch.TransportError{Err: errors.New("reset")}
	mt := fetch.NewMockTransportWithErrors(nil, []error{boom, boom})
	c, _ := newTestClient(t, mt, WithRetry(fetch.RetryOptions{MaxRetries: 3, Delay: func(int) time.Duration { return 0 }}))
	rename := c.MutationRoot().Select("renameViewer", selection.WithType("User"))

	_, err := c.Mutate(context.Background(), []*selection.Selection{rename.Select("id")}, MutateOptions{})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, mt.CallCount())
}

func TestOptimisticWriteAndEvict(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	var last atomic.Value
	sub := c.Subscribe(func(u Update) { last.Store(u) })
	defer sub.Close()
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)

	ids := c.Write("User", "1", map[cache.FieldKey]any{"name": "Optimistic"})
	require.Equal(t, []string{string(sub.ID())}, idStrings(ids))
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Optimistic"}}, last.Load().(Update).Data)

	require.Empty(t, c.Write("User", "2", map[cache.FieldKey]any{"name": "Other"}))

	ids = c.Evict("User:1")
	require.Len(t, ids, 1)
	// the evicted entity is refetched
	require.Eventually(t, func() bool { return b.calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSubscriptionPayloadsReachQueryReaders(t *testing.T) {
	user := func(name string) map[string]any {
		return map[string]any{"__typename": "User", "id": "1", "name": name}
	}
	mt := fetch.NewMockTransport(
		&fetch.Response{Data: map[string]any{"viewer": user("Ann")}},
		&fetch.Response{Data: map[string]any{"viewerChanged": user("Bob")}},
		&fetch.Response{Data: map[string]any{"viewerChanged": user("Cid")}},
	)
	c, _ := newTestClient(t, mt)
	var mu sync.Mutex
	var seen []any
	sub := c.Subscribe(func(u Update) {
		mu.Lock()
		seen = append(seen, u.Data["viewer"].(map[string]any)["name"])
		mu.Unlock()
	})
	defer sub.Close()
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)

	changed := c.SubscriptionRoot().Select("viewerChanged", selection.WithType("User"))
	var events []Event
	st, err := c.Subscription(context.Background(), []*selection.Selection{changed.Select("id"), changed.Select("name")}, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not complete")
	}
	require.NoError(t, st.Err())
	require.Len(t, events, 2)
	require.Equal(t, "Cid", events[1].Data["viewerChanged"].(map[string]any)["name"])

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []any{"Bob", "Cid"}, seen)
}

func TestPollDeliversChanges(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	got := make(chan Update, 16)
	sub := c.Subscribe(func(u Update) { got <- u })
	defer sub.Close()
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)

	b.name.Store("Bob")
	stop := sub.Poll(5 * time.Millisecond)
	defer stop()
	select {
	case u := <-got:
		require.NoError(t, u.Err)
		require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Bob"}}, u.Data)
	case <-time.After(time.Second):
		t.Fatal("no update from polling")
	}
}

func TestClosedSubscriberIsInert(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	sub := c.Subscribe(func(Update) { t.Fatal("closed subscriber notified") })
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	require.Empty(t, c.Registry().Deps(sub.ID()))
	require.Empty(t, c.Write("User", "1", map[cache.FieldKey]any{"name": "x"}))
	_, err = sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = sub.Refetch(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestCollectKeepsReferencedEntries(t *testing.T) {
	b := newBackend("Ann")
	c, clk := newTestClient(t, fetch.NewMockHandler(b.handle))
	sub := c.Subscribe(nil)
	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)
	c.Write("User", "2", map[cache.FieldKey]any{"name": "Bob"})

	clk.Advance(10 * time.Minute)
	require.Equal(t, []cache.Key{"User:2"}, c.Collect())
	sub.Close()
	require.Equal(t, []cache.Key{"User:1"}, c.Collect())
}

func TestResolveRejectsOtherKinds(t *testing.T) {
	c, _ := newTestClient(t, fetch.NewMockTransport())
	sub := c.Subscribe(nil)
	defer sub.Close()
	_, err := sub.Resolve(context.Background(), []*selection.Selection{c.MutationRoot().Select("x")}, ResolveOptions{})
	require.Error(t, err)
	_, err = c.Mutate(context.Background(), []*selection.Selection{c.QueryRoot().Select("x")}, MutateOptions{})
	require.Error(t, err)
	_, err = sub.Refetch(context.Background())
	require.Error(t, err)
}

func idStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func TestBlockingFailureKeepsLastGoodValue(t *testing.T) {
	b := newBackend("Ann")
	var down atomic.Bool
	tp := fetch.NewMockHandler(func(ctx context.Context, op *fetch.Operation) (*fetch.Response, error) {
		if down.Load() {
			return nil, &fetch.TransportError{Err: errors.New("down")}
		}
		return b.handle(ctx, op)
	})
	c, clk := newTestClient(t, tp)
	var n atomic.Int32
	sub := c.Subscribe(func(Update) { n.Add(1) })
	defer sub.Close()
	sels := []*selection.Selection{viewerName(c)}

	_, err := sub.Resolve(context.Background(), sels, ResolveOptions{})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	down.Store(true)
	res, err := sub.Resolve(context.Background(), sels, ResolveOptions{})
	var te *fetch.TransportError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, res)
	require.False(t, res.FromCache)
	require.Equal(t, cache.Expired, res.Freshness)
	require.Equal(t, map[string]any{"viewer": map[string]any{"name": "Ann"}}, res.Data)

	require.Contains(t, c.Write("User", "1", map[cache.FieldKey]any{"name": "Bob"}), sub.ID())
	require.Equal(t, int32(1), n.Load())
}

func TestOutdatedDependencySetIsDiscarded(t *testing.T) {
	b := newBackend("Ann")
	c, _ := newTestClient(t, fetch.NewMockHandler(b.handle))
	sub := c.Subscribe(nil)
	defer sub.Close()

	_, err := sub.Resolve(context.Background(), []*selection.Selection{viewerName(c)}, ResolveOptions{})
	require.NoError(t, err)
	sub.mu.Lock()
	old := sub.gen
	sub.mu.Unlock()
	oldDeps := c.Registry().Deps(sub.ID())

	count := c.QueryRoot().Select("count")
	_, err = sub.Resolve(context.Background(), []*selection.Selection{count}, ResolveOptions{})
	require.NoError(t, err)
	current := c.Registry().Deps(sub.ID())
	require.NotEqual(t, oldDeps, current)

	// A notification computed against the previous tree lands late.
	require.False(t, sub.setDeps(old, oldDeps))
	require.Equal(t, current, c.Registry().Deps(sub.ID()))
}

func TestPollIgnoresNonPositiveInterval(t *testing.T) {
	c, _ := newTestClient(t, fetch.NewMockTransport())
	sub := c.Subscribe(nil)
	defer sub.Close()
	require.NotPanics(t, func() {
		sub.Poll(0)()
		sub.Poll(-time.Second)()
	})
}
