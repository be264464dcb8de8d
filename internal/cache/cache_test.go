package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/selection"
)

// clock is a settable test clock.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock { return &clock{now: time.UnixMilli(1_700_000_000_000)} }

func newTestCache(c *clock, opts ...Option) *Cache {
	return New(append([]Option{WithClock(c.Now), WithMaxAge(time.Minute), WithStaleWhileRevalidate(5 * time.Second)}, opts...)...)
}

type identity map[string]string

func (i identity) KeyField(t string) string { return i[t] }
func (identity) MaxAge(t string) (int64, bool) {
	if t == "Short" {
		return 1000, true
	}
	return 0, false
}

// userTree selects user(id:"1"){ id name friends { id name } }.
func userTree() (*selection.Tree, *selection.Selection) {
	root := selection.NewRoot(selection.Query, nil)
	user := root.Select("user", selection.WithArgs(map[string]any{"id": "1"}), selection.WithType("User"))
	friends := user.Select("friends", selection.WithType("User"))
	return selection.MustTree(
		user.Select("id"),
		user.Select("name"),
		friends.Select("id"),
		friends.Select("name"),
	), user
}

func userData(rk, name string) map[string]any {
	return map[string]any{
		rk: map[string]any{
			"__typename": "User",
			"id":         "1",
			"name":       name,
			"friends": []any{
				map[string]any{"__typename": "User", "id": "2", "name": "Bob"},
			},
		},
	}
}

func TestMergeNormalizesEntities(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	rk := user.ResponseKey()

	changes, err := c.Merge(tree, userData(rk, "Ann"), MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, []Key{"ROOT_QUERY", "User:1", "User:2"}, changes.Keys())

	root, ok := c.Get(RootKey(selection.Query))
	require.True(t, ok)
	require.Equal(t, Ref{Key: "User:1"}, root.Fields[FieldKey(user.FieldKey())])

	ann, _ := c.Get("User:1")
	require.Equal(t, "User", ann.Typename)
	require.Equal(t, "Ann", ann.Fields["name"])
	require.Equal(t, []any{Ref{Key: "User:2"}}, ann.Fields["friends"])
}

func TestMergeIsIdempotent(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	data := userData(user.ResponseKey(), "Ann")

	_, err := c.Merge(tree, data, MergeOptions{})
	require.NoError(t, err)
	snap := c.Snapshot()
	changes, err := c.Merge(tree, data, MergeOptions{})
	require.NoError(t, err)
	require.Empty(t, changes)
	require.Equal(t, snap, c.Snapshot())
}

func TestMergeReportsOnlyChangedFields(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	_, err := c.Merge(tree, userData(user.ResponseKey(), "Ann"), MergeOptions{})
	require.NoError(t, err)

	changes, err := c.Merge(tree, userData(user.ResponseKey(), "Anna"), MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, []FieldRef{{Key: "User:1", Field: "name"}}, changes.Fields())
}

func TestConsistencyErrorCommitsNothing(t *testing.T) {
	c := newTestCache(newClock())
	root := selection.NewRoot(selection.Query, nil)
	a := root.Select("a", selection.WithType("User"))
	b := root.Select("b", selection.WithType("User"))
	tree := selection.MustTree(a.Select("id"), a.Select("name"), b.Select("id"), b.Select("name"))

	_, err := c.Merge(tree, map[string]any{
		"a": map[string]any{"__typename": "User", "id": "1", "name": "Ann"},
		"b": map[string]any{"__typename": "User", "id": "1", "name": "Bob"},
	}, MergeOptions{})
	var ce *CacheConsistencyError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, Key("User:1"), ce.Key)
	require.Equal(t, 0, c.Len())

	_, err = c.Merge(tree, map[string]any{
		"a": map[string]any{"__typename": "User", "id": "1", "name": "Ann"},
	}, MergeOptions{})
	require.NoError(t, err)
	_, err = c.Merge(tree, map[string]any{
		"b": map[string]any{"__typename": "Post", "id": "1", "name": "x"},
	}, MergeOptions{})
	require.NoError(t, err, "different typename is a different key")
}

func TestMergeSkipsErrorPaths(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	rk := user.ResponseKey()
	data := userData(rk, "Ann")
	data[rk].(map[string]any)["name"] = nil

	_, err := c.Merge(tree, data, MergeOptions{Skip: map[string]struct{}{PathString([]any{rk, "name"}): {}}})
	require.NoError(t, err)
	e, _ := c.Get("User:1")
	_, has := e.Fields["name"]
	require.False(t, has)
	require.Equal(t, rk+".friends.0.name", PathString([]any{rk, "friends", float64(0), "name"}))
}

func TestObjectsWithoutIdentityAreStoredByPath(t *testing.T) {
	c := newTestCache(newClock(), WithIdentity(identity{"User": "id"}))
	root := selection.NewRoot(selection.Query, nil)
	settings := root.Select("settings", selection.WithType("Settings"))
	tree := selection.MustTree(settings.Select("theme"))

	_, err := c.Merge(tree, map[string]any{"settings": map[string]any{"__typename": "Settings", "theme": "dark"}}, MergeOptions{})
	require.NoError(t, err)
	e, ok := c.Get("ROOT_QUERY.settings")
	require.True(t, ok)
	require.Equal(t, "dark", e.Fields["theme"])
}

func TestReadDenormalizesWithProvenance(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	tree, user := userTree()
	rk := user.ResponseKey()
	_, err := c.Merge(tree, userData(rk, "Ann"), MergeOptions{})
	require.NoError(t, err)

	read := c.Read(tree, 0)
	require.True(t, read.Complete())
	require.Equal(t, Fresh, read.Freshness())
	want := map[string]any{
		rk: map[string]any{
			"id":      "1",
			"name":    "Ann",
			"friends": []any{map[string]any{"id": "2", "name": "Bob"}},
		},
	}
	if diff := cmp.Diff(want, read.Data); diff != "" {
		t.Fatalf("read mismatch (-want +got):\n%s", diff)
	}
	require.Contains(t, read.Deps, FieldRef{Key: "ROOT_QUERY", Field: FieldKey(user.FieldKey())})
	require.Contains(t, read.Deps, FieldRef{Key: "User:2", Field: "name"})

	clk.Advance(time.Minute + time.Second)
	require.Equal(t, Stale, c.Read(tree, 0).Freshness())
	clk.Advance(5 * time.Second)
	require.Equal(t, Expired, c.Read(tree, 0).Freshness())
}

func TestReadReportsMissingLeaves(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	_, err := c.Merge(selection.MustTree(user.Select("id")), map[string]any{
		user.ResponseKey(): map[string]any{"__typename": "User", "id": "1"},
	}, MergeOptions{})
	require.NoError(t, err)

	read := c.Read(tree, 0)
	require.False(t, read.Complete())
	require.Equal(t, Missing, read.Freshness())
	var missing []string
	for _, m := range read.Missing {
		missing = append(missing, m.Field())
	}
	require.Equal(t, []string{"name", "id", "name"}, missing)
	require.Equal(t, "friends", read.Missing[1].Parent().Field())
	require.Contains(t, read.Deps, FieldRef{Key: "User:1", Field: "name"})
}

func TestPerTypeLifetime(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk, WithIdentity(identity{"Short": "id"}))
	root := selection.NewRoot(selection.Query, nil)
	s := root.Select("s", selection.WithType("Short"))
	_, err := c.Merge(selection.MustTree(s.Select("id")), map[string]any{"s": map[string]any{"__typename": "Short", "id": "x"}}, MergeOptions{})
	require.NoError(t, err)
	clk.Advance(1500 * time.Millisecond)
	require.True(t, c.IsStale("Short:x", c.Now()))
	require.False(t, c.IsStale("ROOT_QUERY", c.Now()))
	require.True(t, c.IsExpired("Nope:1", c.Now()))
}

func TestSnapshotRoundTrips(t *testing.T) {
	c := newTestCache(newClock())
	tree, user := userTree()
	_, err := c.Merge(tree, userData(user.ResponseKey(), "Ann"), MergeOptions{})
	require.NoError(t, err)
	snap := c.Snapshot()
	require.Equal(t, map[string]any{refField: "User:2"}, snap["User:1"].Fields["friends"].([]any)[0])

	pb, err := snap.MarshalProto()
	require.NoError(t, err)
	fromProto, err := UnmarshalProtoSnapshot(pb)
	require.NoError(t, err)

	restored := newTestCache(newClock())
	restored.Hydrate(fromProto, 0)
	require.Equal(t, c.Read(tree, 0).Data, restored.Read(tree, 0).Data)

	js, err := UnmarshalSnapshot([]byte(`{"User:9":{"__typename":"User","fields":{"name":"Zed"},"lastWriteTime":1}}`))
	require.NoError(t, err)
	changes := restored.Hydrate(js, 0)
	require.True(t, changes.Has(FieldRef{Key: "User:9", Field: "name"}))
	require.True(t, restored.IsStale("User:9", restored.Now()+1))
	require.False(t, restored.IsExpired("User:9", restored.Now()+1))
}

func TestCollectHonoursKeep(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	c.Write("User", "1", map[FieldKey]any{"name": "Ann"})
	c.Write("User", "2", map[FieldKey]any{"name": "Bob"})
	clk.Advance(2 * time.Minute)

	removed := c.Collect(0, func(k Key) bool { return k == "User:2" })
	require.Equal(t, []Key{"User:1"}, removed)
	require.Equal(t, []Key{"User:2"}, c.Keys())
}

func TestEvictAndFork(t *testing.T) {
	c := newTestCache(newClock())
	c.Write("User", "1", map[FieldKey]any{"name": "Ann", "age": 3})
	changes := c.Evict("User:1")
	require.Len(t, changes, 2)
	require.Empty(t, c.Evict("User:1"))

	c.Write("User", "1", map[FieldKey]any{"name": "Ann"})
	f := c.Fork()
	require.Equal(t, 0, f.Len())
	require.Equal(t, c.Now(), f.Now())
	require.Len(t, c.Clear(), 1)
}

func TestMergeRefreshesOnlyWrittenFields(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	root := selection.NewRoot(selection.Query, nil)
	count := selection.MustTree(root.Select("count"))
	version := selection.MustTree(root.Select("serverVersion"))

	_, err := c.Merge(count, map[string]any{"count": float64(1)}, MergeOptions{})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	require.Equal(t, Expired, c.Read(count, 0).Freshness())

	_, err = c.Merge(version, map[string]any{"serverVersion": "1.2"}, MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, Fresh, c.Read(version, 0).Freshness())
	require.Equal(t, Expired, c.Read(count, 0).Freshness())
}

func TestSkippedFieldsKeepTheirAge(t *testing.T) {
	clk := newClock()
	c := newTestCache(clk)
	tree, user := userTree()
	rk := user.ResponseKey()
	_, err := c.Merge(tree, userData(rk, "Ann"), MergeOptions{})
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	data := userData(rk, "Ann")
	data[rk].(map[string]any)["name"] = nil
	_, err = c.Merge(tree, data, MergeOptions{Skip: map[string]struct{}{PathString([]any{rk, "name"}): {}}})
	require.NoError(t, err)

	read := c.Read(tree, 0)
	require.Equal(t, "Ann", read.Data[rk].(map[string]any)["name"])
	require.Equal(t, Expired, read.Leaves[user.Select("name").Key()])
	require.Equal(t, Fresh, read.Leaves[user.Select("id").Key()])
	require.Equal(t, Expired, read.Freshness())

	snap := c.Snapshot()
	pb, err := snap.MarshalProto()
	require.NoError(t, err)
	fromProto, err := UnmarshalProtoSnapshot(pb)
	require.NoError(t, err)
	require.Equal(t, snap["User:1"].FieldExpiresAt, fromProto["User:1"].FieldExpiresAt)

	restored := newTestCache(clk)
	restored.Hydrate(fromProto, 0)
	require.Equal(t, Expired, restored.Read(tree, 0).Leaves[user.Select("name").Key()])
}
