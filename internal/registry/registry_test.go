package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/cache"
)

func ref(key, field string) cache.FieldRef {
	return cache.FieldRef{Key: cache.Key(key), Field: cache.FieldKey(field)}
}

func changes(refs ...cache.FieldRef) cache.ChangeSet {
	cs := cache.ChangeSet{}
	for _, r := range refs {
		cs[r] = struct{}{}
	}
	return cs
}

func TestSetAppliesDifference(t *testing.T) {
	r := New()
	r.Set("a", []cache.FieldRef{ref("User:1", "name"), ref("User:1", "email")})
	r.Set("b", []cache.FieldRef{ref("User:1", "name")})
	require.Equal(t, 2, r.Edges())

	r.Set("a", []cache.FieldRef{ref("User:1", "name"), ref("User:2", "name")})
	require.Equal(t, []cache.FieldRef{ref("User:1", "name"), ref("User:2", "name")}, r.Deps("a"))
	require.Equal(t, 2, r.Edges())
	require.Empty(t, r.Affected(changes(ref("User:1", "email"))))
	require.Equal(t, []ID{"a", "b"}, r.Affected(changes(ref("User:1", "name"))))
}

func TestNotifyCallsEachSubscriberOnce(t *testing.T) {
	r := New()
	calls := map[ID]int{}
	for _, id := range []ID{"a", "b", "c"} {
		id := id
		r.Watch(id, func(cache.ChangeSet) { calls[id]++ })
	}
	r.Set("a", []cache.FieldRef{ref("User:1", "name"), ref("User:1", "email")})
	r.Set("b", []cache.FieldRef{ref("User:2", "name")})
	r.Set("c", []cache.FieldRef{ref("User:3", "name")})

	ids := r.Notify(changes(ref("User:1", "name"), ref("User:1", "email"), ref("User:2", "name")))
	require.Equal(t, []ID{"a", "b"}, ids)
	require.Equal(t, map[ID]int{"a": 1, "b": 1}, calls)
	require.Nil(t, r.Notify(cache.ChangeSet{}))
}

func TestRemoveTearsDownEdges(t *testing.T) {
	r := New()
	r.Watch("a", func(cache.ChangeSet) { t.Fatal("removed subscriber notified") })
	r.Set("a", []cache.FieldRef{ref("User:1", "name")})
	require.True(t, r.Referenced("User:1"))

	r.Remove("a")
	r.Remove("a")
	require.False(t, r.Referenced("User:1"))
	require.Equal(t, 0, r.Edges())
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Notify(changes(ref("User:1", "name"))))
}

func TestReferencedCountsPerKey(t *testing.T) {
	r := New()
	r.Set("a", []cache.FieldRef{ref("User:1", "name"), ref("User:1", "email")})
	r.Set("a", []cache.FieldRef{ref("User:1", "email")})
	require.True(t, r.Referenced("User:1"))
	r.Set("a", nil)
	require.False(t, r.Referenced("User:1"))
	require.Equal(t, 1, r.Len())
}
