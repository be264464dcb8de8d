// Package registry indexes which subscribers read which cache fields and
// fans change notifications out to exactly those subscribers.
package registry

import (
	"sort"
	"sync"

	"github.com/hanpama/graphcache/internal/cache"
)

// ID identifies one subscriber.
type ID string

// Callback is invoked once per Notify call that touches the subscriber.
type Callback func(changes cache.ChangeSet)

type subscriber struct {
	deps     map[cache.FieldRef]struct{}
	callback Callback
}

// Registry is the bidirectional index between cache fields and subscribers.
// It is safe for concurrent use. Callbacks run outside the registry lock.
type Registry struct {
	mu    sync.RWMutex
	edges map[cache.FieldRef]map[ID]struct{}
	keys  map[cache.Key]int // edge count per entry key
	subs  map[ID]*subscriber
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		edges: make(map[cache.FieldRef]map[ID]struct{}),
		keys:  make(map[cache.Key]int),
		subs:  make(map[ID]*subscriber),
	}
}

// Watch sets the change callback for id, creating the subscriber if needed.
func (r *Registry) Watch(id ID, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[id]
	if s == nil {
		s = &subscriber{deps: make(map[cache.FieldRef]struct{})}
		r.subs[id] = s
	}
	s.callback = cb
}

// Set replaces the dependency set of id. Only the difference against the
// previous set is applied to the edge index.
func (r *Registry) Set(id ID, deps []cache.FieldRef) {
	next := make(map[cache.FieldRef]struct{}, len(deps))
	for _, d := range deps {
		next[d] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[id]
	if s == nil {
		s = &subscriber{deps: make(map[cache.FieldRef]struct{})}
		r.subs[id] = s
	}
	for d := range s.deps {
		if _, keep := next[d]; !keep {
			r.unlink(d, id)
		}
	}
	for d := range next {
		if _, had := s.deps[d]; !had {
			set := r.edges[d]
			if set == nil {
				set = make(map[ID]struct{})
				r.edges[d] = set
				r.keys[d.Key]++
			}
			set[id] = struct{}{}
		}
	}
	s.deps = next
}

func (r *Registry) unlink(d cache.FieldRef, id ID) {
	set, ok := r.edges[d]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.edges, d)
		if r.keys[d.Key]--; r.keys[d.Key] <= 0 {
			delete(r.keys, d.Key)
		}
	}
}

// Remove drops id and all its edges. Removing an unknown id is a no-op.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[id]
	if s == nil {
		return
	}
	for d := range s.deps {
		r.unlink(d, id)
	}
	delete(r.subs, id)
}

// Affected returns the subscribers with at least one edge in changes,
// sorted.
func (r *Registry) Affected(changes cache.ChangeSet) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.affected(changes)
}

func (r *Registry) affected(changes cache.ChangeSet) []ID {
	hit := make(map[ID]struct{})
	if len(changes) < len(r.edges) {
		for ref := range changes {
			for id := range r.edges[ref] {
				hit[id] = struct{}{}
			}
		}
	} else {
		for ref, ids := range r.edges {
			if !changes.Has(ref) {
				continue
			}
			for id := range ids {
				hit[id] = struct{}{}
			}
		}
	}
	out := make([]ID, 0, len(hit))
	for id := range hit {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify invokes the callback of every affected subscriber exactly once and
// returns their ids.
func (r *Registry) Notify(changes cache.ChangeSet) []ID {
	if len(changes) == 0 {
		return nil
	}
	r.mu.RLock()
	ids := r.affected(changes)
	cbs := make([]Callback, 0, len(ids))
	for _, id := range ids {
		if s := r.subs[id]; s != nil && s.callback != nil {
			cbs = append(cbs, s.callback)
		}
	}
	r.mu.RUnlock()
	for _, cb := range cbs {
		cb(changes)
	}
	return ids
}

// Deps returns the current dependency set of id.
func (r *Registry) Deps(id ID) []cache.FieldRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.subs[id]
	if s == nil {
		return nil
	}
	out := make([]cache.FieldRef, 0, len(s.deps))
	for d := range s.deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Referenced reports whether any live subscriber depends on a field of key.
func (r *Registry) Referenced(key cache.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[key] > 0
}

// Len returns the number of live subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Edges returns the number of distinct (Key, FieldKey) edges.
func (r *Registry) Edges() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}
