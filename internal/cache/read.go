package cache

import (
	"github.com/hanpama/graphcache/internal/selection"
)

// ReadResult is a denormalized value together with its provenance.
type ReadResult struct {
	// Data is keyed by response name. Missing fields are absent.
	Data map[string]any
	// Deps lists every (Key, FieldKey) the read consulted, including fields
	// that were missing, in first-visit order.
	Deps []FieldRef
	// Missing lists the leaf selections that could not be resolved.
	Missing []*selection.Selection
	// Roots holds the worst freshness seen under each top-level response key.
	Roots map[string]Freshness
	// Leaves holds the freshness of every leaf selection by selection key.
	Leaves map[string]Freshness
}

// Freshness returns the worst freshness over all roots.
func (r *ReadResult) Freshness() Freshness {
	f := Fresh
	for _, rf := range r.Roots {
		f = worse(f, rf)
	}
	return f
}

// Complete reports whether nothing was missing.
func (r *ReadResult) Complete() bool { return len(r.Missing) == 0 }

// Read denormalizes tree from the cache at now (ms since epoch; 0 means
// the cache clock). Reads never mutate entries.
func (c *Cache) Read(tree *selection.Tree, now int64) *ReadResult {
	if now == 0 {
		now = c.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rd := &reader{
		c:      c,
		now:    now,
		seen:   make(map[FieldRef]struct{}),
		gone:   make(map[string]struct{}),
		result: &ReadResult{Roots: make(map[string]Freshness), Leaves: make(map[string]Freshness)},
	}
	rootKey := RootKey(tree.Kind())
	root := c.entries[rootKey]
	rd.result.Data = map[string]any{}
	for _, top := range tree.Roots() {
		rk := top.Selection.ResponseKey()
		f := Fresh
		v, ok := rd.field(top, rootKey, root, &f)
		if ok {
			rd.result.Data[rk] = v
		}
		rd.result.Roots[rk] = f
	}
	return rd.result
}

type reader struct {
	c      *Cache
	now    int64
	seen   map[FieldRef]struct{}
	gone   map[string]struct{}
	result *ReadResult
}

func (rd *reader) dep(r FieldRef) {
	if _, ok := rd.seen[r]; ok {
		return
	}
	rd.seen[r] = struct{}{}
	rd.result.Deps = append(rd.result.Deps, r)
}

func (rd *reader) missing(n *selection.Node, f *Freshness) {
	*f = Missing
	if n.Leaf() {
		if _, ok := rd.gone[n.Selection.Key()]; !ok {
			rd.gone[n.Selection.Key()] = struct{}{}
			rd.result.Missing = append(rd.result.Missing, n.Selection)
		}
		rd.leaf(n.Selection, Missing)
		return
	}
	for _, c := range n.Children {
		rd.missing(c, f)
	}
}

// field reads one child field of entry e (which may be nil).
func (rd *reader) field(n *selection.Node, key Key, e *Entry, f *Freshness) (any, bool) {
	fk := FieldKey(n.Selection.FieldKey())
	rd.dep(FieldRef{Key: key, Field: fk})
	if e == nil {
		rd.missing(n, f)
		return nil, false
	}
	raw, ok := e.Fields[fk]
	if !ok {
		rd.missing(n, f)
		return nil, false
	}
	ef := e.fieldFreshness(fk, rd.now)
	*f = worse(*f, ef)
	if n.Leaf() {
		rd.leaf(n.Selection, ef)
	}
	return rd.value(n, raw, f, ef)
}

// mark records ef for every leaf below n that the read cannot reach, such
// as the children of a cached null or of an empty list.
func (rd *reader) mark(n *selection.Node, ef Freshness) {
	if n.Leaf() {
		rd.leaf(n.Selection, ef)
		return
	}
	for _, c := range n.Children {
		rd.mark(c, ef)
	}
}

func (rd *reader) leaf(s *selection.Selection, ef Freshness) {
	rd.result.Leaves[s.Key()] = worse(rd.result.Leaves[s.Key()], ef)
}

func (rd *reader) value(n *selection.Node, raw any, f *Freshness, ef Freshness) (any, bool) {
	switch x := raw.(type) {
	case Ref:
		if n.Leaf() {
			// object selected without sub-fields
			return map[string]any{}, true
		}
		e := rd.c.entries[x.Key]
		out := make(map[string]any, len(n.Children))
		for _, child := range n.Children {
			if v, ok := rd.field(child, x.Key, e, f); ok {
				out[child.Selection.ResponseKey()] = v
			}
		}
		if e == nil {
			return nil, false
		}
		return out, true
	case []any:
		if len(x) == 0 {
			rd.mark(n, ef)
		}
		out := make([]any, len(x))
		for i, item := range x {
			v, ok := rd.value(n, item, f, ef)
			if !ok {
				v = nil
			}
			out[i] = v
		}
		return out, true
	default:
		if !n.Leaf() {
			rd.mark(n, ef)
		}
		return raw, true
	}
}
