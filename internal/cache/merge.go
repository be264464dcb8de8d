package cache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hanpama/graphcache/internal/selection"
)

// MergeOptions tunes one merge.
type MergeOptions struct {
	// Now overrides the cache clock (ms since epoch) when non-zero.
	Now int64
	// MaxAge overrides the cache default lifetime for entries written by
	// this merge. Per-type @cacheControl lifetimes still take precedence.
	MaxAge *time.Duration
	// StaleWhileRevalidate overrides the cache default window.
	StaleWhileRevalidate *time.Duration
	// Skip lists response paths (see PathString) that must not be written,
	// typically the paths of field errors.
	Skip map[string]struct{}
}

// PathString renders a response path such as ["users", 0, "name"] as
// "users.0.name".
func PathString(path []any) string {
	parts := make([]string, len(path))
	for i, p := range path {
		switch v := p.(type) {
		case string:
			parts[i] = v
		case int:
			parts[i] = strconv.Itoa(v)
		case float64:
			parts[i] = strconv.Itoa(int(v))
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, ".")
}

// Merge writes a response for tree into the cache and returns the fields
// whose value changed. data is the response "data" object. Either the whole
// response is committed or, on error, nothing is.
func (c *Cache) Merge(tree *selection.Tree, data map[string]any, opts MergeOptions) (ChangeSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.newStage(opts)
	if data != nil {
		if err := st.object(tree.Root, RootKey(tree.Kind()), "", data, ""); err != nil {
			return nil, err
		}
	}
	st.commit()
	return st.changes, nil
}

// Write is a local optimistic write of fields onto the entity typeName:id.
// Values may be scalars, Ref, or []any of those.
func (c *Cache) Write(typeName, id string, fields map[FieldKey]any) ChangeSet {
	return c.WriteEntry(EntityKey(typeName, id), typeName, fields)
}

// WriteEntry is Write against an arbitrary key.
func (c *Cache) WriteEntry(key Key, typeName string, fields map[FieldKey]any) ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.newStage(MergeOptions{})
	e := st.entry(key, typeName)
	for fk, v := range fields {
		st.set(e, FieldRef{Key: key, Field: fk}, v)
	}
	st.commit()
	return st.changes
}

type stage struct {
	c       *Cache
	now     int64
	maxAge  *int64
	swr     int64
	skip    map[string]struct{}
	writes  map[Key]*Entry
	written map[FieldRef]any
	changes ChangeSet
}

func (c *Cache) newStage(opts MergeOptions) *stage {
	st := &stage{
		c:       c,
		now:     opts.Now,
		swr:     c.opts.StaleWhileRevalidate.Milliseconds(),
		skip:    opts.Skip,
		writes:  make(map[Key]*Entry),
		written: make(map[FieldRef]any),
		changes: ChangeSet{},
	}
	if st.now == 0 {
		st.now = c.Now()
	}
	if opts.MaxAge != nil {
		ms := opts.MaxAge.Milliseconds()
		st.maxAge = &ms
	}
	if opts.StaleWhileRevalidate != nil {
		st.swr = opts.StaleWhileRevalidate.Milliseconds()
	}
	return st
}

func (st *stage) lifetime(typeName string) int64 {
	if ms, ok := st.c.opts.Identity.MaxAge(typeName); ok {
		return ms
	}
	if st.maxAge != nil {
		return *st.maxAge
	}
	return st.c.opts.MaxAge.Milliseconds()
}

// entry returns the staged copy of key. Staging alone does not touch
// expiry; only written fields are refreshed.
func (st *stage) entry(key Key, typeName string) *Entry {
	if e, ok := st.writes[key]; ok {
		return e
	}
	var e *Entry
	if old, ok := st.c.entries[key]; ok {
		e = old.clone()
	} else {
		e = &Entry{Fields: make(map[FieldKey]any)}
	}
	if typeName != "" {
		e.Typename = typeName
	}
	st.writes[key] = e
	return e
}

// set stores v and restarts the lifetime of that one field.
func (st *stage) set(e *Entry, ref FieldRef, v any) {
	old, had := e.Fields[ref.Field]
	if !had || !reflect.DeepEqual(old, v) {
		st.changes.add(ref)
	}
	e.Fields[ref.Field] = v
	if e.FieldExpiresAt == nil {
		e.FieldExpiresAt = make(map[FieldKey]int64)
	}
	at := st.now + st.lifetime(e.Typename)
	e.FieldExpiresAt[ref.Field] = at
	e.LastWrite = st.now
	e.ExpiresAt = at
	e.StaleWhileRevalidate = st.swr
}

func (st *stage) write(e *Entry, ref FieldRef, v any) error {
	if prev, ok := st.written[ref]; ok && !reflect.DeepEqual(prev, v) {
		return &CacheConsistencyError{Key: ref.Key, Field: ref.Field, Reason: "conflicting values in one response"}
	}
	st.written[ref] = v
	st.set(e, ref, v)
	return nil
}

func (st *stage) commit() {
	for k, e := range st.writes {
		st.c.entries[k] = e
	}
}

func (st *stage) object(node *selection.Node, key Key, typeName string, obj map[string]any, path string) error {
	e := st.entry(key, typeName)
	for _, child := range node.Children {
		sel := child.Selection
		rk := sel.ResponseKey()
		raw, present := obj[rk]
		if !present {
			continue
		}
		p := joinPath(path, rk)
		if _, skip := st.skip[p]; skip {
			continue
		}
		fk := FieldKey(sel.FieldKey())
		v, err := st.value(child, Key(string(key)+"."+string(fk)), raw, p)
		if err != nil {
			return err
		}
		if err := st.write(e, FieldRef{Key: key, Field: fk}, v); err != nil {
			return err
		}
	}
	return nil
}

// value normalizes one response value. structural is the key used when an
// object has no identity.
func (st *stage) value(node *selection.Node, structural Key, raw any, path string) (any, error) {
	switch x := raw.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			idx := strconv.Itoa(i)
			v, err := st.value(node, Key(string(structural)+"."+idx), item, joinPath(path, idx))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		typeName, _ := x["__typename"].(string)
		if node.Leaf() && typeName == "" {
			// JSON-valued scalar
			return x, nil
		}
		if typeName == "" {
			typeName = node.Selection.Type()
		}
		key := st.identify(typeName, x, structural)
		if err := st.object(node, key, typeName, x, path); err != nil {
			return nil, err
		}
		return Ref{Key: key}, nil
	default:
		return raw, nil
	}
}

func (st *stage) identify(typeName string, obj map[string]any, structural Key) Key {
	if typeName == "" {
		return structural
	}
	kf := st.c.opts.Identity.KeyField(typeName)
	if kf == "" {
		return structural
	}
	id, ok := obj[kf]
	if !ok || id == nil {
		return structural
	}
	switch v := id.(type) {
	case string:
		return EntityKey(typeName, v)
	case float64:
		return EntityKey(typeName, strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return EntityKey(typeName, fmt.Sprint(v))
	}
}

func joinPath(path, seg string) string {
	if path == "" {
		return seg
	}
	return path + "." + seg
}
