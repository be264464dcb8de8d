// Package cache implements the normalized entity cache.
//
// Entities are stored once per Key. Object-valued fields hold Ref links to
// other entries instead of nested copies, so two responses that describe the
// same Type:id always update one entry. Merge is the only bulk mutator and
// commits atomically; Read denormalizes a selection tree and reports exactly
// which (Key, FieldKey) pairs it consulted.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hanpama/graphcache/internal/selection"
)

// Key identifies one normalized entry: "Type:id" for identified types, a
// structural path for embedded objects, or one of the root keys.
type Key string

const (
	RootQuery        Key = "ROOT_QUERY"
	RootMutation     Key = "ROOT_MUTATION"
	RootSubscription Key = "ROOT_SUBSCRIPTION"
)

// RootKey returns the root entry key for an operation kind.
func RootKey(kind selection.Kind) Key {
	switch kind {
	case selection.Mutation:
		return RootMutation
	case selection.Subscription:
		return RootSubscription
	default:
		return RootQuery
	}
}

// EntityKey builds the key of an identified entity.
func EntityKey(typeName, id string) Key { return Key(typeName + ":" + id) }

// IsEntity reports whether k was derived from a type identity.
func (k Key) IsEntity() bool {
	s := string(k)
	return !strings.HasPrefix(s, "ROOT_") && strings.Contains(s, ":") && !strings.Contains(s, ".")
}

// FieldKey is a field name plus canonical arguments, e.g. `user({"id":"1"})`.
type FieldKey string

// Ref links a field to another entry.
type Ref struct {
	Key Key
}

// FieldRef addresses one field of one entry. It is the unit of dependency
// tracking and change reporting.
type FieldRef struct {
	Key   Key
	Field FieldKey
}

func (r FieldRef) String() string { return string(r.Key) + "." + string(r.Field) }

// Entry is one normalized object. Field values are scalars, Ref, nil, or
// []any nesting of those.
//
// Every field carries its own expiry: a merge refreshes only the fields it
// wrote. LastWrite and ExpiresAt describe the latest write to the entry;
// fields without an entry in FieldExpiresAt fall back to ExpiresAt.
type Entry struct {
	Typename             string
	Fields               map[FieldKey]any
	FieldExpiresAt       map[FieldKey]int64
	LastWrite            int64 // ms since epoch
	ExpiresAt            int64 // ms since epoch
	StaleWhileRevalidate int64 // ms past ExpiresAt during which the entry is still served
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Fields = make(map[FieldKey]any, len(e.Fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	if e.FieldExpiresAt != nil {
		cp.FieldExpiresAt = make(map[FieldKey]int64, len(e.FieldExpiresAt))
		for k, v := range e.FieldExpiresAt {
			cp.FieldExpiresAt[k] = v
		}
	}
	return &cp
}

// FieldExpires returns the expiry of field fk.
func (e *Entry) FieldExpires(fk FieldKey) int64 {
	if at, ok := e.FieldExpiresAt[fk]; ok {
		return at
	}
	return e.ExpiresAt
}

// Stale reports whether the entry is past ExpiresAt.
func (e *Entry) Stale(now int64) bool { return now > e.ExpiresAt }

// Expired reports whether the stale-while-revalidate window has elapsed too.
func (e *Entry) Expired(now int64) bool { return now > e.ExpiresAt+e.StaleWhileRevalidate }

// Freshness classifies cached data for a fetch-policy decision. Larger
// values are worse.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
	Missing
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "missing"
	}
}

func worse(a, b Freshness) Freshness {
	if b > a {
		return b
	}
	return a
}

func (e *Entry) fieldFreshness(fk FieldKey, now int64) Freshness {
	at := e.FieldExpires(fk)
	switch {
	case now > at+e.StaleWhileRevalidate:
		return Expired
	case now > at:
		return Stale
	default:
		return Fresh
	}
}

// ChangeSet is the set of fields whose value changed in one mutation of the
// cache.
type ChangeSet map[FieldRef]struct{}

func (c ChangeSet) add(r FieldRef) { c[r] = struct{}{} }

// Has reports whether r changed.
func (c ChangeSet) Has(r FieldRef) bool {
	_, ok := c[r]
	return ok
}

// Keys returns the changed entry keys, sorted.
func (c ChangeSet) Keys() []Key {
	seen := make(map[Key]struct{}, len(c))
	out := make([]Key, 0, len(c))
	for r := range c {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}
		out = append(out, r.Key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fields returns the changed fields, sorted.
func (c ChangeSet) Fields() []FieldRef {
	out := make([]FieldRef, 0, len(c))
	for r := range c {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Identity resolves identity fields and per-type lifetimes. schema.Schema
// implements it.
type Identity interface {
	KeyField(typeName string) string
	MaxAge(typeName string) (ms int64, ok bool)
}

// defaultIdentity treats an `id` field as identity on every type.
type defaultIdentity struct{}

func (defaultIdentity) KeyField(string) string      { return "id" }
func (defaultIdentity) MaxAge(string) (int64, bool) { return 0, false }

const (
	DefaultMaxAge               = 0
	DefaultStaleWhileRevalidate = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	Identity             Identity
	Clock                func() time.Time
	MaxAge               time.Duration
	StaleWhileRevalidate time.Duration
}

// Option mutates Options
type Option func(*Options)

func WithIdentity(id Identity) Option       { return func(o *Options) { o.Identity = id } }
func WithClock(now func() time.Time) Option { return func(o *Options) { o.Clock = now } }
func WithMaxAge(d time.Duration) Option     { return func(o *Options) { o.MaxAge = d } }
func WithStaleWhileRevalidate(d time.Duration) Option {
	return func(o *Options) { o.StaleWhileRevalidate = d }
}

// Cache is the normalized store. It is safe for concurrent use; merges are
// serialized by a write lock and never interleave with reads.
type Cache struct {
	opts Options

	mu      sync.RWMutex
	entries map[Key]*Entry
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	o := Options{
		Identity:             defaultIdentity{},
		Clock:                time.Now,
		MaxAge:               DefaultMaxAge,
		StaleWhileRevalidate: DefaultStaleWhileRevalidate,
	}
	for _, f := range opts {
		f(&o)
	}
	if o.Identity == nil {
		o.Identity = defaultIdentity{}
	}
	return &Cache{opts: o, entries: make(map[Key]*Entry)}
}

// Fork returns an empty cache sharing c's identity, clock and lifetimes.
func (c *Cache) Fork() *Cache { return &Cache{opts: c.opts, entries: make(map[Key]*Entry)} }

// Now returns the cache clock in milliseconds since epoch.
func (c *Cache) Now() int64 { return c.opts.Clock().UnixMilli() }

// Get returns a copy of the entry for key.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns every entry key, sorted.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsStale reports now > expiresAt. Missing entries are stale.
func (c *Cache) IsStale(key Key, now int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return !ok || e.Stale(now)
}

// IsExpired reports that the stale-while-revalidate window has elapsed.
// Missing entries are expired.
func (c *Cache) IsExpired(key Key, now int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return !ok || e.Expired(now)
}

// Evict removes one entry and reports its fields as changed.
func (c *Cache) Evict(key Key) ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes := ChangeSet{}
	if e, ok := c.entries[key]; ok {
		for fk := range e.Fields {
			changes.add(FieldRef{Key: key, Field: fk})
		}
		delete(c.entries, key)
	}
	return changes
}

// Clear drops every entry and reports all their fields as changed.
func (c *Cache) Clear() ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	changes := ChangeSet{}
	for key, e := range c.entries {
		for fk := range e.Fields {
			changes.add(FieldRef{Key: key, Field: fk})
		}
	}
	c.entries = make(map[Key]*Entry)
	return changes
}

// Collect is the TTL garbage pass: it deletes entries whose
// stale-while-revalidate window has elapsed, except those keep retains.
// Collected entries are not reported as changes.
func (c *Cache) Collect(now int64, keep func(Key) bool) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []Key
	for key, e := range c.entries {
		if strings.HasPrefix(string(key), "ROOT_") || !e.Expired(now) {
			continue
		}
		if keep != nil && keep(key) {
			continue
		}
		delete(c.entries, key)
		removed = append(removed, key)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}
