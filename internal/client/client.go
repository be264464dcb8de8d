// Package client is the engine facade: it owns a cache, a dependency
// registry, a batching scheduler and a fetch executor, and exposes
// subscribers that resolve selections under a fetch policy.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/hanpama/graphcache/internal/cache"
	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/policy"
	"github.com/hanpama/graphcache/internal/registry"
	"github.com/hanpama/graphcache/internal/scheduler"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/selection"
)

// Options configures a Client.
type Options struct {
	Schema               *schema.Schema
	Policy               policy.FetchPolicy
	Retry                fetch.RetryOptions
	BatchWindow          time.Duration
	ManualFlush          bool
	Concurrency          int
	MaxAge               time.Duration
	StaleWhileRevalidate time.Duration
	Clock                func() time.Time
}

// Option mutates Options
type Option func(*Options)

func WithSchema(s *schema.Schema) Option     { return func(o *Options) { o.Schema = s } }
func WithPolicy(p policy.FetchPolicy) Option { return func(o *Options) { o.Policy = p } }
func WithRetry(r fetch.RetryOptions) Option  { return func(o *Options) { o.Retry = r } }
func WithBatchWindow(d time.Duration) Option { return func(o *Options) { o.BatchWindow = d } }
func WithManualFlush() Option                { return func(o *Options) { o.ManualFlush = true } }
func WithConcurrency(n int) Option           { return func(o *Options) { o.Concurrency = n } }
func WithMaxAge(d time.Duration) Option      { return func(o *Options) { o.MaxAge = d } }
func WithStaleWhileRevalidate(d time.Duration) Option {
	return func(o *Options) { o.StaleWhileRevalidate = d }
}
func WithClock(now func() time.Time) Option { return func(o *Options) { o.Clock = now } }

// Client is safe for concurrent use.
type Client struct {
	opts     Options
	cache    *cache.Cache
	registry *registry.Registry
	exec     *fetch.Executor
	sched    *scheduler.Scheduler

	mu     sync.Mutex
	subs   map[registry.ID]*Subscriber
	closed bool
}

// New creates a Client sending through t.
func New(t fetch.Transport, opts ...Option) *Client {
	o := Options{
		Policy:               policy.Default,
		Retry:                fetch.DefaultRetry(),
		MaxAge:               cache.DefaultMaxAge,
		StaleWhileRevalidate: cache.DefaultStaleWhileRevalidate,
		Clock:                time.Now,
	}
	for _, f := range opts {
		f(&o)
	}
	copts := []cache.Option{
		cache.WithClock(o.Clock),
		cache.WithMaxAge(o.MaxAge),
		cache.WithStaleWhileRevalidate(o.StaleWhileRevalidate),
	}
	sopts := []scheduler.Option{
		scheduler.WithWindow(o.BatchWindow),
		scheduler.WithConcurrency(o.Concurrency),
	}
	if o.ManualFlush {
		sopts = append(sopts, scheduler.WithManualFlush())
	}
	if o.Schema != nil {
		copts = append(copts, cache.WithIdentity(o.Schema))
		sopts = append(sopts, scheduler.WithSchema(o.Schema))
	}
	c := &Client{
		opts:     o,
		cache:    cache.New(copts...),
		registry: registry.New(),
		subs:     make(map[registry.ID]*Subscriber),
	}
	c.exec = fetch.NewExecutor(t, c.cache, c.registry)
	c.sched = scheduler.New(c.exec, sopts...)
	return c
}

func (c *Client) Cache() *cache.Cache          { return c.cache }
func (c *Client) Registry() *registry.Registry { return c.registry }
func (c *Client) Schema() *schema.Schema       { return c.opts.Schema }

// Flush closes the open batch window immediately.
func (c *Client) Flush() { c.sched.Flush() }

// Types resolves field types from the schema; nil without one.
func (c *Client) Types() selection.TypeResolver {
	if c.opts.Schema == nil {
		return nil
	}
	return c.opts.Schema
}

// QueryRoot, MutationRoot and SubscriptionRoot start selection paths.
func (c *Client) QueryRoot() *selection.Selection {
	return selection.NewRoot(selection.Query, c.Types())
}
func (c *Client) MutationRoot() *selection.Selection {
	return selection.NewRoot(selection.Mutation, c.Types())
}
func (c *Client) SubscriptionRoot() *selection.Selection {
	return selection.NewRoot(selection.Subscription, c.Types())
}

// Write applies a local optimistic write and notifies affected
// subscribers.
func (c *Client) Write(typeName, id string, fields map[cache.FieldKey]any) []registry.ID {
	return c.notify(c.cache.Write(typeName, id, fields))
}

// Evict removes key from the cache and notifies its readers.
func (c *Client) Evict(key cache.Key) []registry.ID {
	return c.notify(c.cache.Evict(key))
}

// Hydrate loads a persisted snapshot and notifies affected subscribers.
func (c *Client) Hydrate(snap cache.Snapshot) []registry.ID {
	return c.notify(c.cache.Hydrate(snap, 0))
}

func (c *Client) notify(changes cache.ChangeSet) []registry.ID {
	if len(changes) == 0 {
		return nil
	}
	ids := c.registry.Notify(changes)
	eventbus.Publish(context.Background(), events.Notify{Changed: len(changes), Subscribers: len(ids)})
	return ids
}

// Collect evicts entries past their stale-while-revalidate window that no
// subscriber currently reads.
func (c *Client) Collect() []cache.Key {
	removed := c.cache.Collect(0, c.registry.Referenced)
	eventbus.Publish(context.Background(), events.CacheCollect{Evicted: len(removed), Remaining: c.cache.Len()})
	return removed
}

// Close closes every subscriber, fails undispatched requests and waits for
// in-flight batches.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	c.sched.Close()
	c.exec.Close()
}

func (c *Client) fetchOptions(p policy.FetchPolicy, retry *fetch.RetryOptions, maxAge *time.Duration) fetch.Options {
	fo := fetch.Options{Retry: c.opts.Retry, NoCache: !p.Shared(), MaxAge: maxAge}
	if retry != nil {
		fo.Retry = *retry
	}
	return fo
}
