package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/policy"
	"github.com/hanpama/graphcache/internal/registry"
	reqid "github.com/hanpama/graphcache/internal/reqid"
	"github.com/hanpama/graphcache/internal/scheduler"
	"github.com/hanpama/graphcache/internal/selection"
)

// ErrClosed is returned by a closed subscriber or client.
var ErrClosed = errors.New("client: closed")

// ResolveOptions tunes one Resolve call. Zero values fall back to the
// client defaults.
type ResolveOptions struct {
	Policy        policy.FetchPolicy
	Retry         *fetch.RetryOptions
	OperationName string
	MaxAge        *time.Duration
}

// Resolution is the value produced by Resolve.
type Resolution struct {
	// Data is keyed by response name; unresolvable fields are absent.
	Data map[string]any
	// Errors holds field errors by top-level response key.
	Errors    map[string][]fetch.FieldError
	Freshness cache.Freshness
	// FromCache is true when no blocking fetch was needed.
	FromCache bool
	Plan      *policy.Plan
	// Background is the revalidation started by this call, if any.
	Background *scheduler.Pending
}

// Update is delivered to a subscriber's callback after a change to data it
// read, or after a failed poll.
type Update struct {
	Data      map[string]any
	Changes   cache.ChangeSet
	Freshness cache.Freshness
	Err       error
}

// Subscriber is one consumer of cached data. Every Resolve replaces the set
// of fields it depends on; a change to any of them invokes its callback
// with a fresh read.
type Subscriber struct {
	id       registry.ID
	c        *Client
	onChange func(Update)

	mu   sync.Mutex
	tree *selection.Tree
	opts ResolveOptions
	// gen counts Resolve calls. Dependency sets computed for an older
	// generation are discarded.
	gen     uint64
	pending map[*scheduler.Pending]struct{}
	filling bool
	polls   []context.CancelFunc
	closed  bool
}

// Subscribe creates a subscriber. onChange may be nil.
func (c *Client) Subscribe(onChange func(Update)) *Subscriber {
	s := &Subscriber{
		id:       registry.ID(reqid.New()),
		c:        c,
		onChange: onChange,
		pending:  make(map[*scheduler.Pending]struct{}),
	}
	c.mu.Lock()
	if c.closed {
		s.closed = true
	} else {
		c.subs[s.id] = s
	}
	c.mu.Unlock()
	if !s.closed {
		c.registry.Watch(s.id, s.notify)
	}
	return s
}

func (s *Subscriber) ID() registry.ID { return s.id }

// Resolve reads sels under the resolved policy, fetching what the policy
// requires, and registers the fields it read as the subscriber's
// dependencies.
func (s *Subscriber) Resolve(ctx context.Context, sels []*selection.Selection, opts ResolveOptions) (*Resolution, error) {
	tree, err := selection.NewTree(sels...)
	if err != nil {
		return nil, err
	}
	if tree.Kind() != selection.Query {
		return nil, fmt.Errorf("client: cannot resolve %s selections", tree.Kind())
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.tree, s.opts = tree, opts
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	return s.c.resolve(ctx, s, gen, tree, opts)
}

// Refetch re-runs the last Resolve bypassing the cache for the read.
func (s *Subscriber) Refetch(ctx context.Context) (*Resolution, error) {
	s.mu.Lock()
	tree, opts, gen, closed := s.tree, s.opts, s.gen, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if tree == nil {
		return nil, fmt.Errorf("client: refetch before resolve")
	}
	if opts.Policy != policy.NoCache {
		opts.Policy = policy.NetworkOnly
	}
	return s.c.resolve(ctx, s, gen, tree, opts)
}

// Poll refetches every interval until the returned function is called or
// the subscriber closes. Changes arrive through the callback; failed polls
// are delivered as an Update with Err set. A non-positive interval polls
// nothing.
func (s *Subscriber) Poll(interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		cancel()
		return cancel
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return cancel
	}
	s.polls = append(s.polls, cancel)
	s.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			res, err := s.Refetch(ctx)
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			if s.onChange == nil {
				continue
			}
			s.mu.Lock()
			noCache := s.opts.Policy == policy.NoCache
			s.mu.Unlock()
			if err != nil {
				s.onChange(Update{Err: err})
			} else if noCache {
				s.onChange(Update{Data: res.Data, Freshness: res.Freshness})
			}
		}
	}()
	return cancel
}

// Close removes the subscriber's dependency edges, stops its polls and
// releases its undispatched requests. Requests already sent complete.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	polls := s.polls
	s.polls = nil
	pending := s.pending
	s.pending = make(map[*scheduler.Pending]struct{})
	s.mu.Unlock()

	s.c.registry.Remove(s.id)
	s.c.mu.Lock()
	delete(s.c.subs, s.id)
	s.c.mu.Unlock()
	for _, stop := range polls {
		stop()
	}
	for p := range pending {
		p.Release()
	}
}

func (s *Subscriber) track(p *scheduler.Pending) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Release()
		return
	}
	s.pending[p] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-p.Done()
		s.mu.Lock()
		delete(s.pending, p)
		s.mu.Unlock()
	}()
}

// notify is the registry callback: re-read, replace the dependency set and
// hand the new value to the consumer.
func (s *Subscriber) notify(changes cache.ChangeSet) {
	s.mu.Lock()
	tree, opts, gen, closed := s.tree, s.opts, s.gen, s.closed
	s.mu.Unlock()
	if closed || tree == nil {
		return
	}
	read := s.c.cache.Read(tree, 0)
	if !s.setDeps(gen, read.Deps) {
		return
	}
	if !read.Complete() {
		s.fill(read, opts)
	}
	if s.onChange != nil {
		s.onChange(Update{Data: read.Data, Changes: changes, Freshness: read.Freshness()})
	}
}

// setDeps replaces the dependency set unless a newer Resolve or Close
// happened since gen was taken. The check and the registry update are one
// step under s.mu so an older set can never overwrite a newer one.
func (s *Subscriber) setDeps(gen uint64, deps []cache.FieldRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen {
		return false
	}
	s.c.registry.Set(s.id, deps)
	return true
}

// fill fetches leaves that went missing after a change, such as fields of
// entities newly linked by a mutation. At most one fill runs at a time.
func (s *Subscriber) fill(read *cache.ReadResult, opts ResolveOptions) {
	p := s.c.policyOf(opts)
	if p == policy.CacheOnly {
		return
	}
	s.mu.Lock()
	if s.filling {
		s.mu.Unlock()
		return
	}
	s.filling = true
	s.mu.Unlock()
	pend := s.c.sched.Schedule(context.Background(), scheduler.Request{
		Kind:          selection.Query,
		Selections:    read.Missing,
		OperationName: opts.OperationName,
		Fetch:         s.c.fetchOptions(p, opts.Retry, opts.MaxAge),
	})
	s.track(pend)
	go func() {
		<-pend.Done()
		s.mu.Lock()
		s.filling = false
		s.mu.Unlock()
	}()
}

func (c *Client) policyOf(opts ResolveOptions) policy.FetchPolicy {
	if opts.Policy == "" {
		return c.opts.Policy
	}
	return opts.Policy
}

// resolve runs one resolution of tree. sub may be nil for one-shot reads,
// which register no dependencies. gen is the subscriber generation the
// call belongs to.
func (c *Client) resolve(ctx context.Context, sub *Subscriber, gen uint64, tree *selection.Tree, opts ResolveOptions) (*Resolution, error) {
	p := c.policyOf(opts)
	var read *cache.ReadResult
	if p.ReadsCache() {
		read = c.cache.Read(tree, 0)
	}
	plan := policy.Build(p, tree, read)
	res := &Resolution{Plan: plan, FromCache: plan.ServeFromCache(), Errors: map[string][]fetch.FieldError{}}
	fo := c.fetchOptions(p, opts.Retry, opts.MaxAge)

	if len(plan.Blocking) > 0 {
		pend := c.sched.Schedule(ctx, scheduler.Request{
			Kind:          selection.Query,
			Selections:    plan.Blocking,
			OperationName: opts.OperationName,
			Fetch:         fo,
		})
		if sub != nil {
			sub.track(pend)
		}
		fr, err := pend.Wait(ctx)
		if err != nil {
			return c.lastGood(sub, gen, tree, p, read, res), err
		}
		for _, root := range tree.Roots() {
			rk := root.Selection.ResponseKey()
			if errs := fr.ErrorsFor(rk); len(errs) > 0 {
				res.Errors[rk] = errs
			}
		}
		if fo.NoCache {
			read = fr.Cache.Read(tree, 0)
		} else {
			read = c.cache.Read(tree, 0)
		}
	}
	if read == nil {
		read = c.cache.Read(tree, 0)
	}
	if sub != nil {
		if p.Shared() {
			sub.setDeps(gen, read.Deps)
		} else {
			sub.setDeps(gen, nil)
		}
	}
	res.Data = read.Data
	res.Freshness = read.Freshness()

	if len(plan.Background) > 0 {
		res.Background = c.sched.Schedule(ctx, scheduler.Request{
			Kind:          selection.Query,
			Selections:    plan.Background,
			OperationName: opts.OperationName,
			Fetch:         fo,
		})
		if sub != nil {
			sub.track(res.Background)
		}
	}
	if p == policy.CacheOnly && !read.Complete() {
		return res, fmt.Errorf("client: %w: %s", cache.ErrCacheMiss, missingPaths(read))
	}
	return res, nil
}

func missingPaths(read *cache.ReadResult) string {
	paths := make([]string, 0, len(read.Missing))
	for _, m := range read.Missing {
		var parts []string
		for _, s := range m.Path() {
			if !s.IsRoot() {
				parts = append(parts, s.ResponseKey())
			}
		}
		paths = append(paths, strings.Join(parts, "."))
	}
	return strings.Join(paths, ", ")
}

// lastGood fills res from what the cache held when a blocking fetch failed,
// so callers keep the previous value next to the error. Shared policies keep
// watching those fields: a later successful fetch by anyone updates them.
func (c *Client) lastGood(sub *Subscriber, gen uint64, tree *selection.Tree, p policy.FetchPolicy, read *cache.ReadResult, res *Resolution) *Resolution {
	if read == nil && p.Shared() {
		read = c.cache.Read(tree, 0)
	}
	res.FromCache = false
	if read == nil {
		res.Freshness = cache.Missing
		return res
	}
	if sub != nil {
		sub.setDeps(gen, read.Deps)
	}
	res.Data = read.Data
	res.Freshness = read.Freshness()
	return res
}
