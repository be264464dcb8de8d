// Package policy decides, per top-level query root, whether cached data is
// served, revalidated in the background, or replaced by a blocking fetch.
package policy

import (
	"fmt"
	"strings"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/selection"
)

// FetchPolicy names a cache-versus-network rule.
type FetchPolicy string

const (
	CacheFirst           FetchPolicy = "cache-first"
	CacheAndNetwork      FetchPolicy = "cache-and-network"
	NetworkOnly          FetchPolicy = "network-only"
	NoCache              FetchPolicy = "no-cache"
	StaleWhileRevalidate FetchPolicy = "stale-while-revalidate"
	CacheOnly            FetchPolicy = "cache-only"
)

// Default is the policy used when none is given.
const Default = StaleWhileRevalidate

// requestCacheAliases maps fetch RequestCache modes used by the legacy
// bindings onto policies.
var requestCacheAliases = map[string]FetchPolicy{
	"default":        StaleWhileRevalidate,
	"force-cache":    CacheFirst,
	"reload":         NetworkOnly,
	"no-store":       NoCache,
	"only-if-cached": CacheOnly,
}

// Parse resolves a policy name or RequestCache alias. The empty string is
// Default.
func Parse(name string) (FetchPolicy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Default, nil
	}
	switch p := FetchPolicy(n); p {
	case CacheFirst, CacheAndNetwork, NetworkOnly, NoCache, StaleWhileRevalidate, CacheOnly:
		return p, nil
	}
	if p, ok := requestCacheAliases[n]; ok {
		return p, nil
	}
	return "", fmt.Errorf("policy: unknown fetch policy %q", name)
}

// MustParse is Parse that panics on unknown names.
func MustParse(name string) FetchPolicy {
	p, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return p
}

// ReadsCache reports whether the policy consults cached data at all.
func (p FetchPolicy) ReadsCache() bool { return p != NetworkOnly && p != NoCache }

// Shared reports whether responses fetched under p are merged into the
// shared cache.
func (p FetchPolicy) Shared() bool { return p != NoCache }

// Fetch is the network action for one root.
type Fetch int

const (
	FetchNone Fetch = iota
	FetchBackground
	FetchBlocking
)

func (f Fetch) String() string {
	switch f {
	case FetchBackground:
		return "background"
	case FetchBlocking:
		return "blocking"
	default:
		return "none"
	}
}

// Decision is the outcome for one root.
type Decision struct {
	// UseCache is true when the cached value is returned to the caller.
	UseCache bool
	Fetch    Fetch
	// Threshold is the freshness from which leaves go to the network.
	Threshold cache.Freshness
}

// Decide applies p to a root whose worst leaf freshness is f.
func Decide(p FetchPolicy, f cache.Freshness) Decision {
	switch p {
	case CacheFirst:
		if f >= cache.Expired {
			return Decision{Fetch: FetchBlocking, Threshold: cache.Expired}
		}
		return Decision{UseCache: true}
	case CacheAndNetwork:
		if f == cache.Missing {
			return Decision{Fetch: FetchBlocking, Threshold: cache.Fresh}
		}
		return Decision{UseCache: true, Fetch: FetchBackground, Threshold: cache.Fresh}
	case NetworkOnly, NoCache:
		return Decision{Fetch: FetchBlocking, Threshold: cache.Fresh}
	case CacheOnly:
		return Decision{UseCache: true}
	default: // StaleWhileRevalidate
		switch f {
		case cache.Fresh:
			return Decision{UseCache: true}
		case cache.Stale:
			return Decision{UseCache: true, Fetch: FetchBackground, Threshold: cache.Stale}
		default:
			return Decision{Fetch: FetchBlocking, Threshold: cache.Stale}
		}
	}
}

// Plan is the resolution plan for one selection tree.
type Plan struct {
	Policy FetchPolicy
	Roots  map[string]Decision
	// Blocking are leaves the caller must wait for.
	Blocking []*selection.Selection
	// Background are leaves to revalidate after the cached value is served.
	Background []*selection.Selection
}

// ServeFromCache reports that no root needs a blocking fetch.
func (p *Plan) ServeFromCache() bool { return len(p.Blocking) == 0 }

// NeedsNetwork reports whether anything will be fetched.
func (p *Plan) NeedsNetwork() bool { return len(p.Blocking) > 0 || len(p.Background) > 0 }

// Build plans tree under p. read may be nil for policies that do not read
// the cache. Any stale or missing leaf of a root that is not served fresh
// goes to the network; fresh leaves under the same root stay cached unless
// the policy always fetches.
func Build(p FetchPolicy, tree *selection.Tree, read *cache.ReadResult) *Plan {
	plan := &Plan{Policy: p, Roots: make(map[string]Decision)}
	for _, root := range tree.Roots() {
		rk := root.Selection.ResponseKey()
		f := cache.Missing
		if read != nil && p.ReadsCache() {
			if rf, ok := read.Roots[rk]; ok {
				f = rf
			}
		}
		d := Decide(p, f)
		plan.Roots[rk] = d
		if d.Fetch == FetchNone {
			continue
		}
		for _, leaf := range tree.Subtree(root).Leaves() {
			lf := cache.Missing
			if read != nil && p.ReadsCache() {
				if v, ok := read.Leaves[leaf.Key()]; ok {
					lf = v
				}
			}
			if lf < d.Threshold {
				continue
			}
			if d.Fetch == FetchBlocking {
				plan.Blocking = append(plan.Blocking, leaf)
			} else {
				plan.Background = append(plan.Background, leaf)
			}
		}
	}
	return plan
}
