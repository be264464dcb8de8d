package httptp

import (
	"context"
	"errors"
	"sync"
)

// ErrNoEndpoints indicates the provider returned no endpoints.
var ErrNoEndpoints = errors.New("httptp: no endpoints available")

// EndpointProvider provides the GraphQL endpoint URLs an operation may be
// sent to. Implementations should be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context) ([]string, error)
}

// StaticEndpoints is a fixed list of endpoint URLs.
type StaticEndpoints struct {
	mu   sync.RWMutex
	urls []string
}

func NewStaticEndpoints(urls ...string) *StaticEndpoints {
	return &StaticEndpoints{urls: append([]string(nil), urls...)}
}

// Set replaces the endpoint list.
func (s *StaticEndpoints) Set(urls ...string) {
	s.mu.Lock()
	s.urls = append([]string(nil), urls...)
	s.mu.Unlock()
}

func (s *StaticEndpoints) Endpoints(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.urls) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), s.urls...), nil
}
