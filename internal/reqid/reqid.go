package reqid

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// key is the context key for the operation ID.
type key struct{}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh, lexically sortable ID.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewContext returns a copy of parent with a new operation ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := New()
	return context.WithValue(parent, key{}, id), id
}

// WithID stores id in ctx.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the operation ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(key{})
	id, ok := v.(string)
	return id, ok
}
