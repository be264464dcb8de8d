package cache

import (
	"errors"
	"fmt"
)

// ErrCacheMiss is returned when a read that may not touch the network finds
// missing data.
var ErrCacheMiss = errors.New("cache: miss")

// CacheConsistencyError reports a response that gives one normalized field
// two different values, which happens when an identity is shared by objects
// that are not the same. The failing merge commits nothing.
type CacheConsistencyError struct {
	Key    Key
	Field  FieldKey
	Reason string
}

func (e *CacheConsistencyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cache: inconsistent %s.%s: %s", e.Key, e.Field, e.Reason)
	}
	return fmt.Sprintf("cache: inconsistent %s: %s", e.Key, e.Reason)
}
