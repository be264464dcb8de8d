package events

// CacheMerge is emitted after a response has been committed to a cache.
type CacheMerge struct {
	OperationID string
	Shared      bool
	Changed     int
	Entries     int
	Err         error
}

// Notify is emitted after the registry delivered a change set.
type Notify struct {
	Changed     int
	Subscribers int
}

// CacheCollect is emitted after a garbage collection pass.
type CacheCollect struct {
	Evicted   int
	Remaining int
}
