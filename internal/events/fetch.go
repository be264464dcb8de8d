package events

import "time"

// BatchStart is emitted before a batch is sent to the transport.
type BatchStart struct {
	OperationID   string
	OperationName string
	OperationType string
	Fields        int
}

// BatchFinish is emitted once a batch has completed, after every attempt.
type BatchFinish struct {
	OperationID   string
	OperationName string
	OperationType string
	Attempts      int
	FieldErrors   int
	Err           error
	Duration      time.Duration
}

// AttemptStart is emitted before each transport call of a batch.
type AttemptStart struct {
	OperationID string
	Attempt     int
}

// AttemptFinish is emitted after each transport call of a batch.
type AttemptFinish struct {
	OperationID string
	Attempt     int
	Err         error
	Duration    time.Duration
}

// Retry is emitted when a failed attempt is going to be retried after Delay.
type Retry struct {
	OperationID string
	Attempt     int
	Delay       time.Duration
	Err         error
}

// BatchFlushed is emitted by the scheduler for every batch it hands off.
type BatchFlushed struct {
	OperationType string
	Requests      int
	Selections    int
	Deduplicated  int
}

// BatchDropped is emitted when every consumer of a batch released it before
// dispatch.
type BatchDropped struct {
	OperationType string
	Requests      int
}
