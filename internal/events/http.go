package events

import (
	"net/http"
	"time"
)

// HTTPClientStart is published by the HTTP transport right before a
// GraphQL POST leaves the process.
type HTTPClientStart struct {
	Request       *http.Request
	OperationName string
	Kind          string
}

// HTTPClientFinish follows every HTTPClientStart. Status is zero when no
// response arrived; Err then holds the transport failure.
type HTTPClientFinish struct {
	Request       *http.Request
	OperationName string
	Status        int
	Err           error
	Duration      time.Duration
}
