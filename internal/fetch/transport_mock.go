package fetch

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// MockTransport implements Transport and Streamer. It returns pre-seeded
// responses in order while recording every operation for inspection.
type MockTransport struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	idx       int
	calls     []Operation
	// Handler, when set, answers every call instead of the queue.
	Handler func(ctx context.Context, op *Operation) (*Response, error)
}

// NewMockTransport creates a MockTransport that will return the provided
// responses in order for successive Send() invocations.
func NewMockTransport(responses ...*Response) *MockTransport {
	return &MockTransport{responses: append([]*Response(nil), responses...)}
}

// NewMockTransportWithErrors allows seeding per-call errors alongside responses.
// For call i, if errs[i] is non-nil, Send returns that error and ignores responses[i].
func NewMockTransportWithErrors(responses []*Response, errs []error) *MockTransport {
	return &MockTransport{
		responses: append([]*Response(nil), responses...),
		errs:      append([]error(nil), errs...),
	}
}

// NewMockHandler creates a MockTransport answering with fn.
func NewMockHandler(fn func(ctx context.Context, op *Operation) (*Response, error)) *MockTransport {
	return &MockTransport{Handler: fn}
}

// Send records the invocation and returns the next queued response.
// If responses are exhausted, it returns an error.
func (m *MockTransport) Send(ctx context.Context, op *Operation) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cloneOperation(op))
	h := m.Handler
	if h != nil {
		m.mu.Unlock()
		return h(ctx, op)
	}
	defer m.mu.Unlock()
	return m.next()
}

func (m *MockTransport) next() (*Response, error) {
	if m.idx >= len(m.responses) && m.idx >= len(m.errs) {
		return nil, fmt.Errorf("mock transport: no more responses")
	}
	i := m.idx
	m.idx++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return &Response{}, nil
}

// Stream emits every remaining queued response as one payload each.
func (m *MockTransport) Stream(ctx context.Context, op *Operation, emit func(*Response) error) error {
	m.mu.Lock()
	m.calls = append(m.calls, cloneOperation(op))
	m.mu.Unlock()
	for {
		m.mu.Lock()
		done := m.idx >= len(m.responses) && m.idx >= len(m.errs)
		var (
			resp *Response
			err  error
		)
		if !done {
			resp, err = m.next()
		}
		m.mu.Unlock()
		if done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(resp); err != nil {
			return err
		}
	}
}

// Calls returns a copy of the recorded operations.
func (m *MockTransport) Calls() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.calls...)
}

// CallCount returns the number of recorded calls.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func cloneOperation(op *Operation) Operation {
	if op == nil {
		return Operation{}
	}
	cp := *op
	cp.Variables = maps.Clone(op.Variables)
	return cp
}
