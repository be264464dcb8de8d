package fetch

import (
	"context"

	"github.com/hanpama/graphcache/internal/selection"
)

// Operation is one GraphQL request as handed to a Transport.
type Operation struct {
	// ID correlates events and logs of one batch.
	ID            string         `json:"-"`
	Kind          selection.Kind `json:"-"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	// Tree is the selection tree the document was built from. The response
	// is merged along it.
	Tree *selection.Tree `json:"-"`
}

// Response is the decoded GraphQL response body.
type Response struct {
	Data       map[string]any `json:"data"`
	Errors     []FieldError   `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Transport sends one operation and returns its response. Transports return
// *TransportError for connection failures and *ProtocolError for bad status
// codes or undecodable bodies.
type Transport interface {
	Send(ctx context.Context, op *Operation) (*Response, error)
}

// Streamer is implemented by transports that can carry subscriptions. emit
// is called once per payload; returning an error from it ends the stream.
type Streamer interface {
	Stream(ctx context.Context, op *Operation, emit func(*Response) error) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, op *Operation) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, op *Operation) (*Response, error) { return f(ctx, op) }

// Split sends operations through t and streams subscriptions through s.
func Split(t Transport, s Streamer) Transport { return split{t: t, s: s} }

type split struct {
	t Transport
	s Streamer
}

func (p split) Send(ctx context.Context, op *Operation) (*Response, error) { return p.t.Send(ctx, op) }
func (p split) Stream(ctx context.Context, op *Operation, emit func(*Response) error) error {
	return p.s.Stream(ctx, op, emit)
}
