// Package wstp carries GraphQL operations, subscriptions in particular, over
// a single multiplexed websocket using the graphql-transport-ws protocol.
package wstp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanpama/graphcache/internal/fetch"
	reqid "github.com/hanpama/graphcache/internal/reqid"
)

var errStop = errors.New("wstp: stop")

// Transport implements fetch.Transport and fetch.Streamer. The connection
// is dialed on first use and redialed after it drops.
type Transport struct {
	opts *Options

	mu     sync.Mutex
	conn   *conn
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	return &Transport{opts: o}
}

var (
	_ fetch.Transport = (*Transport)(nil)
	_ fetch.Streamer  = (*Transport)(nil)
)

// Send runs op and returns its first payload.
func (t *Transport) Send(ctx context.Context, op *fetch.Operation) (*fetch.Response, error) {
	var first *fetch.Response
	err := t.Stream(ctx, op, func(r *fetch.Response) error {
		first = r
		return errStop
	})
	if errors.Is(err, errStop) {
		return first, nil
	}
	if err == nil {
		return nil, &fetch.ProtocolError{Message: "completed without payload"}
	}
	return nil, err
}

// Stream subscribes to op and calls emit for every "next" payload until the
// server completes, emit fails, or ctx is done.
func (t *Transport) Stream(ctx context.Context, op *fetch.Operation, emit func(*fetch.Response) error) error {
	c, err := t.connect(ctx)
	if err != nil {
		return err
	}
	id := op.ID
	if id == "" {
		id = reqid.New()
	}
	sub, err := c.register(id, t.opts.Buffer)
	if err != nil {
		return err
	}
	defer c.unregister(id, sub)

	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("wstp: encode operation: %w", err)
	}
	if err := c.write(Message{ID: id, Type: TypeSubscribe, Payload: payload}); err != nil {
		return &fetch.TransportError{Err: err}
	}
	// handle reports done once m ends the stream.
	handle := func(m Message) (done bool, err error) {
		switch m.Type {
		case TypeNext:
			var resp fetch.Response
			if err := json.Unmarshal(m.Payload, &resp); err != nil {
				return true, &fetch.ProtocolError{Message: "decode payload: " + err.Error(), Body: string(m.Payload)}
			}
			if err := emit(&resp); err != nil {
				_ = c.write(Message{ID: id, Type: TypeComplete})
				return true, err
			}
			return false, nil
		case TypeError:
			var errs []fetch.FieldError
			_ = json.Unmarshal(m.Payload, &errs)
			pe := &fetch.ProtocolError{Message: "subscription error", Body: string(m.Payload), Errors: errs}
			if len(errs) > 0 {
				pe.Message = errs[0].Message
			}
			return true, pe
		case TypeComplete:
			return true, nil
		}
		return false, nil
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.write(Message{ID: id, Type: TypeComplete})
			return ctx.Err()
		case m := <-sub.ch:
			if done, err := handle(m); done {
				return err
			}
		case <-c.done:
			// Messages read before the connection went away still count.
			for {
				select {
				case m := <-sub.ch:
					if done, err := handle(m); done {
						return err
					}
				default:
					return &fetch.TransportError{Err: c.cause()}
				}
			}
		}
	}
}

func (t *Transport) connect(ctx context.Context) (*conn, error) {
	if t.closed.Load() {
		return nil, fetch.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.isDone() {
		return t.conn, nil
	}
	c, err := dial(ctx, t.opts)
	if err != nil {
		return nil, err
	}
	t.conn = c
	return c, nil
}

// Close closes the connection; running streams end with a TransportError.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.close(fetch.ErrClosed)
	}
	return nil
}

// ---------------- internals ----------------

type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	mu   sync.Mutex
	subs map[string]*stream
	err  error
	done chan struct{}
}

type stream struct {
	ch   chan Message
	gone chan struct{}
}

func dial(ctx context.Context, o *Options) (*conn, error) {
	if o.URL == "" {
		return nil, fmt.Errorf("wstp: url not configured")
	}
	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: o.HandshakeTimeout,
	}
	ws, _, err := d.DialContext(ctx, o.URL, o.Header)
	if err != nil {
		return nil, &fetch.TransportError{Err: err}
	}
	c := &conn{ws: ws, subs: make(map[string]*stream), done: make(chan struct{})}
	if err := c.init(o); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) init(o *Options) error {
	var payload json.RawMessage
	if o.InitPayload != nil {
		b, err := json.Marshal(o.InitPayload)
		if err != nil {
			return fmt.Errorf("wstp: encode init payload: %w", err)
		}
		payload = b
	}
	if err := c.write(Message{Type: TypeConnectionInit, Payload: payload}); err != nil {
		return &fetch.TransportError{Err: err}
	}
	if o.AckTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(o.AckTimeout))
	}
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			return &fetch.TransportError{Err: fmt.Errorf("await connection_ack: %w", err)}
		}
		switch m.Type {
		case TypeConnectionAck:
			return c.ws.SetReadDeadline(time.Time{})
		case TypePing:
			if err := c.write(Message{Type: TypePong}); err != nil {
				return &fetch.TransportError{Err: err}
			}
		default:
			return &fetch.ProtocolError{Message: "unexpected " + m.Type + " before connection_ack"}
		}
	}
}

func (c *conn) write(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(m)
}

func (c *conn) readLoop() {
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			c.close(err)
			return
		}
		switch m.Type {
		case TypePing:
			if err := c.write(Message{Type: TypePong}); err != nil {
				c.close(err)
				return
			}
		case TypeNext, TypeError, TypeComplete:
			c.mu.Lock()
			sub := c.subs[m.ID]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			select {
			case sub.ch <- m:
			case <-sub.gone:
			case <-c.done:
				return
			}
		}
	}
}

func (c *conn) register(id string, buffer int) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, &fetch.TransportError{Err: c.err}
	}
	if _, dup := c.subs[id]; dup {
		return nil, fmt.Errorf("wstp: duplicate operation id %s", id)
	}
	sub := &stream{ch: make(chan Message, buffer), gone: make(chan struct{})}
	c.subs[id] = sub
	return sub, nil
}

func (c *conn) unregister(id string, sub *stream) {
	c.mu.Lock()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	close(sub.gone)
}

func (c *conn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close fails every registered stream with err.
func (c *conn) close(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.subs = make(map[string]*stream)
	close(c.done)
	c.mu.Unlock()
	_ = c.ws.Close()
}
