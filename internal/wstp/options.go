package wstp

import (
	"net/http"
	"time"
)

// Options configures the websocket transport.
//
// Defaults:
// - HandshakeTimeout: 10s
// - AckTimeout:       10s
// - Buffer:           16 payloads per subscription
type Options struct {
	URL    string
	Header http.Header
	// InitPayload is sent with connection_init, typically auth parameters.
	InitPayload map[string]any

	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	Buffer           int
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Header:           http.Header{},
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		Buffer:           16,
	}
}

func WithURL(url string) Option                   { return func(o *Options) { o.URL = url } }
func WithInitPayload(p map[string]any) Option     { return func(o *Options) { o.InitPayload = p } }
func WithHandshakeTimeout(d time.Duration) Option { return func(o *Options) { o.HandshakeTimeout = d } }
func WithAckTimeout(d time.Duration) Option       { return func(o *Options) { o.AckTimeout = d } }
func WithHeader(key, value string) Option {
	return func(o *Options) { o.Header.Add(key, value) }
}
