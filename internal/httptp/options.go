package httptp

import (
	"net/http"
	"time"
)

// Options configures the HTTP transport behavior.
//
// Defaults:
// - Timeout:      30s (used only if the context has no deadline)
// - MaxBodyBytes: 8 MiB
// - Client:       a dedicated http.Client
//
// Provider must be set (use StaticEndpoints or a custom implementation).
type Options struct {
	Provider EndpointProvider

	Timeout      time.Duration
	MaxBodyBytes int64
	Header       http.Header

	Client *http.Client
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Timeout:      30 * time.Second,
		MaxBodyBytes: 8 << 20,
		Header:       http.Header{},
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithEndpoint(url string) Option         { return WithProvider(NewStaticEndpoints(url)) }
func WithTimeout(d time.Duration) Option     { return func(o *Options) { o.Timeout = d } }
func WithMaxBodyBytes(n int64) Option        { return func(o *Options) { o.MaxBodyBytes = n } }
func WithHTTPClient(c *http.Client) Option   { return func(o *Options) { o.Client = c } }
func WithHeader(key, value string) Option {
	return func(o *Options) { o.Header.Add(key, value) }
}
