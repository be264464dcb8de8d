package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hanpama/graphcache/internal/client"
	"github.com/hanpama/graphcache/internal/config"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/httptp"
	"github.com/hanpama/graphcache/internal/logging"
	"github.com/hanpama/graphcache/internal/metrics"
	"github.com/hanpama/graphcache/internal/otel"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/wstp"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		glog.Flush()
		os.Exit(1)
	}
	glog.Flush()
}

// globals are the flags shared by every command. Non-empty values override
// the config file.
type globals struct {
	configPath   string
	endpoint     string
	websocket    string
	schemaPath   string
	policy       string
	headers      []string
	otelEndpoint string
	otelService  string
	metricsAddr  string
}

func run(args []string, stdout, stderr io.Writer) error {
	g := &globals{}
	root := &cobra.Command{
		Use:           "graphcache",
		Short:         "Normalized-cache GraphQL client tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&g.endpoint, "endpoint", "", "GraphQL HTTP endpoint")
	pf.StringVar(&g.websocket, "websocket", "", "GraphQL websocket endpoint for subscriptions")
	pf.StringVar(&g.schemaPath, "schema", "", "SDL file describing the endpoint")
	pf.StringVar(&g.policy, "policy", "", "Default fetch policy")
	pf.StringArrayVar(&g.headers, "header", nil, "Request header 'Name: value'. Repeatable")
	pf.StringVar(&g.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	pf.StringVar(&g.otelService, "otel.service", "", "OpenTelemetry service name")
	pf.StringVar(&g.metricsAddr, "metrics.addr", "", "Serve Prometheus metrics on this address")
	pf.AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newQueryCmd(g), newSchemaCmd(g), newSnapshotCmd())
	return root.Execute()
}

func (g *globals) config() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.endpoint != "" {
		cfg.Endpoint = g.endpoint
	}
	if g.websocket != "" {
		cfg.WebSocket = g.websocket
	}
	if g.schemaPath != "" {
		cfg.Schema = g.schemaPath
	}
	if g.policy != "" {
		cfg.Cache.Policy = g.policy
	}
	if g.otelEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = g.otelEndpoint
	}
	if g.otelService != "" {
		cfg.Telemetry.ServiceName = g.otelService
	}
	if g.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = g.metricsAddr
	}
	for _, h := range g.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return nil, nil
	}
	sdl, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	sch, err := schema.BuildFromSources(map[string]string{path: string(sdl)})
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return sch, nil
}

// session is a configured client with its telemetry.
type session struct {
	client   *client.Client
	closers  []func()
	shutdown func(context.Context) error
}

func (s *session) Close() {
	s.client.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	if s.shutdown != nil {
		_ = s.shutdown(context.Background())
	}
}

func newSession(cfg *config.Config) (*session, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("no endpoint configured (use --endpoint or the config file)")
	}
	sch, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}

	eventbus.Use(eventbus.New())
	s := &session{}
	s.closers = append(s.closers, logging.Subscribe())
	shutdown, err := otel.Setup(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	s.shutdown = shutdown
	if cfg.Telemetry.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.Telemetry.MetricsAddr)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, stop)
	}

	hopts := []httptp.Option{httptp.WithEndpoint(cfg.Endpoint), httptp.WithTimeout(cfg.Timeout)}
	for k, v := range cfg.Headers {
		hopts = append(hopts, httptp.WithHeader(k, v))
	}
	ht := httptp.New(hopts...)
	s.closers = append(s.closers, func() { _ = ht.Close() })
	var transport fetch.Transport = ht
	if cfg.WebSocket != "" {
		wopts := []wstp.Option{wstp.WithURL(cfg.WebSocket)}
		for k, v := range cfg.Headers {
			wopts = append(wopts, wstp.WithHeader(k, v))
		}
		ws := wstp.New(wopts...)
		s.closers = append(s.closers, func() { _ = ws.Close() })
		transport = fetch.Split(ht, ws)
	}

	copts := []client.Option{
		client.WithPolicy(cfg.Policy()),
		client.WithRetry(cfg.RetryOptions()),
		client.WithBatchWindow(cfg.Batch.Window),
		client.WithConcurrency(cfg.Batch.Concurrency),
		client.WithMaxAge(cfg.Cache.MaxAge),
		client.WithStaleWhileRevalidate(cfg.Cache.StaleWhileRevalidate),
	}
	if sch != nil {
		copts = append(copts, client.WithSchema(sch))
	}
	s.client = client.New(transport, copts...)
	glog.V(1).Infof("[cli] endpoint=%s policy=%s schema=%t", cfg.Endpoint, cfg.Policy(), sch != nil)
	return s, nil
}

func serveMetrics(addr string) (stop func(), err error) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	unsubscribe := m.Subscribe()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	glog.Infof("[cli] metrics on http://%s/metrics", ln.Addr())
	return func() {
		unsubscribe()
		_ = srv.Close()
	}, nil
}
