package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
)

func TestMetricsFromEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx := context.Background()
	eventbus.Publish(ctx, events.AttemptFinish{Attempt: 1, Err: errors.New("boom")})
	eventbus.Publish(ctx, events.Retry{Attempt: 1, Delay: time.Millisecond})
	eventbus.Publish(ctx, events.AttemptFinish{Attempt: 2})
	eventbus.Publish(ctx, events.BatchFinish{OperationType: "query", Attempts: 2, Duration: time.Millisecond})
	eventbus.Publish(ctx, events.BatchDropped{OperationType: "query", Requests: 1})

	v, err := CounterValue(m.BatchesTotal, "query", "ok")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	v, err = CounterValue(m.AttemptsTotal, "error")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	v, err = CounterValue(m.AttemptsTotal, "ok")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	v, err = CounterValue(m.DroppedTotal, "query")
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["graphcache_retries_total"])
	require.True(t, names["graphcache_batch_duration_seconds"])
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	require.Error(t, m.Register(reg))
}
