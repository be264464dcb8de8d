package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	Use(b)
	defer Use(nil)

	var a, c []int
	unA := Subscribe(func(_ context.Context, e ping) { a = append(a, e.N) })
	unC := Subscribe(func(_ context.Context, e ping) { c = append(c, e.N) })
	var pongs int
	Subscribe(func(context.Context, pong) { pongs++ })

	Publish(context.Background(), ping{N: 1})
	unA()
	unA()
	Publish(context.Background(), ping{N: 2})
	unC()
	Publish(context.Background(), ping{N: 3})
	Publish(context.Background(), pong{})

	require.Equal(t, []int{1}, a)
	require.Equal(t, []int{1, 2}, c)
	require.Equal(t, 1, pongs)
}

func TestDisabledBus(t *testing.T) {
	Use(nil)
	called := false
	un := Subscribe(func(context.Context, ping) { called = true })
	un()
	Publish(context.Background(), ping{})
	require.False(t, called)
}
