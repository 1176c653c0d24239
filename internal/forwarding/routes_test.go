package forwarding

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

func exerciseTable(t *testing.T, store RouteStore) {
	ctx := context.Background()
	rt := NewRoutingTable(store, nil)

	_, err := rt.Resolve(ctx, "CS09")
	assert.ErrorIs(t, err, ErrNoRoute)

	rt.SetDefault("uplink")
	hop, err := rt.Resolve(ctx, "CS09")
	require.NoError(t, err)
	assert.Equal(t, "uplink", hop)

	require.NoError(t, rt.Add(ctx, "CS01", "conn-a", 10))
	require.NoError(t, rt.Learn(ctx, "CS01", "conn-b"))
	hop, err = rt.Resolve(ctx, "CS01")
	require.NoError(t, err)
	assert.Equal(t, "conn-a", hop, "static route must not be overridden by learning")

	require.NoError(t, rt.Learn(ctx, "CS02", "conn-b"))
	require.NoError(t, rt.Learn(ctx, "CS03", "conn-b"))
	hop, err = rt.Resolve(ctx, "CS02")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", hop)

	routes, err := rt.List(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 3)
	assert.Equal(t, proto.NetworkingNodeID("CS01"), routes[0].Destination)

	require.NoError(t, rt.Forget(ctx, "conn-b"))
	hop, err = rt.Resolve(ctx, "CS02")
	require.NoError(t, err)
	assert.Equal(t, "uplink", hop)

	require.NoError(t, rt.Remove(ctx, "CS01"))
	rt.SetDefault("")
	_, err = rt.Resolve(ctx, "CS01")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestStaticRouteWinsRegardlessOfPriority(t *testing.T) {
	ctx := context.Background()
	rt := NewRoutingTable(NewMemoryStore(), nil)

	require.NoError(t, rt.Learn(ctx, "CS01", "conn-b"))
	require.NoError(t, rt.Add(ctx, "CS01", "conn-a", -5))
	require.NoError(t, rt.Learn(ctx, "CS01", "conn-c"))

	hop, err := rt.Resolve(ctx, "CS01")
	require.NoError(t, err)
	assert.Equal(t, "conn-a", hop)

	routes, err := rt.List(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.False(t, routes[0].Learned)
	assert.Equal(t, -5, routes[0].Priority)
}

func TestRoutingTableMemory(t *testing.T) {
	exerciseTable(t, NewMemoryStore())
}

func TestRoutingTableRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	store := NewRedisStore(client, "ocppnet-test-"+time.Now().Format("150405.000000"))
	defer store.purge(context.Background())
	exerciseTable(t, store)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakers(BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Hour}, nil)
	boom := errors.New("write failed")

	assert.ErrorIs(t, b.Do("uplink", func() error { return boom }), boom)
	assert.ErrorIs(t, b.Do("uplink", func() error { return boom }), boom)

	called := false
	err := b.Do("uplink", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrHopUnavailable)
	assert.False(t, called)

	assert.NoError(t, b.Do("other", func() error { return nil }))
	assert.Equal(t, map[string]string{"uplink": "open", "other": "closed"}, b.States())
}
