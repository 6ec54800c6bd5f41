// SPDX-License-Identifier: MIT

package relay_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/nostrium/orbit/database/kv"
	"github.com/nostrium/orbit/relay"
	"github.com/nostrium/orbit/relay/fixture"
)

func helperPool(t *testing.T, relays ...*fixture.Relay) (*relay.Pool, *kv.Store) {
	t.Helper()

	store, err := kv.Open(filepath.Join(t.TempDir(), "pool.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	pool, err := relay.New(context.Background(), fixture.NewConnector(relays...), store)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	return pool, store
}

func TestPoolMembership(t *testing.T) {
	t.Parallel()

	pool, store := helperPool(t, fixture.NewRelay("wss://one.example"), fixture.NewRelay("wss://two.example"))
	ctx := context.Background()

	require.NoError(t, pool.Add(ctx, "wss://one.example"))
	require.NoError(t, pool.Add(ctx, "wss://two.example"))
	require.Equal(t, []string{"wss://one.example", "wss://two.example"}, pool.Members())

	require.NoError(t, pool.Remove(ctx, "wss://one.example"))
	require.Equal(t, []string{"wss://two.example"}, pool.Members())

	// Membership survives a restart via the durable store.
	reopened, err := relay.New(ctx, fixture.NewConnector(), store)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })
	require.Equal(t, []string{"wss://two.example"}, reopened.Members())
}

func TestPoolLazyConnectAndHealth(t *testing.T) {
	t.Parallel()

	good := fixture.NewRelay("wss://good.example")
	bad := fixture.NewRelay("wss://bad.example")
	bad.FailConnectWith(errors.New("connection refused"))
	pool, _ := helperPool(t, good, bad)
	ctx := context.Background()

	require.NoError(t, pool.Add(ctx, "wss://good.example"))
	require.NoError(t, pool.Add(ctx, "wss://bad.example"))

	conn, err := pool.Conn(ctx, "wss://good.example")
	require.NoError(t, err)
	require.Equal(t, "wss://good.example", conn.URL())

	// Unreachable members stay members; the error belongs to the
	// operation, not the pool.
	_, err = pool.Conn(ctx, "wss://bad.example")
	require.Error(t, err)
	require.Contains(t, pool.Members(), "wss://bad.example")

	for _, health := range pool.HealthSnapshot() {
		switch health.URL {
		case "wss://good.example":
			require.True(t, health.Connected)
			require.Zero(t, health.ConsecutiveFailures)
		case "wss://bad.example":
			require.False(t, health.Connected)
			require.Equal(t, 1, health.ConsecutiveFailures)
		}
	}
}

func TestPoolConnForUnknownMember(t *testing.T) {
	t.Parallel()

	pool, _ := helperPool(t)
	_, err := pool.Conn(context.Background(), "wss://stranger.example")
	require.ErrorIs(t, err, relay.ErrNoMembers)
}

func TestPoolFailureThresholdDropsConnection(t *testing.T) {
	t.Parallel()

	r := fixture.NewRelay("wss://flaky.example")
	pool, _ := helperPool(t, r)
	ctx := context.Background()

	require.NoError(t, pool.Add(ctx, "wss://flaky.example"))
	_, err := pool.Conn(ctx, "wss://flaky.example")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pool.ReportFailure("wss://flaky.example")
	}
	for _, health := range pool.HealthSnapshot() {
		if health.URL == "wss://flaky.example" {
			require.False(t, health.Connected)
			require.Equal(t, 3, health.ConsecutiveFailures)
		}
	}
	require.NotContains(t, pool.Healthy(), "wss://flaky.example")

	pool.ReportSuccess("wss://flaky.example")
	require.Contains(t, pool.Healthy(), "wss://flaky.example")
	for _, health := range pool.HealthSnapshot() {
		if health.URL == "wss://flaky.example" {
			require.Zero(t, health.ConsecutiveFailures)
		}
	}
}
