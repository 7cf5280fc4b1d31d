//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/panel/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kelex-io/fleetd/internal/panel/store"
	"github.com/kelex-io/fleetd/internal/panel/tokens"
	"github.com/kelex-io/fleetd/internal/wire"
)

func setupDB(t *testing.T) (*store.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("fleetd_test"),
		tcpostgres.WithUsername("fleetd"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "get connection string")

	require.NoError(t, store.Migrate(connStr), "apply migrations")

	s, err := store.Open(ctx, connStr, 5, 5)
	require.NoError(t, err, "store.Open")

	cleanup := func() {
		s.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return s, cleanup
}

func TestTokenLifecycleAgainstRealDatabase(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	rec := tokens.Record{
		ID:        "01HZXAMPLE0000000000000001",
		NodeID:    "node-1",
		TokenHash: "deadbeef",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Millisecond),
		IsActive:  true,
	}
	require.NoError(t, s.InsertToken(ctx, rec))

	got, found, err := s.FindToken(ctx, "node-1", "deadbeef")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.NodeID, got.NodeID)
	require.True(t, got.IsActive)

	require.NoError(t, s.FlushUsage(ctx, map[string]tokens.UsageUpdate{
		rec.ID: {NodeID: "node-1", LastUsed: time.Now(), Count: 3},
	}))
	got, _, err = s.FindToken(ctx, "node-1", "deadbeef")
	require.NoError(t, err)
	require.EqualValues(t, 3, got.UsageCount)

	require.NoError(t, s.DeactivateToken(ctx, "node-1", "deadbeef"))
	got, _, err = s.FindToken(ctx, "node-1", "deadbeef")
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestFailedAttemptLockoutWindow(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordFailedAttempt(ctx, "node-2", now))
	}
	n, err := s.CountFailedAttempts(ctx, "node-2", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, s.ClearFailedAttempts(ctx, "node-2"))
	n, err = s.CountFailedAttempts(ctx, "node-2", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPeakEventUpsertDedupesOnConflictKey(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	ev := wire.PeakEvent{
		NodeID:      42,
		Category:    "cpu",
		Metric:      "load1",
		Level:       "WARN",
		Value:       0.92,
		Threshold:   0.85,
		DedupeKey:   "cpu:load1",
		StartedAtMs: time.Now().UnixMilli(),
		Seq:         1,
	}
	require.NoError(t, s.UpsertPeakEvent(ctx, ev))

	// Re-sending the same (node_id, dedupe_key, seq) with an updated level
	// must update in place, not duplicate.
	ev.Level = "CRITICAL"
	ev.Value = 0.99
	require.NoError(t, s.UpsertPeakEvent(ctx, ev))

	events, err := s.FetchPeakEvents(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "CRITICAL", events[0].Level)
	require.Equal(t, int64(42), events[0].NodeID)
}

func TestFetchPeakEventsFiltersByCategory(t *testing.T) {
	s, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UnixMilli()
	require.NoError(t, s.UpsertPeakEvent(ctx, wire.PeakEvent{
		NodeID: 7, Category: "cpu", Metric: "load1", Level: "WARN",
		DedupeKey: "cpu:1", StartedAtMs: base, Seq: 1,
	}))
	require.NoError(t, s.UpsertPeakEvent(ctx, wire.PeakEvent{
		NodeID: 7, Category: "memory", Metric: "rss", Level: "WARN",
		DedupeKey: "mem:1", StartedAtMs: base, Seq: 1,
	}))

	events, err := s.FetchPeakEvents(ctx, 0, "memory")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "memory", events[0].Category)
}
