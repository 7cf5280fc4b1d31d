package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/panel/breaker"
	"github.com/kelex-io/fleetd/internal/panel/pool"
	"github.com/kelex-io/fleetd/internal/wire"
)

func testBreakerClass() breaker.ClassConfig {
	return func(string) breaker.Config {
		return breaker.Config{
			FailureThreshold:   3,
			ErrorRateThreshold: 0.5,
			MonitoringWindow:   time.Minute,
			RecoveryTimeout:    time.Second,
			HalfOpenMaxCalls:   1,
		}
	}
}

func testPoolCfg() config.PoolConfig {
	return config.PoolConfig{
		MinSize:             1,
		MaxSize:             2,
		ConnectionLifetime:  time.Hour,
		IdleTimeout:         time.Minute,
		AcquireTimeout:      50 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

func newTestClient() *Client {
	return New(Config{
		Node:    "node-1",
		Addr:    "127.0.0.1:0",
		TLS:     pool.TLSConfig{},
		Pool:    testPoolCfg(),
		Breaker: testBreakerClass(),
		Token:   "test-token",
	})
}

func TestDeadlineForKnownMethods(t *testing.T) {
	require.Equal(t, deadlineFast, deadlineFor("FetchBackends"))
	require.Equal(t, deadlineFast, deadlineFor("GetHostSystemMetrics"))
	require.Equal(t, deadlineSlow, deadlineFor("RestartContainer"))
	require.Equal(t, deadlinePortAction, deadlineFor("OpenHostPort"))
	require.Equal(t, deadlineStream, deadlineFor("SyncUsers"))
	require.Equal(t, deadlineStream, deadlineFor("RepopulateUsers"))
}

func TestClassForKnownMethods(t *testing.T) {
	require.Equal(t, "user_sync", classFor("SyncUsers"))
	require.Equal(t, "user_sync", classFor("RepopulateUsers"))
	require.Equal(t, "user_stats", classFor("FetchUsersStats"))
	require.Equal(t, "logs_streaming", classFor("StreamBackendLogs"))
	require.Equal(t, "system_monitoring", classFor("FetchPeakEvents"))
	require.Equal(t, "backend_operations", classFor("RestartBackend"))
}

// TestNewDoesNotDial verifies construction never touches the network: no
// pool goroutine has been started and the client reports unhealthy until
// Start runs.
func TestNewDoesNotDial(t *testing.T) {
	c := newTestClient()
	status, _ := c.Status()
	require.Equal(t, StatusUnhealthy, status)
	require.False(t, c.Synced())
}

// TestInvokeSurfacesBreakerOpenAsNonRetryable confirms the retry-outer,
// breaker-inner composition: once the breaker is OPEN, invoke returns after
// a single attempt instead of exhausting the retry budget, because the
// circuit-breaker error classifies as non-retryable.
func TestInvokeSurfacesBreakerOpenAsNonRetryable(t *testing.T) {
	c := newTestClient()
	br := c.breakers.For("backend_operations")

	// Trip the breaker directly by feeding it failures, without ever
	// touching the network.
	for i := 0; i < 3; i++ {
		_ = br.Execute(context.Background(), func(context.Context) error {
			return errTest
		})
	}
	require.Equal(t, breaker.Open, br.State())

	attempts := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.invoke(ctx, "RestartBackend", func(ctx context.Context, nc wire.NodeServiceClient) (any, error) {
		attempts++
		return nil, errTest
	})
	require.Error(t, err)
	require.Equal(t, 0, attempts, "breaker must reject before the wrapped call ever runs")
}

type testErrType string

func (e testErrType) Error() string { return string(e) }

const errTest = testErrType("boom")
