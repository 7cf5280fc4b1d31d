package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold:   3,
		ErrorRateThreshold: 0.5,
		MonitoringWindow:   time.Minute,
		RecoveryTimeout:    20 * time.Millisecond,
		HalfOpenMaxCalls:   2,
	}
}

var errBoom = errors.New("boom")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("node-1", "user_sync", testConfig(), nil, nil)

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, Closed, b.State())
	}

	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, Open, b.State())
}

func TestOpenRejectsImmediately(t *testing.T) {
	b := New("node-1", "user_sync", testConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	require.Equal(t, Open, b.State())

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "wrapped call must not execute while OPEN")
}

func TestHalfOpenAdmitsLimitedProbesThenCloses(t *testing.T) {
	cfg := testConfig()
	b := New("node-1", "user_sync", cfg, nil, nil)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	require.Equal(t, Open, b.State())

	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)

	for i := 0; i < cfg.HalfOpenMaxCalls; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return nil })
		assert.NoError(t, err)
	}
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New("node-1", "user_sync", cfg, nil, nil)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)

	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenSaturationRejects(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 1
	b := New("node-1", "user_sync", cfg, nil, nil)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	time.Sleep(cfg.RecoveryTimeout + 5*time.Millisecond)

	// Manually admit one half-open slot and hold it open to verify a second
	// concurrent attempt is rejected before the first completes.
	admitted, onDone, err := b.admit()
	require.NoError(t, err)
	require.True(t, admitted)

	_, _, err2 := b.admit()
	assert.ErrorIs(t, err2, ErrHalfOpenSaturated)

	onDone(admitted, true)
}

func TestErrorRateOpensWithoutConsecutiveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 4
	cfg.ErrorRateThreshold = 0.5
	b := New("node-1", "user_sync", cfg, nil, nil)

	// Interleave so consecutive-failure count never reaches 4, but the
	// rolling error rate (2/4 = 0.5) still crosses the threshold.
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, Open, b.State())
}

func TestResetClearsState(t *testing.T) {
	cfg := testConfig()
	b := New("node-1", "user_sync", cfg, nil, nil)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestManagerScopesBreakersPerClass(t *testing.T) {
	resolve := func(class string) Config { return testConfig() }
	m := NewManager("node-1", resolve, nil, nil)

	a := m.For("user_sync")
	b := m.For("user_sync")
	c := m.For("user_stats")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestManagerAnyOpen(t *testing.T) {
	resolve := func(class string) Config { return testConfig() }
	m := NewManager("node-1", resolve, nil, nil)
	b := m.For("user_sync")
	assert.False(t, m.AnyOpen())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	assert.True(t, m.AnyOpen())
}
