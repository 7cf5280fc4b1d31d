package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelex-io/fleetd/internal/config"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinSize:             2,
		MaxSize:             5,
		ConnectionLifetime:  time.Hour,
		IdleTimeout:         5 * time.Minute,
		AcquireTimeout:      50 * time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	p := New("node-1", "unused:0", TLSConfig{}, testPoolConfig(), nil)
	now := time.Now()
	for i := 0; i < n; i++ {
		p.conns = append(p.conns, &conn{createdAt: now, lastUsed: now, healthy: true})
	}
	return p
}

func TestPickLockedSkipsInUseAndUnhealthy(t *testing.T) {
	p := newTestPool(t, 0)
	p.conns = []*conn{
		{healthy: false},
		{healthy: true, inUse: true},
		{healthy: true, inUse: false},
	}
	c := p.pickLocked()
	require.NotNil(t, c)
	assert.Same(t, p.conns[2], c)
}

func TestPickLockedSkipsExpiredLifetime(t *testing.T) {
	p := newTestPool(t, 0)
	p.cfg.ConnectionLifetime = time.Millisecond
	p.conns = []*conn{{healthy: true, createdAt: time.Now().Add(-time.Hour)}}
	assert.Nil(t, p.pickLocked())
}

func TestEvictExpiredNeverDropsBelowMinSize(t *testing.T) {
	p := newTestPool(t, 2)
	p.cfg.MinSize = 2
	p.cfg.IdleTimeout = time.Millisecond
	for _, c := range p.conns {
		c.lastUsed = time.Now().Add(-time.Hour)
	}
	p.evictExpired()
	assert.GreaterOrEqual(t, p.Len(), p.cfg.MinSize)
}

func TestEvictExpiredSkipsInUse(t *testing.T) {
	p := newTestPool(t, 3)
	p.cfg.MinSize = 1
	p.cfg.IdleTimeout = time.Millisecond
	for _, c := range p.conns {
		c.lastUsed = time.Now().Add(-time.Hour)
	}
	p.conns[0].inUse = true
	p.evictExpired()
	assert.True(t, p.conns[0].inUse || len(p.conns) >= 1)
}

func TestReleaseMarksNotInUse(t *testing.T) {
	p := newTestPool(t, 1)
	c := p.conns[0]
	c.inUse = true
	p.release(c)
	assert.False(t, c.inUse)
}

func TestNormalizePEMIgnoresWhitespace(t *testing.T) {
	pem1 := []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")
	pem2 := []byte("-----BEGIN CERTIFICATE-----\r\nAAAA\r\n-----END CERTIFICATE-----\r\n")
	assert.Equal(t, normalizePEM(pem1), normalizePEM(pem2))
}

func TestRecordFailureTripsInstabilityCounter(t *testing.T) {
	p := newTestPool(t, 0)
	for i := 0; i < 3; i++ {
		p.recordFailure(assertError("connection refused"))
	}
	assert.Equal(t, int32(3), p.instabilityCount.Load())
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertError(msg string) error { return testErr(msg) }

// TestStopIsIdempotentAndRestartable exercises the stop-channel lifecycle
// refreshPool depends on: a Stop+Start cycle must hand the next generation
// of background loops a fresh, open channel rather than one left closed by
// the previous Stop, and calling Stop twice in a row must not panic on a
// double close.
func TestStopIsIdempotentAndRestartable(t *testing.T) {
	p := newTestPool(t, 0)

	p.stopMu.Lock()
	first := make(chan struct{})
	p.stopCh = first
	p.stopMu.Unlock()

	p.Stop(0)
	select {
	case <-first:
	default:
		t.Fatal("expected first generation's stop channel to be closed")
	}

	assert.NotPanics(t, func() { p.Stop(0) })

	p.stopMu.Lock()
	second := make(chan struct{})
	p.stopCh = second
	p.stopMu.Unlock()

	select {
	case <-second:
		t.Fatal("expected new generation's stop channel to start open")
	default:
	}
}
