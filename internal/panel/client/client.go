// Package client implements the panel-side per-node façade: the
// single owner of one node's ConnectionPool, CircuitBreakers, UserUpdate
// queue, and RecoveryState, wiring every outbound RPC through auth
// metadata, a per-operation-class deadline, the matching circuit breaker,
// and the retry/recovery engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/panel/breaker"
	"github.com/kelex-io/fleetd/internal/panel/pool"
	"github.com/kelex-io/fleetd/internal/panel/recovery"
	"github.com/kelex-io/fleetd/internal/wire"
)

// Status is the administrative status a NodeClient reports about its
// node. "degraded" marks a client whose startup probe failed but which is
// still registered and retrying.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Per-operation-class deadlines.
const (
	deadlineFast       = 15 * time.Second
	deadlineSlow       = 60 * time.Second
	deadlineStream     = 30 * time.Second
	deadlinePortAction = 20 * time.Second
)

func deadlineFor(method string) time.Duration {
	switch method {
	case "FetchBackends", "FetchUsersStats", "FetchBackendConfig", "GetBackendStats", "GetAllBackendsStats", "GetHostSystemMetrics", "Ping":
		return deadlineFast
	case "RestartBackend", "GetContainerLogs", "GetContainerFiles", "RestartContainer":
		return deadlineSlow
	case "OpenHostPort", "CloseHostPort":
		return deadlinePortAction
	default:
		return deadlineStream
	}
}

// classFor maps an RPC method to its circuit-breaker operation class.
func classFor(method string) string {
	switch method {
	case "SyncUsers", "RepopulateUsers":
		return "user_sync"
	case "FetchUsersStats":
		return "user_stats"
	case "StreamBackendLogs":
		return "logs_streaming"
	case "GetHostSystemMetrics", "StreamPeakEvents", "FetchPeakEvents":
		return "system_monitoring"
	default:
		return "backend_operations"
	}
}

// monitorInterval paces the monitor loop; the health-check loop uses the
// pool's configured interval instead.
const monitorInterval = 10 * time.Second

// criticalBreakerOpenWindow is how long a breaker must stay OPEN before
// the monitor loop downgrades the node to unhealthy.
const criticalBreakerOpenWindow = 2 * time.Minute

// Health-check failure escalation thresholds: first failure is only
// logged, up to healthFailureRefreshPool the pool is restarted, up to
// healthFailureFullRecovery a full recovery runs, past that the node is
// marked unhealthy.
const (
	healthFailureLogOnly      = 1
	healthFailureRefreshPool  = 3
	healthFailureFullRecovery = 5
)

// UserSource supplies the authoritative user list for a node's
// RepopulateUsers call during Sync. User/service persistence lives in the
// admin layer; a concrete implementation is injected here.
type UserSource interface {
	ListUsersForNode(ctx context.Context, node string) ([]wire.UserUpdate, error)
}

// Config assembles everything a Client needs to own its node: the auth
// token, TLS material, and the tuning for its pool and breakers. New
// assembles but never dials; Start does.
type Config struct {
	Node    string
	Addr    string
	TLS     pool.TLSConfig
	Pool    config.PoolConfig
	Breaker breaker.ClassConfig
	Token   string

	UserSource UserSource
	Registerer prometheus.Registerer
	Log        *slog.Logger
}

// Client is the panel-side per-node façade.
type Client struct {
	node string
	pool *pool.Pool

	breakers *breaker.Manager
	retry    *recovery.Retry
	fallback *recovery.FallbackCache
	state    *recovery.State

	token      string
	userSource UserSource
	log        *slog.Logger
	tracer     trace.Tracer

	statusMu  sync.RWMutex
	status    Status
	statusMsg string
	synced    atomic.Bool

	queue chan wire.UserUpdate

	lastBackends atomic.Pointer[[]wire.Backend]

	breakerOpenSince   map[string]time.Time
	healthFailureCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Client for one node. It does not start the pool or any
// background task; call Start for that.
func New(cfg Config) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	// A fresh instance id per construction separates one client
	// generation's log lines from its replacement's after a Reconnect.
	instanceID := uuid.NewString()
	return &Client{
		node:             cfg.Node,
		pool:             pool.New(cfg.Node, cfg.Addr, cfg.TLS, cfg.Pool, log),
		breakers:         breaker.NewManager(cfg.Node, cfg.Breaker, cfg.Registerer, log),
		retry:            recovery.NewRetry(recovery.DefaultPolicy()),
		fallback:         recovery.NewFallbackCache(nil),
		state:            recovery.NewState(),
		token:            cfg.Token,
		userSource:       cfg.UserSource,
		log:              log.With(slog.String("node", cfg.Node), slog.String("client_id", instanceID)),
		tracer:           otel.Tracer("fleetd/panel/client"),
		status:           StatusUnhealthy,
		statusMsg:        "not started",
		queue:            make(chan wire.UserUpdate, 1),
		breakerOpenSince: make(map[string]time.Time),
		stopCh:           make(chan struct{}),
	}
}

// Status reports the node's current administrative status and message.
func (c *Client) Status() (Status, string) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status, c.statusMsg
}

func (c *Client) setStatus(s Status, msg string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if c.status != s || c.statusMsg != msg {
		c.log.Info("node status changed", slog.String("status", string(s)), slog.String("message", msg))
	}
	c.status = s
	c.statusMsg = msg
}

// Synced reports whether the last full reconciliation (RepopulateUsers)
// succeeded.
func (c *Client) Synced() bool { return c.synced.Load() }

// Start initializes the pool, probes reachability, and launches the
// monitor, health-check, and streaming cooperative tasks.
func (c *Client) Start(ctx context.Context) error {
	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("client: start pool for node %s: %w", c.node, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, deadlineFast)
	defer cancel()
	if _, err := c.invoke(probeCtx, "FetchBackends", func(ctx context.Context, nc wire.NodeServiceClient) (any, error) {
		return nc.FetchBackends(ctx, &wire.Empty{})
	}); err != nil {
		c.setStatus(StatusDegraded, fmt.Sprintf("probe failed: %v", err))
	} else {
		c.setStatus(StatusHealthy, "")
	}

	c.wg.Add(3)
	go c.monitorLoop(ctx)
	go c.healthLoop(ctx)
	go c.streamingWorker(ctx)
	return nil
}

// fallbackValueFor returns a fresh response value for the read-only
// methods whose last good result is worth remembering, or nil for methods
// that must never serve stale data (mutations, streams).
func fallbackValueFor(method string) any {
	switch method {
	case "FetchBackends":
		return &wire.FetchBackendsResponse{}
	case "FetchUsersStats":
		return &wire.FetchUsersStatsResponse{}
	case "GetAllBackendsStats":
		return &wire.GetAllBackendsStatsResponse{}
	case "GetHostSystemMetrics":
		return &wire.HostMetrics{}
	default:
		return nil
	}
}

// invoke wraps one outbound RPC with auth metadata, a per-class deadline, a
// tracing span, the matching circuit breaker, and the retry/recovery
// engine, feeding the outcome back into the component's RecoveryState.
// Read-only results are remembered in the fallback cache; when a later
// call fails with a fallback-strategy error, the cached value is served
// instead of the failure.
func (c *Client) invoke(ctx context.Context, method string, fn func(ctx context.Context, nc wire.NodeServiceClient) (any, error)) (any, error) {
	ctx, span := c.tracer.Start(ctx, "fleetd.node."+method,
		trace.WithAttributes(attribute.String("node_id", c.node), attribute.String("operation_class", classFor(method))))
	defer span.End()

	ctx = wire.WithBearerToken(ctx, c.token)
	ctx, cancel := context.WithTimeout(ctx, deadlineFor(method))
	defer cancel()

	br := c.breakers.For(classFor(method))
	errCtx := recovery.ErrorContext{NodeID: c.node, Operation: method}

	var result any
	retryErr := c.retry.Execute(ctx, errCtx, func(ctx context.Context) error {
		err := br.Execute(ctx, func(ctx context.Context) error {
			nc, release, err := c.pool.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			r, err := fn(ctx, nc)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		// br.Execute returns ErrOpen/ErrHalfOpenSaturated itself when it
		// rejects the call before fn ever runs; convert those into a
		// StructuredError here so Classify (via errors.As) treats the
		// rejection as non-retryable on the very first attempt instead of
		// burning the retry budget against a breaker that is still open.
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrHalfOpenSaturated) {
			return recovery.NewCircuitBreakerError(err, errCtx)
		}
		return err
	})

	if retryErr != nil {
		span.SetStatus(codes.Error, retryErr.Error())
		c.state.RecordFailure(retryErr)
		if out := fallbackValueFor(method); out != nil {
			var se *recovery.StructuredError
			if errors.As(retryErr, &se) && se.HasStrategy(recovery.StrategyFallback) {
				// The RPC deadline is typically already exhausted here.
				if ok, _ := c.fallback.Recall(context.WithoutCancel(ctx), method, []any{c.node}, out); ok {
					c.log.Warn("serving fallback-cached result", slog.String("method", method), slog.Any("error", retryErr))
					return out, nil
				}
			}
		}
		return nil, retryErr
	}
	c.state.RecordSuccess()
	if fallbackValueFor(method) != nil {
		c.fallback.Remember(ctx, method, []any{c.node}, result)
	}
	return result, nil
}

// EnqueueUserUpdate pushes one UserUpdate onto the single-slot queue,
// blocking the caller until the slot is free or ctx is done. A slow node
// backpressures admin mutations here.
func (c *Client) EnqueueUserUpdate(ctx context.Context, u wire.UserUpdate) error {
	select {
	case c.queue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("client: node %s is stopped", c.node)
	}
}

// Sync fetches the node's backends and, if a UserSource is configured,
// drives a full RepopulateUsers reconciliation, then marks the client
// synced.
func (c *Client) Sync(ctx context.Context) error {
	res, err := c.invoke(ctx, "FetchBackends", func(ctx context.Context, nc wire.NodeServiceClient) (any, error) {
		return nc.FetchBackends(ctx, &wire.Empty{})
	})
	if err != nil {
		return fmt.Errorf("client: fetch backends for node %s: %w", c.node, err)
	}
	if resp, ok := res.(*wire.FetchBackendsResponse); ok {
		backends := resp.Backends
		c.lastBackends.Store(&backends)
	}

	if c.userSource != nil {
		users, err := c.userSource.ListUsersForNode(ctx, c.node)
		if err != nil {
			return fmt.Errorf("client: list users for node %s: %w", c.node, err)
		}
		if _, err := c.invoke(ctx, "RepopulateUsers", func(ctx context.Context, nc wire.NodeServiceClient) (any, error) {
			return nc.RepopulateUsers(ctx, &wire.RepopulateUsersRequest{Users: users})
		}); err != nil {
			return fmt.Errorf("client: repopulate users for node %s: %w", c.node, err)
		}
	}

	c.synced.Store(true)
	return nil
}

// LastBackends returns the most recently fetched backend list, for
// observability; nil before the first successful Sync.
func (c *Client) LastBackends() []wire.Backend {
	p := c.lastBackends.Load()
	if p == nil {
		return nil
	}
	return *p
}

// monitorLoop inspects breaker state every monitorInterval, triggers a
// Sync when the client isn't synced, and downgrades the node to unhealthy
// when a breaker has been OPEN too long.
func (c *Client) monitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.synced.Load() {
				syncCtx, cancel := context.WithTimeout(ctx, deadlineSlow)
				if err := c.Sync(syncCtx); err != nil {
					c.log.Warn("monitor: sync failed", slog.Any("error", err))
				}
				cancel()
			}

			now := time.Now()
			for class, st := range c.breakers.Snapshot() {
				if st != breaker.Open {
					delete(c.breakerOpenSince, class)
					continue
				}
				since, tracked := c.breakerOpenSince[class]
				if !tracked {
					c.breakerOpenSince[class] = now
					continue
				}
				if now.Sub(since) > criticalBreakerOpenWindow {
					c.setStatus(StatusUnhealthy, fmt.Sprintf("breaker %s open since %s", class, since.Format(time.RFC3339)))
				}
			}
		}
	}
}

// healthLoop pings the node every health-check interval, escalating
// through the progressive failure thresholds above.
func (c *Client) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.poolHealthCheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, deadlineFast)
			_, err := c.invoke(pingCtx, "Ping", func(ctx context.Context, nc wire.NodeServiceClient) (any, error) {
				return nc.Ping(ctx, &wire.Empty{})
			})
			cancel()

			if err == nil {
				c.healthFailureCount = 0
				continue
			}

			c.healthFailureCount++
			switch {
			case c.healthFailureCount <= healthFailureLogOnly:
				c.log.Warn("health check failed", slog.Any("error", err))
			case c.healthFailureCount <= healthFailureRefreshPool:
				c.log.Warn("health check failing repeatedly, refreshing pool", slog.Int("count", c.healthFailureCount))
				c.refreshPool(ctx)
			case c.healthFailureCount <= healthFailureFullRecovery:
				c.log.Warn("health check still failing, running full connection recovery", slog.Int("count", c.healthFailureCount))
				c.recoverConnection(ctx)
			default:
				c.setStatus(StatusUnhealthy, fmt.Sprintf("health check failed %d times", c.healthFailureCount))
				c.synced.Store(false)
			}
		}
	}
}

func (c *Client) poolHealthCheckInterval() time.Duration {
	// Mirrors the pool's own configured interval; a Client and its Pool
	// always share one cadence.
	if iv := c.pool.HealthCheckInterval(); iv > 0 {
		return iv
	}
	return time.Minute
}

// refreshPool restarts the connection pool in place, picking up any
// rotated certificate material since dial() re-reads TLS files every
// time.
func (c *Client) refreshPool(ctx context.Context) {
	c.pool.Stop(5 * time.Second)
	if err := c.pool.Start(ctx); err != nil {
		c.log.Error("refresh pool failed", slog.Any("error", err))
	}
}

// recoverConnection performs a full reconnection attempt: refresh the pool
// and reset every breaker so a recovering node isn't kept artificially OPEN
// by failures accumulated before the outage.
func (c *Client) recoverConnection(ctx context.Context) {
	if !c.state.ShouldAttemptRecovery() {
		return
	}
	c.state.RecordRecoveryAttempt()
	c.refreshPool(ctx)
	c.breakers.ResetAll()
	c.state.ResetRecoveryAttempts()
}

// streamingWorker opens SyncUsers and relays queued UserUpdates one by
// one, reopening the stream on failure. The single worker is what keeps
// per-node update order.
func (c *Client) streamingWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		nc, release, err := c.pool.Acquire(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		streamCtx := wire.WithBearerToken(ctx, c.token)
		stream, err := nc.SyncUsers(streamCtx)
		if err != nil {
			release()
			c.log.Warn("streaming worker: open SyncUsers failed", slog.Any("error", err))
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		c.drainQueue(stream)
		release()
	}
}

// drainQueue relays queued updates onto an open stream until it errors or
// the client is stopped.
func (c *Client) drainQueue(stream wire.NodeService_SyncUsersClient) {
	for {
		select {
		case <-c.stopCh:
			_, _ = stream.CloseAndRecv()
			return
		case u := <-c.queue:
			if err := stream.Send(&u); err != nil {
				c.log.Warn("streaming worker: send failed, reopening stream", slog.Any("error", err))
				return
			}
		}
	}
}

// Stop cancels the three cooperative tasks, resets breakers, and stops the
// pool.
func (c *Client) Stop(ctx context.Context) {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.breakers.ResetAll()
	c.pool.Stop(15 * time.Second)
	c.setStatus(StatusUnhealthy, "shutdown")
}
