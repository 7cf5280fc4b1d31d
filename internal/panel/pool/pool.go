// Package pool implements the panel-side per-node gRPC connection pool:
// a multiplexed, health-checked set of channels dialed to one node, with
// TLS (optional certificate pinning), background health and cleanup
// loops, and bounded-wait drain on Stop.
package pool

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/wire"
)

// ErrAcquireTimeout is returned by Acquire when no connection becomes
// available within Config.AcquireTimeout.
type ErrAcquireTimeout struct{ Node string }

func (e *ErrAcquireTimeout) Error() string {
	return fmt.Sprintf("pool: acquire timeout for node %s", e.Node)
}

// TLSConfig carries the panel's client certificate material for dialing a
// node, plus an optional pinned server certificate. When a pin is set, the
// established peer cert must equal it byte-for-byte after PEM
// normalization.
type TLSConfig struct {
	ClientCertPath string
	ClientKeyPath  string
	CAPath         string
	ServerName     string
	// PinnedServerCertPEM is obtained from the panel's certificate store at
	// client construction. Empty disables pinning.
	PinnedServerCertPEM []byte
}

// conn wraps one pooled gRPC channel with its pool bookkeeping.
type conn struct {
	cc        *grpc.ClientConn
	client    wire.NodeServiceClient
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	healthy   bool
}

// Pool is a per-node cache of open, multiplexed gRPC channels.
type Pool struct {
	node   string
	addr   string
	tlsCfg TLSConfig
	cfg    config.PoolConfig
	log    *slog.Logger

	mu    sync.Mutex
	conns []*conn

	instabilityCount atomic.Int32

	// stopCh is recreated on every Start so a Stop+Start cycle (as
	// refreshPool performs) gets a fresh, open channel for the new
	// generation of background loops rather than one left permanently
	// closed by the previous Stop.
	stopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool for one node. It does not dial any connections;
// call Start to populate it to cfg.MinSize.
func New(node, addr string, tlsCfg TLSConfig, cfg config.PoolConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		node:   node,
		addr:   addr,
		tlsCfg: tlsCfg,
		cfg:    cfg,
		log:    log,
	}
	return p
}

// Start dials cfg.MinSize connections and launches the health and cleanup
// background loops against a freshly created stop channel, so a later
// Stop+Start cycle (refreshPool) gets a working generation of loops instead
// of one gated on a channel the previous Stop already closed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	for len(p.conns) < p.cfg.MinSize {
		c, err := p.dial(ctx)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pool: initial dial for node %s: %w", p.node, err)
		}
		p.conns = append(p.conns, c)
	}
	p.mu.Unlock()

	p.stopMu.Lock()
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.stopMu.Unlock()

	p.wg.Add(2)
	go p.healthLoop(stopCh)
	go p.cleanupLoop(stopCh)
	return nil
}

// acquirePollInterval is how often a blocked Acquire re-checks for a freed
// or newly dialable connection while waiting below cfg.AcquireTimeout.
const acquirePollInterval = 20 * time.Millisecond

// Acquire returns a healthy, not-in-use connection, creating one (up to
// cfg.MaxSize) if none is immediately available. It blocks up to
// cfg.AcquireTimeout, failing with ErrAcquireTimeout if none frees up in
// time.
func (p *Pool) Acquire(ctx context.Context) (wire.NodeServiceClient, func(), error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for {
		p.mu.Lock()
		if c := p.pickLocked(); c != nil {
			c.inUse = true
			c.lastUsed = time.Now()
			p.mu.Unlock()
			return c.client, func() { p.release(c) }, nil
		}
		canDial := len(p.conns) < p.cfg.MaxSize
		p.mu.Unlock()

		if canDial {
			c, err := p.dial(ctx)
			if err == nil {
				p.mu.Lock()
				c.inUse = true
				c.lastUsed = time.Now()
				p.conns = append(p.conns, c)
				p.mu.Unlock()
				return c.client, func() { p.release(c) }, nil
			}
			p.recordFailure(err)
		}

		if time.Now().After(deadline) {
			return nil, nil, &ErrAcquireTimeout{Node: p.node}
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// pickLocked returns the first healthy, not-in-use, not-expired connection;
// callers hold p.mu.
func (p *Pool) pickLocked() *conn {
	now := time.Now()
	for _, c := range p.conns {
		if c.inUse || !c.healthy {
			continue
		}
		if now.Sub(c.createdAt) >= p.cfg.ConnectionLifetime {
			continue
		}
		return c
	}
	return nil
}

func (p *Pool) release(c *conn) {
	p.mu.Lock()
	c.inUse = false
	c.lastUsed = time.Now()
	p.mu.Unlock()
}

// dial establishes one new gRPC channel with mTLS + pinning, wrapped in the
// wire package's JSON codec dial options.
func (p *Pool) dial(ctx context.Context) (*conn, error) {
	creds, err := p.buildCredentials()
	if err != nil {
		return nil, fmt.Errorf("build TLS credentials: %w", err)
	}

	opts := append(wire.DialOptions(), grpc.WithTransportCredentials(creds))
	cc, err := grpc.NewClient(p.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}

	if len(p.tlsCfg.PinnedServerCertPEM) > 0 {
		if err := p.verifyPin(ctx, cc); err != nil {
			_ = cc.Close()
			return nil, err
		}
	}

	now := time.Now()
	return &conn{
		cc:        cc,
		client:    wire.NewNodeServiceClient(cc),
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}, nil
}

// verifyPin performs a Ping RPC to force the handshake, captures the peer's
// TLS info via the grpc.Peer call option, and compares the leaf
// certificate against the configured pin byte-for-byte after PEM
// normalization.
func (p *Pool) verifyPin(ctx context.Context, cc *grpc.ClientConn) error {
	client := wire.NewNodeServiceClient(cc)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var pr peer.Peer
	if _, err := client.Ping(pingCtx, &wire.Empty{}, grpc.Peer(&pr)); err != nil {
		return fmt.Errorf("pin verification probe: %w", err)
	}

	tlsInfo, ok := pr.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return fmt.Errorf("pin verification: no peer certificate presented by node %s", p.node)
	}
	peerPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsInfo.State.PeerCertificates[0].Raw})

	if !bytes.Equal(normalizePEM(peerPEM), normalizePEM(p.tlsCfg.PinnedServerCertPEM)) {
		return fmt.Errorf("pin verification: peer certificate for node %s does not match pinned certificate", p.node)
	}
	return nil
}

func normalizePEM(b []byte) []byte {
	block, _ := pem.Decode(b)
	if block == nil {
		return bytes.TrimSpace(b)
	}
	return block.Bytes
}

// buildCredentials constructs strict mTLS credentials: TLS 1.2 minimum,
// certificate and hostname verification on, client cert presented.
func (p *Pool) buildCredentials() (credentials.TransportCredentials, error) {
	clientCert, err := tls.LoadX509KeyPair(p.tlsCfg.ClientCertPath, p.tlsCfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(p.tlsCfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert: no certificates found")
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}
	if p.tlsCfg.ServerName != "" {
		cfg.ServerName = p.tlsCfg.ServerName
	}
	return credentials.NewTLS(cfg), nil
}

// healthLoop pings idle connections every cfg.HealthCheckInterval, marking
// and closing failures.
func (p *Pool) healthLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.checkIdleConnections()
		}
	}
}

func (p *Pool) checkIdleConnections() {
	p.mu.Lock()
	var idle []*conn
	for _, c := range p.conns {
		if !c.inUse {
			idle = append(idle, c)
		}
	}
	p.mu.Unlock()

	for _, c := range idle {
		client := wire.NewNodeServiceClient(c.cc)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := client.Ping(ctx, &wire.Empty{})
		cancel()

		if err != nil {
			p.recordFailure(err)
			p.mu.Lock()
			c.healthy = false
			p.removeLocked(c)
			p.mu.Unlock()
			closeConn(c)
		}
	}
}

// cleanupLoop closes idle/expired connections every health-check interval,
// never dropping below cfg.MinSize.
func (p *Pool) cleanupLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.evictExpired()
		}
	}
}

func (p *Pool) evictExpired() {
	p.mu.Lock()
	now := time.Now()
	var toClose []*conn
	for _, c := range p.conns {
		if c.inUse {
			continue
		}
		if len(p.conns)-len(toClose) <= p.cfg.MinSize {
			break
		}
		expired := now.Sub(c.createdAt) >= p.cfg.ConnectionLifetime
		idle := now.Sub(c.lastUsed) >= p.cfg.IdleTimeout
		if expired || idle {
			toClose = append(toClose, c)
		}
	}
	for _, c := range toClose {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range toClose {
		closeConn(c)
	}
}

// closeConn closes a pooled channel, tolerating connections that were
// never dialed.
func closeConn(c *conn) {
	if c.cc != nil {
		_ = c.cc.Close()
	}
}

func (p *Pool) removeLocked(target *conn) {
	out := p.conns[:0]
	for _, c := range p.conns {
		if c != target {
			out = append(out, c)
		}
	}
	p.conns = out
}

// recordFailure increments the Docker-VPS instability counter and, when a
// failure's text matches a container-restart pattern, triggers a drain +
// rebuild after a short delay.
func (p *Pool) recordFailure(err error) {
	n := p.instabilityCount.Add(1)
	if n <= 3 {
		return
	}

	msg := strings.ToLower(err.Error())
	restartLike := strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network unreachable") ||
		strings.Contains(msg, "connection reset")
	if !restartLike {
		return
	}

	p.log.Warn("pool: container-restart pattern detected, scheduling rebuild",
		slog.String("node", p.node), slog.Int("instability_count", int(n)))
	go func() {
		time.Sleep(2 * time.Second)
		p.rebuild()
	}()
}

// rebuild drains all idle connections and resets the instability counter so
// the next Acquire dials fresh channels against (presumably) the
// now-restarted container.
func (p *Pool) rebuild() {
	p.mu.Lock()
	var idle []*conn
	for _, c := range p.conns {
		if !c.inUse {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		p.removeLocked(c)
	}
	p.instabilityCount.Store(0)
	p.mu.Unlock()

	for _, c := range idle {
		closeConn(c)
	}
}

// HealthCheckInterval exposes the pool's configured health-check cadence
// so the owning client can pace its own ping loop to match.
func (p *Pool) HealthCheckInterval() time.Duration { return p.cfg.HealthCheckInterval }

// Len returns the current pool size. At steady state it stays within
// [MinSize, MaxSize].
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Stop cancels the background loops, drains in-use connections (bounded
// wait), and closes every channel. Safe to call more than
// once, and safe to follow with another Start (refreshPool relies on this).
func (p *Pool) Stop(wait time.Duration) {
	p.stopMu.Lock()
	if p.stopCh != nil {
		select {
		case <-p.stopCh:
			// already closed by a previous Stop with no intervening Start
		default:
			close(p.stopCh)
		}
	}
	p.stopMu.Unlock()
	p.wg.Wait()

	deadline := time.Now().Add(wait)
	for {
		p.mu.Lock()
		anyInUse := false
		for _, c := range p.conns {
			if c.inUse {
				anyInUse = true
				break
			}
		}
		p.mu.Unlock()
		if !anyInUse || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		closeConn(c)
	}
}
