// Package registry implements the panel's process-wide node registry: a
// node_id → NodeClient map plus the user-update fan-out logic that turns
// a single admin mutation into one UserUpdate enqueue per affected node.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kelex-io/fleetd/internal/audit"
	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/panel/breaker"
	"github.com/kelex-io/fleetd/internal/panel/client"
	"github.com/kelex-io/fleetd/internal/panel/pool"
	"github.com/kelex-io/fleetd/internal/panel/tokens"
	"github.com/kelex-io/fleetd/internal/wire"
)

// Certificate is the client-side mTLS material required to dial a
// node. Paths, not raw bytes, mirror pool.TLSConfig: the pool
// re-reads these files on every dial so certificate rotation on disk is
// picked up without a registry restart.
type Certificate struct {
	ClientCertPath      string
	ClientKeyPath       string
	CAPath              string
	ServerName          string
	PinnedServerCertPEM []byte
}

func (c Certificate) validate() error {
	if c.ClientCertPath == "" || c.ClientKeyPath == "" || c.CAPath == "" {
		return fmt.Errorf("registry: certificate material incomplete")
	}
	return nil
}

// NodeSpec describes one node's identity and connection material, the
// input to Add/Reconnect.
type NodeSpec struct {
	ID   string
	Addr string
	Cert Certificate
}

// User is the minimal identity the fan-out operations need; full user
// persistence (services, keys, CRUD) is the admin layer's concern and out
// of scope here.
type User struct {
	ID       string
	Username string
	Key      []byte
}

var enqueueTimeout = 5 * time.Second

// fanoutQueueSize bounds the per-node dispatch queue (see nodeDispatcher):
// large enough that a momentarily slow node doesn't block the admin caller
// under normal fan-out volume, while still applying backpressure rather
// than reordering or silently dropping under sustained overload.
const fanoutQueueSize = 64

// nodeClient is the subset of *client.Client the registry depends on.
// Depending on this narrow interface rather than the concrete type keeps
// the registry testable without dialing real connections, and is the seam
// a future alternate client implementation would plug into.
type nodeClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	EnqueueUserUpdate(ctx context.Context, u wire.UserUpdate) error
	Status() (client.Status, string)
	Synced() bool
}

// newClient constructs the nodeClient for a NodeSpec; overridden in tests
// to avoid ever touching the network.
var newClient = func(cfg client.Config) nodeClient { return client.New(cfg) }

// Registry owns every active NodeClient for the process; it is the one
// structure that spans nodes.
type Registry struct {
	tokens     *tokens.Manager
	poolCfg    config.PoolConfig
	breakerCfg breaker.ClassConfig
	userSource client.UserSource
	reg        prometheus.Registerer
	log        *slog.Logger
	audit      *audit.Logger

	mu      sync.RWMutex
	clients map[string]nodeClient

	dispatchMu  sync.Mutex
	dispatchers map[string]*nodeDispatcher

	fanoutFailures atomic.Int64
}

// nodeDispatcher serializes every fan-out enqueue destined for one node
// through a single FIFO queue and a single worker goroutine, so that two
// FanOutUserUpdate/FanOutRemoveUser calls issued for the same node in quick
// succession cannot race each other's EnqueueUserUpdate call and reorder
// updates the panel enqueued in a definite order. Spawning one goroutine
// per enqueue call instead gives no such guarantee: goroutine scheduling
// order need not match call order.
type nodeDispatcher struct {
	queue  chan wire.UserUpdate
	stopCh chan struct{}
}

// Deps bundles the shared configuration every NodeClient the registry
// constructs needs.
type Deps struct {
	Tokens     *tokens.Manager
	PoolConfig config.PoolConfig
	Breaker    breaker.ClassConfig
	UserSource client.UserSource
	Registerer prometheus.Registerer
	Log        *slog.Logger

	// Audit, if non-nil, receives a tamper-evident entry for every
	// Add/Remove/Reconnect so an operator can reconstruct exactly which
	// node topology changes happened and when.
	Audit *audit.Logger
}

// New constructs an empty Registry.
func New(d Deps) *Registry {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		tokens:      d.Tokens,
		poolCfg:     d.PoolConfig,
		breakerCfg:  d.Breaker,
		audit:       d.Audit,
		userSource:  d.UserSource,
		reg:         d.Registerer,
		log:         log,
		clients:     make(map[string]nodeClient),
		dispatchers: make(map[string]*nodeDispatcher),
	}
}

// Get returns the client for nodeID, if one is registered.
func (r *Registry) Get(nodeID string) (nodeClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[nodeID]
	return c, ok
}

// Nodes returns the ids of every currently registered node.
func (r *Registry) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// FanoutFailures returns the running count of fan-out enqueue failures,
// for observability.
func (r *Registry) FanoutFailures() int64 { return r.fanoutFailures.Load() }

// Add constructs and starts a NodeClient for spec, replacing any existing
// client for the same id.
func (r *Registry) Add(ctx context.Context, spec NodeSpec) error {
	if err := spec.Cert.validate(); err != nil {
		return err
	}

	r.Remove(ctx, spec.ID)

	token, err := r.tokens.Generate(ctx, spec.ID)
	if err != nil {
		return fmt.Errorf("registry: issue token for node %s: %w", spec.ID, err)
	}

	c := newClient(client.Config{
		Node: spec.ID,
		Addr: spec.Addr,
		TLS: pool.TLSConfig{
			ClientCertPath:      spec.Cert.ClientCertPath,
			ClientKeyPath:       spec.Cert.ClientKeyPath,
			CAPath:              spec.Cert.CAPath,
			ServerName:          spec.Cert.ServerName,
			PinnedServerCertPEM: spec.Cert.PinnedServerCertPEM,
		},
		Pool:       r.poolCfg,
		Breaker:    r.breakerCfg,
		Token:      token,
		UserSource: r.userSource,
		Registerer: r.reg,
		Log:        r.log,
	})

	r.mu.Lock()
	r.clients[spec.ID] = c
	r.mu.Unlock()

	// A probe failure inside Start only ever downgrades the client's own
	// status; it is never fatal here. Only a pool construction
	// error (bad TLS material, exhausted dial budget) is.
	if err := c.Start(ctx); err != nil {
		r.Remove(ctx, spec.ID)
		return fmt.Errorf("registry: start client for node %s: %w", spec.ID, err)
	}
	r.recordAudit("node_add", spec.ID, map[string]string{"addr": spec.Addr})
	return nil
}

// Remove stops and discards the client for nodeID, if any.
func (r *Registry) Remove(ctx context.Context, nodeID string) {
	r.mu.Lock()
	c, ok := r.clients[nodeID]
	if ok {
		delete(r.clients, nodeID)
	}
	r.mu.Unlock()

	if ok {
		c.Stop(ctx)
		r.stopDispatcher(nodeID)
		r.recordAudit("node_remove", nodeID, nil)
	}
}

// stopDispatcher tears down nodeID's fan-out dispatcher, if one was ever
// created, so Add (after Remove, or via Reconnect) starts the next
// generation with a fresh queue rather than feeding updates to a worker
// bound to the just-stopped client.
func (r *Registry) stopDispatcher(nodeID string) {
	r.dispatchMu.Lock()
	d, ok := r.dispatchers[nodeID]
	if ok {
		delete(r.dispatchers, nodeID)
	}
	r.dispatchMu.Unlock()
	if ok {
		close(d.stopCh)
	}
}

// recordAudit appends a tamper-evident entry describing a node lifecycle
// event, if an audit.Logger is configured. Failures only log; a broken
// audit trail must never block node registration.
func (r *Registry) recordAudit(action, nodeID string, detail map[string]string) {
	if r.audit == nil {
		return
	}
	evt := audit.NodeEvent{Action: action, NodeID: nodeID, Detail: detail}
	if _, err := r.audit.Append(evt); err != nil {
		r.log.Warn("audit: append failed", slog.String("action", action), slog.Any("error", err))
	}
}

// Reconnect tears down and rebuilds a node's client with the latest
// certificate material.
func (r *Registry) Reconnect(ctx context.Context, spec NodeSpec) error {
	return r.Add(ctx, spec)
}

// FanOutUserUpdate computes per-node inbound sets from the union of a
// user's previous and new inbound assignments and enqueues one UserUpdate
// per affected node with an active client. Each
// enqueue is fire-and-forget: individual failures are logged and counted,
// never returned to the caller.
func (r *Registry) FanOutUserUpdate(ctx context.Context, user User, prevInboundsByNode, newInboundsByNode map[string][]string) {
	nodes := make(map[string]struct{}, len(prevInboundsByNode)+len(newInboundsByNode))
	for id := range prevInboundsByNode {
		nodes[id] = struct{}{}
	}
	for id := range newInboundsByNode {
		nodes[id] = struct{}{}
	}

	for nodeID := range nodes {
		tags := newInboundsByNode[nodeID] // nil/empty == removal
		r.enqueueAsync(nodeID, wire.UserUpdate{
			UserID:   user.ID,
			Username: user.Username,
			Key:      user.Key,
			Inbounds: tags,
		})
	}
}

// FanOutRemoveUser enqueues an empty-tag-set UserUpdate to every node the
// user was entitled to, removing them everywhere at once.
func (r *Registry) FanOutRemoveUser(ctx context.Context, user User, inboundsByNode map[string][]string) {
	for nodeID := range inboundsByNode {
		r.enqueueAsync(nodeID, wire.UserUpdate{
			UserID:   user.ID,
			Username: user.Username,
			Key:      user.Key,
			Inbounds: nil,
		})
	}
}

// enqueueAsync hands update to nodeID's dispatcher queue, blocking only
// while that queue is full, and never surfaces delivery failures; the
// dispatcher's single worker
// goroutine delivers queued updates to the client in the order they were
// queued here, which is what actually preserves per-node ordering across
// repeated fan-out calls.
func (r *Registry) enqueueAsync(nodeID string, update wire.UserUpdate) {
	if _, ok := r.Get(nodeID); !ok {
		return
	}
	d := r.dispatcherFor(nodeID)
	select {
	case d.queue <- update:
	case <-d.stopCh:
	}
}

// dispatcherFor returns nodeID's nodeDispatcher, creating and starting one
// on first use.
func (r *Registry) dispatcherFor(nodeID string) *nodeDispatcher {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	if d, ok := r.dispatchers[nodeID]; ok {
		return d
	}
	d := &nodeDispatcher{
		queue:  make(chan wire.UserUpdate, fanoutQueueSize),
		stopCh: make(chan struct{}),
	}
	r.dispatchers[nodeID] = d
	go r.runDispatcher(nodeID, d)
	return d
}

// runDispatcher drains d.queue in order, delivering each update to nodeID's
// current client. It exits when d.stopCh is closed (Remove).
func (r *Registry) runDispatcher(nodeID string, d *nodeDispatcher) {
	for {
		select {
		case <-d.stopCh:
			return
		case update := <-d.queue:
			c, ok := r.Get(nodeID)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
			err := c.EnqueueUserUpdate(ctx, update)
			cancel()
			if err != nil {
				r.fanoutFailures.Add(1)
				r.log.Warn("fan-out enqueue failed",
					slog.String("node", nodeID), slog.String("user", update.UserID), slog.Any("error", err))
			}
		}
	}
}
