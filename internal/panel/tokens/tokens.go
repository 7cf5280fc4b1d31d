// Package tokens implements the panel-side node-auth token manager: it
// issues, validates, revokes, and cleans up the bearer tokens a node
// presents on every authenticated RPC. internal/node/auth is the
// node-side counterpart that checks the hash this package hands out.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
)

// defaultExpiry is how long a freshly generated token stays valid.
const defaultExpiry = 7 * 24 * time.Hour

// Token cache tuning.
const (
	cacheSize = 10_000
	cacheTTL  = 10 * time.Minute
)

// Lockout tuning.
const (
	lockoutThreshold = 5
	lockoutWindow    = 30 * time.Minute
)

// usageFlushInterval is how often batched usage updates are flushed to
// the Store. Within one interval, updates dedupe per token id.
const usageFlushInterval = 30 * time.Second

// Record is one node_tokens row. The raw token is never stored, only
// its hash.
type Record struct {
	ID         string
	NodeID     string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsActive   bool
	LastUsed   time.Time
	UsageCount int64
}

// Store is the persistence seam for node_tokens and
// failed_auth_attempts; internal/panel/store provides the pgx-backed
// implementation.
type Store interface {
	InsertToken(ctx context.Context, rec Record) error
	FindToken(ctx context.Context, nodeID, tokenHash string) (Record, bool, error)
	DeactivateToken(ctx context.Context, nodeID, tokenHash string) error
	DeactivateAllTokens(ctx context.Context, nodeID string) error
	FlushUsage(ctx context.Context, updates map[string]UsageUpdate) error
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)

	RecordFailedAttempt(ctx context.Context, nodeID string, at time.Time) error
	CountFailedAttempts(ctx context.Context, nodeID string, since time.Time) (int, error)
	ClearFailedAttempts(ctx context.Context, nodeID string) error
}

// UsageUpdate is one pending (last_used, usage_count delta) batched write,
// keyed by token id so duplicate validations in one flush window collapse
// into a single row update.
type UsageUpdate struct {
	NodeID   string
	LastUsed time.Time
	Count    int64
}

type cacheEntry struct {
	record Record
}

// Manager is the node-auth token manager. One Manager serves
// the whole panel process; it is the system of record the node-side
// Validator is validated against.
type Manager struct {
	store Store

	cache *expirable.LRU[string, cacheEntry]

	usageMu sync.Mutex
	pending map[string]UsageUpdate

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Manager over store and starts its background usage-flush
// loop. Call Close to stop it and flush any remaining pending updates.
func New(store Store) *Manager {
	m := &Manager{
		store:   store,
		cache:   expirable.NewLRU[string, cacheEntry](cacheSize, nil, cacheTTL),
		pending: make(map[string]UsageUpdate),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.usageFlushLoop()
	return m
}

// cacheKey mirrors the node-side validator's cache key shape, (sha256(token),
// node_id), so the two caches stay conceptually aligned even though
// they live in different processes and are never actually shared.
func cacheKey(nodeID, tokenHash string) string { return nodeID + ":" + tokenHash }

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Generate creates a cryptographically strong random URL-safe 32-byte
// token for nodeID, persists its hash, and returns the raw token. The
// raw value is never stored anywhere.
func (m *Manager) Generate(ctx context.Context, nodeID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("tokens: generate randomness: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now()
	rec := Record{
		ID:        ulid.Make().String(),
		NodeID:    nodeID,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(defaultExpiry),
		IsActive:  true,
	}
	if err := m.store.InsertToken(ctx, rec); err != nil {
		return "", fmt.Errorf("tokens: persist token for node %s: %w", nodeID, err)
	}
	return token, nil
}

// Validate reports whether token is currently valid for nodeID: active,
// unexpired, and the node is not locked out. Cache hits still
// re-check lockout, since a node can be locked out after a token was
// cached as valid.
func (m *Manager) Validate(ctx context.Context, nodeID, token string) (bool, error) {
	lockedOut, err := m.isLockedOut(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if lockedOut {
		return false, nil
	}

	hash := hashToken(token)
	key := cacheKey(nodeID, hash)

	if entry, ok := m.cache.Get(key); ok && time.Now().Before(entry.record.ExpiresAt) {
		m.scheduleUsage(nodeID, entry.record.ID)
		m.clearFailedAttempts(ctx, nodeID)
		return true, nil
	}

	rec, found, err := m.store.FindToken(ctx, nodeID, hash)
	if err != nil {
		return false, fmt.Errorf("tokens: lookup token for node %s: %w", nodeID, err)
	}
	if !found || !rec.IsActive || time.Now().After(rec.ExpiresAt) {
		m.recordFailedAttempt(ctx, nodeID)
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hash)) != 1 {
		m.recordFailedAttempt(ctx, nodeID)
		return false, nil
	}

	m.cache.Add(key, cacheEntry{record: rec})
	m.scheduleUsage(nodeID, rec.ID)
	m.clearFailedAttempts(ctx, nodeID)
	return true, nil
}

func (m *Manager) isLockedOut(ctx context.Context, nodeID string) (bool, error) {
	n, err := m.store.CountFailedAttempts(ctx, nodeID, time.Now().Add(-lockoutWindow))
	if err != nil {
		return false, fmt.Errorf("tokens: count failed attempts for node %s: %w", nodeID, err)
	}
	return n >= lockoutThreshold, nil
}

func (m *Manager) recordFailedAttempt(ctx context.Context, nodeID string) {
	_ = m.store.RecordFailedAttempt(ctx, nodeID, time.Now())
}

func (m *Manager) clearFailedAttempts(ctx context.Context, nodeID string) {
	_ = m.store.ClearFailedAttempts(ctx, nodeID)
}

// scheduleUsage queues a usage update for tokenID, deduplicated against any
// update already pending in this flush window.
func (m *Manager) scheduleUsage(nodeID, tokenID string) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	u := m.pending[tokenID]
	u.NodeID = nodeID
	u.LastUsed = time.Now()
	u.Count++
	m.pending[tokenID] = u
}

func (m *Manager) usageFlushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(usageFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			m.flushUsage(context.Background())
			return
		case <-ticker.C:
			m.flushUsage(context.Background())
		}
	}
}

func (m *Manager) flushUsage(ctx context.Context) {
	m.usageMu.Lock()
	if len(m.pending) == 0 {
		m.usageMu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]UsageUpdate)
	m.usageMu.Unlock()

	_ = m.store.FlushUsage(ctx, batch)
}

// Revoke deactivates token for nodeID and invalidates its cache entry.
func (m *Manager) Revoke(ctx context.Context, nodeID, token string) error {
	hash := hashToken(token)
	if err := m.store.DeactivateToken(ctx, nodeID, hash); err != nil {
		return fmt.Errorf("tokens: revoke token for node %s: %w", nodeID, err)
	}
	m.cache.Remove(cacheKey(nodeID, hash))
	return nil
}

// RevokeAll deactivates every token for nodeID and drops every cached entry
// keyed under that node. A cache hit in Validate trusts the cached record
// without re-checking the store, so a stale entry would otherwise keep
// validating successfully for up to cacheTTL after revocation.
func (m *Manager) RevokeAll(ctx context.Context, nodeID string) error {
	if err := m.store.DeactivateAllTokens(ctx, nodeID); err != nil {
		return fmt.Errorf("tokens: revoke-all for node %s: %w", nodeID, err)
	}
	prefix := nodeID + ":"
	for _, key := range m.cache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			m.cache.Remove(key)
		}
	}
	return nil
}

// Cleanup purges tokens that expired before cutoff, returning the count
// removed.
func (m *Manager) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := m.store.DeleteExpiredTokens(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tokens: cleanup expired tokens: %w", err)
	}
	return n, nil
}

// Close stops the usage-flush loop, flushing any pending updates first.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
