// Package auth validates the bearer token the panel presents on every
// authenticated RPC against the node's locally configured token hash.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kelex-io/fleetd/internal/wire"
)

// cacheTTL is how long a validated token stays cached before its hash is
// re-verified against the configured value.
const cacheTTL = 5 * time.Minute

// Validator checks bearer tokens against a single expected token hash.
// Every call hashes the presented token; hashes that validated successfully
// are cached, and a cached hash is accepted without comparing it against the
// expected hash again.
type Validator struct {
	expectedHash string
	cache        *expirable.LRU[string, struct{}]
}

// New constructs a Validator that accepts tokens whose sha256 hex digest
// equals expectedHash.
func New(expectedHash string) *Validator {
	return &Validator{
		expectedHash: expectedHash,
		cache:        expirable.NewLRU[string, struct{}](1024, nil, cacheTTL),
	}
}

// Authenticate extracts and validates the bearer token from ctx. It
// returns codes.Unauthenticated if the token is missing, malformed, or
// does not match.
func (v *Validator) Authenticate(ctx context.Context) error {
	token, err := wire.BearerTokenFromContext(ctx)
	if err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	if _, ok := v.cache.Get(hash); ok {
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(v.expectedHash)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}

	v.cache.Add(hash, struct{}{})
	return nil
}

// UnaryServerInterceptor enforces Authenticate on every unary RPC that
// wire.RequiresAuth reports as needing it; health pings pass through
// unauthenticated, every data method does not.
func (v *Validator) UnaryServerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if wire.RequiresAuth(info.FullMethod) {
		if err := v.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

// StreamServerInterceptor enforces Authenticate on every streaming RPC
// that wire.RequiresAuth reports as needing it.
func (v *Validator) StreamServerInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if wire.RequiresAuth(info.FullMethod) {
		if err := v.Authenticate(ss.Context()); err != nil {
			return err
		}
	}
	return handler(srv, ss)
}
