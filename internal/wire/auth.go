package wire

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataKeyAuthorization is the gRPC metadata key every non-health RPC
// must carry: "authorization: Bearer <token>".
const MetadataKeyAuthorization = "authorization"

// WithBearerToken returns a context carrying the authorization metadata
// entry for outgoing RPCs. Used by the panel-side node client.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyAuthorization, "Bearer "+token)
}

// BearerTokenFromContext extracts the raw token from incoming RPC metadata.
// It returns codes.Unauthenticated if the header is absent or malformed.
func BearerTokenFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing rpc metadata")
	}
	vals := md.Get(MetadataKeyAuthorization)
	if len(vals) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	const prefix = "Bearer "
	v := vals[0]
	if !strings.HasPrefix(v, prefix) || len(v) <= len(prefix) {
		return "", status.Error(codes.Unauthenticated, "malformed authorization metadata")
	}
	return strings.TrimPrefix(v, prefix), nil
}

// unauthenticatedMethods bypass token validation entirely. Only the health
// ping qualifies; every data method authenticates.
var unauthenticatedMethods = map[string]bool{
	fullMethod("Ping"): true,
}

// RequiresAuth reports whether fullMethodName requires bearer-token
// validation. fullMethodName is the value grpc.UnaryServerInfo.FullMethod /
// grpc.StreamServerInfo.FullMethod supplies to interceptors.
func RequiresAuth(fullMethodName string) bool {
	return !unauthenticatedMethods[fullMethodName]
}
