package wire_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kelex-io/fleetd/internal/wire"
)

func TestCodec_RoundTripsStructs(t *testing.T) {
	in := wire.UserUpdate{UserID: "u1", Username: "alice", Key: []byte("k"), Inbounds: []string{"a", "b"}}

	data, err := wire.Codec.Marshal(in)
	require.NoError(t, err)

	var out wire.UserUpdate
	require.NoError(t, wire.Codec.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCodec_Name(t *testing.T) {
	assert.Equal(t, "fleet-json", wire.Codec.Name())
}

func TestBearerToken_RoundTripsThroughContext(t *testing.T) {
	ctx := wire.WithBearerToken(context.Background(), "secret-token")

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	incoming := metadata.NewIncomingContext(context.Background(), md)

	token, err := wire.BearerTokenFromContext(incoming)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
}

func TestBearerTokenFromContext_MissingMetadata(t *testing.T) {
	_, err := wire.BearerTokenFromContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestBearerTokenFromContext_MalformedHeader(t *testing.T) {
	md := metadata.Pairs(wire.MetadataKeyAuthorization, "Basic abc123")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := wire.BearerTokenFromContext(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestRequiresAuth_PingBypassesEverythingElseDoesNot(t *testing.T) {
	assert.False(t, wire.RequiresAuth("/"+wire.ServiceName+"/Ping"))
	assert.True(t, wire.RequiresAuth("/"+wire.ServiceName+"/FetchBackends"))
	assert.True(t, wire.RequiresAuth("/"+wire.ServiceName+"/SyncUsers"))
}
