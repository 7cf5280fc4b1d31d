package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kelex-io/fleetd/internal/node/backend"
	"github.com/kelex-io/fleetd/internal/node/service"
	"github.com/kelex-io/fleetd/internal/node/storage"
	"github.com/kelex-io/fleetd/internal/wire"
)

func testService(t *testing.T) *service.Service {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return service.New(store, nil, log)
}

func TestPing_AlwaysOk(t *testing.T) {
	s := testService(t)
	ack, err := s.Ping(context.Background(), &wire.Empty{})
	require.NoError(t, err)
	assert.True(t, ack.Ok)
}

// fakeSyncUsersServer feeds a fixed sequence of UserUpdates to SyncUsers,
// the way a real grpc.ServerStream would deliver them in arrival order.
type fakeSyncUsersServer struct {
	grpc.ServerStream
	ctx     context.Context
	updates []*wire.UserUpdate
	idx     int
	closed  *wire.Ack
}

func (f *fakeSyncUsersServer) Context() context.Context { return f.ctx }

func (f *fakeSyncUsersServer) Recv() (*wire.UserUpdate, error) {
	if f.idx >= len(f.updates) {
		return nil, io.EOF
	}
	u := f.updates[f.idx]
	f.idx++
	return u, nil
}

func (f *fakeSyncUsersServer) SendAndClose(ack *wire.Ack) error {
	f.closed = ack
	return nil
}

func TestSyncUsers_AppliesUpdatesInOrderAndClosesWithAck(t *testing.T) {
	s := testService(t)
	p := backend.New("main", "xray", "1.0", "/bin/xray", "/cfg")
	s.RegisterBackend(p)

	stream := &fakeSyncUsersServer{
		ctx: context.Background(),
		updates: []*wire.UserUpdate{
			{UserID: "u1", Username: "alice", Inbounds: []string{"vless-main"}},
			{UserID: "u1", Username: "alice", Inbounds: nil}, // revoke
		},
	}

	require.NoError(t, s.SyncUsers(stream))
	require.NotNil(t, stream.closed)
	assert.True(t, stream.closed.Ok)
	assert.Empty(t, p.Info().Inbounds, "second update should have revoked the only inbound")
}

func TestRepopulateUsers_ReconcilesBackendMembership(t *testing.T) {
	s := testService(t)
	p := backend.New("main", "xray", "1.0", "/bin/xray", "/cfg")
	s.RegisterBackend(p)

	_, err := s.RepopulateUsers(context.Background(), &wire.RepopulateUsersRequest{
		Users: []wire.UserUpdate{{UserID: "u1", Username: "alice", Inbounds: []string{"vless-main"}}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vless-main"}, p.Info().Inbounds)

	// Dropping u1 from the authoritative list must remove it everywhere.
	_, err = s.RepopulateUsers(context.Background(), &wire.RepopulateUsersRequest{Users: nil})
	require.NoError(t, err)
	assert.Empty(t, p.Info().Inbounds)
}

func TestFetchBackends_ListsRegisteredBackends(t *testing.T) {
	s := testService(t)
	s.RegisterBackend(backend.New("main", "xray", "1.0", "/bin/xray", "/cfg"))

	resp, err := s.FetchBackends(context.Background(), &wire.Empty{})
	require.NoError(t, err)
	require.Len(t, resp.Backends, 1)
	assert.Equal(t, "main", resp.Backends[0].Name)
}

func TestFetchUsersStats_SumsAcrossBackends(t *testing.T) {
	s := testService(t)
	a := backend.New("a", "xray", "1.0", "/bin/xray", "/cfg")
	b := backend.New("b", "xray", "1.0", "/bin/xray", "/cfg")
	a.AddUsage("u1", 100)
	b.AddUsage("u1", 50)
	s.RegisterBackend(a)
	s.RegisterBackend(b)

	resp, err := s.FetchUsersStats(context.Background(), &wire.Empty{})
	require.NoError(t, err)
	require.Len(t, resp.Stats, 1)
	assert.Equal(t, uint64(150), resp.Stats[0].UsageBytes)
}

func TestGetBackendStats_UnknownBackendIsNotFound(t *testing.T) {
	s := testService(t)
	_, err := s.GetBackendStats(context.Background(), &wire.GetBackendStatsRequest{Name: "missing"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestMutatePort_RejectsOutOfRangePort(t *testing.T) {
	s := testService(t)
	_, err := s.OpenHostPort(context.Background(), &wire.PortActionRequest{Port: 70000, Protocol: "tcp"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMutatePort_RejectsUnknownProtocol(t *testing.T) {
	s := testService(t)
	_, err := s.OpenHostPort(context.Background(), &wire.PortActionRequest{Port: 8443, Protocol: "icmp"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestOpenHostPort_AddsNFTRule(t *testing.T) {
	prev := service.ExecNFT
	var got []string
	service.ExecNFT = func(_ context.Context, args ...string) ([]byte, error) {
		got = args
		return nil, nil
	}
	t.Cleanup(func() { service.ExecNFT = prev })

	s := testService(t)
	resp, err := s.OpenHostPort(context.Background(), &wire.PortActionRequest{Port: 8443, Protocol: "tcp"})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, []string{
		"add", "rule", "inet", "filter", "input",
		"tcp", "dport", "8443", "accept",
		"comment", "fleetd:tcp:8443",
	}, got)
}

func TestCloseHostPort_DeletesRuleByHandle(t *testing.T) {
	prev := service.ExecNFT
	var calls [][]string
	service.ExecNFT = func(_ context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		if args[0] == "-a" {
			return []byte(`table inet filter {
	chain input {
		tcp dport 8443 accept comment "fleetd:tcp:8443" # handle 17
	}
}
`), nil
		}
		return nil, nil
	}
	t.Cleanup(func() { service.ExecNFT = prev })

	s := testService(t)
	resp, err := s.CloseHostPort(context.Background(), &wire.PortActionRequest{Port: 8443, Protocol: "tcp"})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"delete", "rule", "inet", "filter", "input", "handle", "17"}, calls[1])
}

func TestCloseHostPort_UnopenedPortIsANoop(t *testing.T) {
	prev := service.ExecNFT
	var calls [][]string
	service.ExecNFT = func(_ context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		return []byte(`table inet filter {
	chain input {
	}
}
`), nil
	}
	t.Cleanup(func() { service.ExecNFT = prev })

	s := testService(t)
	resp, err := s.CloseHostPort(context.Background(), &wire.PortActionRequest{Port: 9999, Protocol: "udp"})
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	require.Len(t, calls, 1, "no delete must be issued when no rule matches")
}

func TestMutatePort_MissingNFTBinaryIsUnavailable(t *testing.T) {
	prev := service.ExecNFT
	service.ExecNFT = func(context.Context, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "nft", Err: exec.ErrNotFound}
	}
	t.Cleanup(func() { service.ExecNFT = prev })

	s := testService(t)
	_, err := s.OpenHostPort(context.Background(), &wire.PortActionRequest{Port: 8443, Protocol: "tcp"})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestMutatePort_NFTFailureReportsNotOk(t *testing.T) {
	prev := service.ExecNFT
	service.ExecNFT = func(context.Context, ...string) ([]byte, error) {
		return []byte("Error: Could not process rule"), errors.New("exit status 1")
	}
	t.Cleanup(func() { service.ExecNFT = prev })

	s := testService(t)
	resp, err := s.OpenHostPort(context.Background(), &wire.PortActionRequest{Port: 8443, Protocol: "tcp"})
	require.NoError(t, err)
	assert.False(t, resp.Ok)
}

func TestGetContainerLogs_RequiresContainerName(t *testing.T) {
	s := testService(t)
	_, err := s.GetContainerLogs(context.Background(), &wire.ContainerLogsRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetContainerLogs_ReturnsTrailingLines(t *testing.T) {
	prev := service.ExecContainerLogs
	service.ExecContainerLogs = func(_ context.Context, container string, tail int32) ([]byte, error) {
		assert.Equal(t, "c1", container)
		assert.EqualValues(t, 5, tail)
		return []byte("line1\nline2\n"), nil
	}
	t.Cleanup(func() { service.ExecContainerLogs = prev })

	s := testService(t)
	resp, err := s.GetContainerLogs(context.Background(), &wire.ContainerLogsRequest{Container: "c1", Tail: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"line1", "line2"}, resp.Lines)
}

func TestGetContainerLogs_MissingContainerIsNotFound(t *testing.T) {
	prev := service.ExecContainerLogs
	service.ExecContainerLogs = func(context.Context, string, int32) ([]byte, error) {
		return []byte("Error: No such container: c1"), errors.New("exit status 1")
	}
	t.Cleanup(func() { service.ExecContainerLogs = prev })

	s := testService(t)
	_, err := s.GetContainerLogs(context.Background(), &wire.ContainerLogsRequest{Container: "c1"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGetContainerLogs_MissingDockerBinaryIsUnavailable(t *testing.T) {
	prev := service.ExecContainerLogs
	service.ExecContainerLogs = func(context.Context, string, int32) ([]byte, error) {
		return nil, &exec.Error{Name: "docker", Err: exec.ErrNotFound}
	}
	t.Cleanup(func() { service.ExecContainerLogs = prev })

	s := testService(t)
	_, err := s.GetContainerLogs(context.Background(), &wire.ContainerLogsRequest{Container: "c1"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGetContainerFiles_ListsDirectoryEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(dir+"/subdir", 0o755))
	require.NoError(t, os.WriteFile(dir+"/a.txt", []byte("hello"), 0o644))

	s := testService(t)
	resp, err := s.GetContainerFiles(context.Background(), &wire.ContainerFilesRequest{Path: dir})
	require.NoError(t, err)
	assert.Contains(t, resp.Entries, "subdir/")
	assert.Contains(t, resp.Entries, "a.txt\t5")
}

func TestGetContainerFiles_MissingPathReturnsEmpty(t *testing.T) {
	s := testService(t)
	resp, err := s.GetContainerFiles(context.Background(), &wire.ContainerFilesRequest{Path: "/does/not/exist"})
	require.NoError(t, err)
	assert.Empty(t, resp.Entries)
}

func TestRestartContainer_SignalsSelf(t *testing.T) {
	prev := service.SignalSelf
	var gotSig os.Signal
	service.SignalSelf = func(sig os.Signal) error {
		gotSig = sig
		return nil
	}
	t.Cleanup(func() { service.SignalSelf = prev })

	s := testService(t)
	ack, err := s.RestartContainer(context.Background(), &wire.RestartContainerRequest{Container: "c1"})
	require.NoError(t, err)
	assert.True(t, ack.Ok)
	assert.Equal(t, syscall.SIGTERM, gotSig)
}

func TestFetchBackendConfig_UnknownBackendIsNotFound(t *testing.T) {
	s := testService(t)
	_, err := s.FetchBackendConfig(context.Background(), &wire.FetchBackendConfigRequest{Name: "missing"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
