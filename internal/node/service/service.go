// Package service implements the node-side gRPC service: it
// wires together the local user Storage, the map of managed Backend
// processes, and the peak Monitor behind the wire.NodeServiceServer
// contract, translating every internal failure into the small set of
// gRPC status codes the contract promises. No internal error escapes a
// handler unwrapped.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kelex-io/fleetd/internal/node/backend"
	"github.com/kelex-io/fleetd/internal/node/peak"
	"github.com/kelex-io/fleetd/internal/node/storage"
	"github.com/kelex-io/fleetd/internal/wire"
)

// Service implements wire.NodeServiceServer.
type Service struct {
	wire.UnimplementedNodeServiceServer

	store   *storage.Store
	monitor *peak.Monitor
	logger  *slog.Logger

	mu       sync.RWMutex
	backends map[string]*backend.Process
}

// New constructs a Service backed by store, with no backends registered
// yet; call RegisterBackend for each configured back-end.
func New(store *storage.Store, monitor *peak.Monitor, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		monitor:  monitor,
		logger:   logger,
		backends: make(map[string]*backend.Process),
	}
}

// RegisterBackend adds p to the set of managed back-ends.
func (s *Service) RegisterBackend(p *backend.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[p.Name()] = p
}

func (s *Service) backendByName(name string) (*backend.Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.backends[name]
	return p, ok
}

// Ping is the unauthenticated health-check RPC.
func (s *Service) Ping(ctx context.Context, _ *wire.Empty) (*wire.Ack, error) {
	return &wire.Ack{Ok: true}, nil
}

// SyncUsers processes each streamed UserUpdate in arrival order, diffing
// it against local storage and driving Backend.AddUser/RemoveUser
// accordingly.
func (s *Service) SyncUsers(stream wire.NodeService_SyncUsersServer) error {
	for {
		update, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&wire.Ack{Ok: true})
		}
		if err != nil {
			return err
		}

		if err := s.applyUserUpdate(stream.Context(), update); err != nil {
			return err
		}
	}
}

func (s *Service) applyUserUpdate(ctx context.Context, u *wire.UserUpdate) error {
	added, removed, err := s.store.ApplyUpdate(ctx, u.UserID, u.Username, u.Key, u.Inbounds)
	if err != nil {
		return status.Errorf(codes.Internal, "apply user update: %v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tag := range added {
		if be, ok := s.findBackendForTag(tag); ok {
			be.AddUser(tag, u.UserID)
		}
	}
	for _, tag := range removed {
		if be, ok := s.findBackendForTag(tag); ok {
			be.RemoveUser(tag, u.UserID)
		}
	}
	return nil
}

// findBackendForTag returns the single backend that currently owns tag, if
// any; callers hold s.mu.
func (s *Service) findBackendForTag(tag string) (*backend.Process, bool) {
	for _, be := range s.backends {
		info := be.Info()
		for _, t := range info.Inbounds {
			if t == tag {
				return be, true
			}
		}
	}
	// Fall back to the only backend if there is exactly one: most
	// single-backend node deployments don't pre-register every tag.
	if len(s.backends) == 1 {
		for _, be := range s.backends {
			return be, true
		}
	}
	return nil, false
}

// RepopulateUsers atomically reconciles storage toward the full received
// list: any local user absent from it is removed.
func (s *Service) RepopulateUsers(ctx context.Context, req *wire.RepopulateUsersRequest) (*wire.Ack, error) {
	users := make([]storage.User, len(req.Users))
	for i, u := range req.Users {
		users[i] = storage.User{ID: u.UserID, Username: u.Username, Key: u.Key, Inbounds: u.Inbounds}
	}

	diffs, err := s.store.Repopulate(ctx, users)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "repopulate users: %v", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for userID, diff := range diffs {
		for _, tag := range diff.Added {
			if be, ok := s.findBackendForTag(tag); ok {
				be.AddUser(tag, userID)
			}
		}
		for _, tag := range diff.Removed {
			if be, ok := s.findBackendForTag(tag); ok {
				be.RemoveUser(tag, userID)
			}
		}
	}

	return &wire.Ack{Ok: true}, nil
}

// FetchBackends lists every managed backend.
func (s *Service) FetchBackends(ctx context.Context, _ *wire.Empty) (*wire.FetchBackendsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &wire.FetchBackendsResponse{}
	for _, be := range s.backends {
		resp.Backends = append(resp.Backends, be.Info())
	}
	return resp, nil
}

// FetchUsersStats sums per-user counters across all back-ends.
func (s *Service) FetchUsersStats(ctx context.Context, _ *wire.Empty) (*wire.FetchUsersStatsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[string]uint64)
	for _, be := range s.backends {
		for userID, n := range be.UsageSnapshot() {
			totals[userID] += n
		}
	}

	resp := &wire.FetchUsersStatsResponse{}
	for userID, n := range totals {
		resp.Stats = append(resp.Stats, wire.UserStat{UserID: userID, UsageBytes: n})
	}
	return resp, nil
}

// FetchBackendConfig reads the named backend's on-disk config file.
func (s *Service) FetchBackendConfig(ctx context.Context, req *wire.FetchBackendConfigRequest) (*wire.FetchBackendConfigResponse, error) {
	path, ok := s.configPathFor(req.Name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown backend %q", req.Name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read config: %v", err)
	}
	return &wire.FetchBackendConfigResponse{Config: string(data), Format: wire.ConfigFormatPlain}, nil
}

func (s *Service) configPathFor(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	be, ok := s.backends[name]
	if !ok {
		return "", false
	}
	return be.ConfigPath(), true
}

// RestartBackend writes the new config, starts a new process, and only
// terminates the old one if the start succeeded. On start failure the old
// process keeps running and the RPC fails with Internal.
func (s *Service) RestartBackend(ctx context.Context, req *wire.RestartBackendRequest) (*wire.Ack, error) {
	s.mu.RLock()
	be, ok := s.backends[req.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown backend %q", req.Name)
	}

	if err := os.WriteFile(be.ConfigPath(), []byte(req.Config), 0o644); err != nil {
		return nil, status.Errorf(codes.Internal, "write config: %v", err)
	}

	if err := be.Restart(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "restart backend %q: %v", req.Name, err)
	}

	return &wire.Ack{Ok: true}, nil
}

// GetBackendStats reports a single backend's liveness.
func (s *Service) GetBackendStats(ctx context.Context, req *wire.GetBackendStatsRequest) (*wire.BackendStats, error) {
	be, ok := s.backendByName(req.Name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown backend %q", req.Name)
	}
	return &wire.BackendStats{Running: be.Running()}, nil
}

// GetAllBackendsStats reports liveness for every managed backend.
func (s *Service) GetAllBackendsStats(ctx context.Context, _ *wire.Empty) (*wire.GetAllBackendsStatsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]wire.BackendStats, len(s.backends))
	for name, be := range s.backends {
		out[name] = wire.BackendStats{Running: be.Running()}
	}
	return &wire.GetAllBackendsStatsResponse{Backends: out}, nil
}

// StreamBackendLogs yields buffered lines (if requested) then tails live
// output until the client disconnects.
func (s *Service) StreamBackendLogs(req *wire.StreamBackendLogsRequest, stream wire.NodeService_StreamBackendLogsServer) error {
	be, ok := s.backendByName(req.Name)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown backend %q", req.Name)
	}

	if req.IncludeBuffer {
		for _, line := range be.BufferedLogLines() {
			if err := stream.Send(&wire.LogLine{Line: line, TimestampMs: time.Now().UnixMilli()}); err != nil {
				return err
			}
		}
	}

	ch := make(chan string, 64)
	cancel := be.Subscribe(ch)
	defer cancel()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-ch:
			if err := stream.Send(&wire.LogLine{Line: line, TimestampMs: time.Now().UnixMilli()}); err != nil {
				return err
			}
		}
	}
}

// GetHostSystemMetrics returns a point-in-time snapshot of host resource
// usage.
func (s *Service) GetHostSystemMetrics(ctx context.Context, _ *wire.Empty) (*wire.HostMetrics, error) {
	out := &wire.HostMetrics{SampledAtMs: time.Now().UnixMilli()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out.DiskPercent = du.UsedPercent
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		out.NetRxBytes = counters[0].BytesRecv
		out.NetTxBytes = counters[0].BytesSent
	}

	return out, nil
}

// ExecNFT runs the host's nft binary with args; a package variable so
// tests can stand in a fake without mutating real firewall state.
var ExecNFT = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nft", args...)
	return cmd.CombinedOutput()
}

// OpenHostPort and CloseHostPort are deliberately narrow firewall
// mutations: they shell out to nft (nftables), the tool the rest of this
// environment's container images ship with.
func (s *Service) OpenHostPort(ctx context.Context, req *wire.PortActionRequest) (*wire.PortActionResponse, error) {
	return s.mutatePort(ctx, req, true)
}

func (s *Service) CloseHostPort(ctx context.Context, req *wire.PortActionRequest) (*wire.PortActionResponse, error) {
	return s.mutatePort(ctx, req, false)
}

func (s *Service) mutatePort(ctx context.Context, req *wire.PortActionRequest, open bool) (*wire.PortActionResponse, error) {
	if req.Port <= 0 || req.Port > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid port %d", req.Port)
	}
	proto := strings.ToLower(req.Protocol)
	if proto != "tcp" && proto != "udp" {
		return nil, status.Errorf(codes.InvalidArgument, "invalid protocol %q", req.Protocol)
	}

	var err error
	if open {
		err = openPort(ctx, proto, req.Port)
	} else {
		err = closePort(ctx, proto, req.Port)
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, status.Error(codes.Unavailable, "nft not available on this node")
		}
		s.logger.Warn("host port action failed",
			"open", open, "port", req.Port, "protocol", proto, "error", err)
		return &wire.PortActionResponse{Ok: false, Message: "firewall mutation failed"}, nil
	}

	action := "opened"
	if !open {
		action = "closed"
	}
	s.logger.Info("host port action", "action", action, "port", req.Port, "protocol", proto)
	return &wire.PortActionResponse{Ok: true, Message: fmt.Sprintf("%s port %d/%s", action, req.Port, proto)}, nil
}

// portRuleComment tags the rules this service owns so closePort can find
// the matching handle again.
func portRuleComment(proto string, port int32) string {
	return fmt.Sprintf("fleetd:%s:%d", proto, port)
}

func openPort(ctx context.Context, proto string, port int32) error {
	out, err := ExecNFT(ctx, "add", "rule", "inet", "filter", "input",
		proto, "dport", strconv.Itoa(int(port)), "accept",
		"comment", portRuleComment(proto, port))
	if err != nil {
		return fmt.Errorf("nft add rule: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// closePort deletes the rule openPort added. nft has no delete-by-spec, so
// the rule is located by its comment in a handle-annotated chain listing
// and removed by handle. Closing a port that was never opened is a no-op.
func closePort(ctx context.Context, proto string, port int32) error {
	out, err := ExecNFT(ctx, "-a", "list", "chain", "inet", "filter", "input")
	if err != nil {
		return fmt.Errorf("nft list chain: %w: %s", err, strings.TrimSpace(string(out)))
	}
	handle, ok := findRuleHandle(string(out), portRuleComment(proto, port))
	if !ok {
		return nil
	}
	out, err = ExecNFT(ctx, "delete", "rule", "inet", "filter", "input", "handle", handle)
	if err != nil {
		return fmt.Errorf("nft delete rule: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// findRuleHandle scans nft -a list output for the rule carrying comment
// and returns the number from its trailing "# handle N" annotation.
func findRuleHandle(listing, comment string) (string, bool) {
	for _, line := range strings.Split(listing, "\n") {
		if !strings.Contains(line, `comment "`+comment+`"`) {
			continue
		}
		idx := strings.LastIndex(line, "# handle ")
		if idx < 0 {
			continue
		}
		return strings.TrimSpace(line[idx+len("# handle "):]), true
	}
	return "", false
}

// GetContainerLogs, GetContainerFiles, and RestartContainer are Docker-VPS
// adaptations: back-ends frequently run
// inside containers on these nodes, so the panel may need a narrow
// container-scoped view alongside the process-scoped backend operations.

// defaultLogTail is used when the caller does not set Tail.
const defaultLogTail = 100

// ExecContainerLogs runs the docker logs command; a package variable so
// tests can stand in a fake without depending on a real docker binary.
var ExecContainerLogs = func(ctx context.Context, container string, tail int32) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(int(tail)), container)
	return cmd.CombinedOutput()
}

// GetContainerLogs shells out to the host's docker CLI for the trailing
// lines of req.Container's log. A missing or unreachable docker binary is
// reported as UNAVAILABLE; docker's own "no such container" is NOT_FOUND.
func (s *Service) GetContainerLogs(ctx context.Context, req *wire.ContainerLogsRequest) (*wire.ContainerLogsResponse, error) {
	if req.Container == "" {
		return nil, status.Error(codes.InvalidArgument, "container name required")
	}
	tail := req.Tail
	if tail <= 0 {
		tail = defaultLogTail
	}

	out, err := ExecContainerLogs(ctx, req.Container, tail)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, "docker logs timed out")
		}
		if bytes.Contains(out, []byte("No such container")) {
			return nil, status.Errorf(codes.NotFound, "unknown container %q", req.Container)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, status.Error(codes.Unavailable, "docker CLI not available on this node")
		}
		return nil, status.Errorf(codes.Internal, "docker logs: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	return &wire.ContainerLogsResponse{Lines: lines}, nil
}

// GetContainerFiles lists the entries directly under req.Path, matching the
// node's own filesystem view (back-ends on these nodes run in the node's own
// container, so req.Path is resolved locally rather than via a separate
// docker-exec hop). Each entry is rendered "name/" for directories and
// "name\t<size bytes>" for files.
func (s *Service) GetContainerFiles(ctx context.Context, req *wire.ContainerFilesRequest) (*wire.ContainerFilesResponse, error) {
	path := req.Path
	if path == "" {
		path = "/app"
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &wire.ContainerFilesResponse{}, nil
		}
		return nil, status.Errorf(codes.Internal, "list %q: %v", path, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name()+"/")
			continue
		}
		info, err := e.Info()
		if err != nil {
			out = append(out, e.Name())
			continue
		}
		out = append(out, fmt.Sprintf("%s\t%d", e.Name(), info.Size()))
	}
	return &wire.ContainerFilesResponse{Entries: out}, nil
}

// SignalSelf delivers sig to the current process; a package variable so
// tests can observe the request without actually terminating the test
// binary.
var SignalSelf = func(sig os.Signal) error {
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// RestartContainer sends SIGTERM to this process. There is deliberately no
// self-managed respawn here: the node runs under a supervisor (the
// container runtime's restart policy, or systemd) that restarts the
// process on exit, the same way the Docker-VPS deployment model expects a
// container restart to be driven by the orchestrator, not the workload.
func (s *Service) RestartContainer(ctx context.Context, req *wire.RestartContainerRequest) (*wire.Ack, error) {
	s.logger.Info("container restart requested, sending SIGTERM to self", "container", req.Container)
	if err := SignalSelf(syscall.SIGTERM); err != nil {
		return nil, status.Errorf(codes.Internal, "restart: %v", err)
	}
	return &wire.Ack{Ok: true}, nil
}

// StreamPeakEvents relays live events from the peak Monitor.
func (s *Service) StreamPeakEvents(_ *wire.Empty, stream wire.NodeService_StreamPeakEventsServer) error {
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-s.monitor.Events():
			if err := stream.Send(&evt); err != nil {
				return err
			}
		}
	}
}

// FetchPeakEvents replays recent events from the monitor's bounded
// in-memory history, filtered by since/category. The panel's store is the
// durable record; this replay only covers what the node still holds.
func (s *Service) FetchPeakEvents(req *wire.FetchPeakEventsRequest, stream wire.NodeService_FetchPeakEventsServer) error {
	if s.monitor == nil {
		return nil
	}
	for _, ev := range s.monitor.History(req.SinceMs, req.Category) {
		if err := stream.Send(&ev); err != nil {
			return err
		}
	}
	return nil
}

// StartBackends launches every registered backend process.
func (s *Service) StartBackends(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, be := range s.backends {
		if err := be.Start(ctx); err != nil {
			return fmt.Errorf("start backend %q: %w", name, err)
		}
	}
	return nil
}

// StopBackends terminates every registered backend process.
func (s *Service) StopBackends() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, be := range s.backends {
		if err := be.Stop(); err != nil {
			s.logger.Warn("stop backend failed", "backend", name, "error", err)
		}
	}
}
