// Package wire defines the message shapes and RPC methods exchanged between
// the panel and its fleet of nodes. Every
// type here is a plain, JSON-tagged Go struct: the package owns its own
// lightweight gRPC codec (see codec.go) so no protoc toolchain invocation is
// required to keep the contract and its Go bindings in sync.
package wire

// ConfigFormat is the encoding of a back-end configuration blob.
type ConfigFormat int32

const (
	ConfigFormatPlain ConfigFormat = 0
	ConfigFormatJSON  ConfigFormat = 1
	ConfigFormatYAML  ConfigFormat = 2
)

// Empty is the request/response shape for RPCs that carry no payload.
type Empty struct{}

// Ack is the generic acknowledgement response.
type Ack struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// UserUpdate is a per-node intent: user should exist on this node with
// exactly Inbounds. An empty Inbounds means "remove user from this node".
type UserUpdate struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Key      []byte   `json:"key"`
	Inbounds []string `json:"inbounds"`
}

// RepopulateUsersRequest carries the authoritative full user list for a node.
type RepopulateUsersRequest struct {
	Users []UserUpdate `json:"users"`
}

// Backend describes a named proxy instance running on a node.
type Backend struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Version  string   `json:"version"`
	Running  bool     `json:"running"`
	Inbounds []string `json:"inbounds"`
}

// FetchBackendsResponse lists every back-end currently reported by a node.
type FetchBackendsResponse struct {
	Backends []Backend `json:"backends"`
}

// UserStat is a single user's accumulated traffic counter, in bytes.
type UserStat struct {
	UserID     string `json:"user_id"`
	UsageBytes uint64 `json:"usage_bytes"`
}

// FetchUsersStatsResponse carries one UserStat per user known to the node.
type FetchUsersStatsResponse struct {
	Stats []UserStat `json:"stats"`
}

// FetchBackendConfigRequest names the back-end whose config is being read.
type FetchBackendConfigRequest struct {
	Name string `json:"name"`
}

// FetchBackendConfigResponse carries a back-end's raw configuration text.
type FetchBackendConfigResponse struct {
	Config string       `json:"config"`
	Format ConfigFormat `json:"format"`
}

// RestartBackendRequest supplies a new configuration to write and restart
// the named back-end with.
type RestartBackendRequest struct {
	Name   string       `json:"name"`
	Config string       `json:"config"`
	Format ConfigFormat `json:"format"`
}

// GetBackendStatsRequest names the back-end whose liveness is being checked.
type GetBackendStatsRequest struct {
	Name string `json:"name"`
}

// BackendStats is a single back-end's liveness snapshot.
type BackendStats struct {
	Running bool `json:"running"`
}

// GetAllBackendsStatsResponse maps back-end name to its liveness snapshot.
type GetAllBackendsStatsResponse struct {
	Backends map[string]BackendStats `json:"backends"`
}

// StreamBackendLogsRequest configures a log tail for one back-end.
type StreamBackendLogsRequest struct {
	Name          string `json:"name"`
	IncludeBuffer bool   `json:"include_buffer"`
}

// LogLine is a single line of back-end process output.
type LogLine struct {
	Line        string `json:"line"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// HostMetrics is a snapshot of node host resource usage.
type HostMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	Load1       float64 `json:"load1"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	NetRxBytes  uint64  `json:"net_rx_bytes"`
	NetTxBytes  uint64  `json:"net_tx_bytes"`
	SampledAtMs int64   `json:"sampled_at_ms"`
}

// PortActionRequest names the port/protocol pair for a firewall mutation.
type PortActionRequest struct {
	Port     int32  `json:"port"`
	Protocol string `json:"protocol"`
}

// PortActionResponse reports the outcome of a firewall mutation.
type PortActionResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ContainerLogsRequest names a container and how many trailing lines to read.
type ContainerLogsRequest struct {
	Container string `json:"container"`
	Tail      int32  `json:"tail"`
}

// ContainerLogsResponse carries the requested container log lines.
type ContainerLogsResponse struct {
	Lines []string `json:"lines"`
}

// ContainerFilesRequest lists the files under Path inside Container.
type ContainerFilesRequest struct {
	Container string `json:"container"`
	Path      string `json:"path"`
}

// ContainerFilesResponse lists file entries found under the requested path.
type ContainerFilesResponse struct {
	Entries []string `json:"entries"`
}

// RestartContainerRequest names the container to restart.
type RestartContainerRequest struct {
	Container string `json:"container"`
}

// PeakEvent is a threshold-crossing observation on a node, de-duplicated
// across its open interval and sequence-numbered (see internal/node/peak).
type PeakEvent struct {
	NodeID       int64   `json:"node_id"`
	Category     string  `json:"category"`
	Metric       string  `json:"metric"`
	Level        string  `json:"level"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
	DedupeKey    string  `json:"dedupe_key"`
	ContextJSON  string  `json:"context_json,omitempty"`
	StartedAtMs  int64   `json:"started_at_ms"`
	ResolvedAtMs int64   `json:"resolved_at_ms,omitempty"`
	Seq          uint64  `json:"seq"`
}

// FetchPeakEventsRequest replays every peak event recorded since SinceMs,
// optionally restricted to one category.
type FetchPeakEventsRequest struct {
	SinceMs  int64  `json:"since_ms"`
	Category string `json:"category,omitempty"`
}

// PeakEvent category and level enums, kept as string constants so the wire
// payload stays human-readable in logs and context_json.
const (
	CategoryCPU     = "CPU"
	CategoryMemory  = "MEMORY"
	CategoryDisk    = "DISK"
	CategoryNetwork = "NETWORK"
	CategoryBackend = "BACKEND"

	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)
