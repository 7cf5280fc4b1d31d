package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name for the node
// coordination contract.
const ServiceName = "fleet.NodeService"

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// NodeServiceClient is the panel-side view of every RPC a node exposes.
// It is the hand-maintained analogue of a protoc-gen-go-grpc client stub;
// every method forwards directly to grpc.ClientConn.Invoke/NewStream.
type NodeServiceClient interface {
	Ping(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Ack, error)
	SyncUsers(ctx context.Context, opts ...grpc.CallOption) (NodeService_SyncUsersClient, error)
	RepopulateUsers(ctx context.Context, in *RepopulateUsersRequest, opts ...grpc.CallOption) (*Ack, error)
	FetchBackends(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*FetchBackendsResponse, error)
	FetchUsersStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*FetchUsersStatsResponse, error)
	FetchBackendConfig(ctx context.Context, in *FetchBackendConfigRequest, opts ...grpc.CallOption) (*FetchBackendConfigResponse, error)
	RestartBackend(ctx context.Context, in *RestartBackendRequest, opts ...grpc.CallOption) (*Ack, error)
	GetBackendStats(ctx context.Context, in *GetBackendStatsRequest, opts ...grpc.CallOption) (*BackendStats, error)
	GetAllBackendsStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetAllBackendsStatsResponse, error)
	StreamBackendLogs(ctx context.Context, in *StreamBackendLogsRequest, opts ...grpc.CallOption) (NodeService_StreamBackendLogsClient, error)
	GetHostSystemMetrics(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*HostMetrics, error)
	OpenHostPort(ctx context.Context, in *PortActionRequest, opts ...grpc.CallOption) (*PortActionResponse, error)
	CloseHostPort(ctx context.Context, in *PortActionRequest, opts ...grpc.CallOption) (*PortActionResponse, error)
	GetContainerLogs(ctx context.Context, in *ContainerLogsRequest, opts ...grpc.CallOption) (*ContainerLogsResponse, error)
	GetContainerFiles(ctx context.Context, in *ContainerFilesRequest, opts ...grpc.CallOption) (*ContainerFilesResponse, error)
	RestartContainer(ctx context.Context, in *RestartContainerRequest, opts ...grpc.CallOption) (*Ack, error)
	StreamPeakEvents(ctx context.Context, in *Empty, opts ...grpc.CallOption) (NodeService_StreamPeakEventsClient, error)
	FetchPeakEvents(ctx context.Context, in *FetchPeakEventsRequest, opts ...grpc.CallOption) (NodeService_FetchPeakEventsClient, error)
}

type nodeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewNodeServiceClient builds a NodeServiceClient over an established
// connection. The connection must have been dialed with grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec))
// (see DialOptions) so that requests and responses are framed with the
// package's JSON wire codec.
func NewNodeServiceClient(cc grpc.ClientConnInterface) NodeServiceClient {
	return &nodeServiceClient{cc: cc}
}

func (c *nodeServiceClient) Ping(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, fullMethod("Ping"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) RepopulateUsers(ctx context.Context, in *RepopulateUsersRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, fullMethod("RepopulateUsers"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) FetchBackends(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*FetchBackendsResponse, error) {
	out := new(FetchBackendsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("FetchBackends"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) FetchUsersStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*FetchUsersStatsResponse, error) {
	out := new(FetchUsersStatsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("FetchUsersStats"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) FetchBackendConfig(ctx context.Context, in *FetchBackendConfigRequest, opts ...grpc.CallOption) (*FetchBackendConfigResponse, error) {
	out := new(FetchBackendConfigResponse)
	if err := c.cc.Invoke(ctx, fullMethod("FetchBackendConfig"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) RestartBackend(ctx context.Context, in *RestartBackendRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, fullMethod("RestartBackend"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) GetBackendStats(ctx context.Context, in *GetBackendStatsRequest, opts ...grpc.CallOption) (*BackendStats, error) {
	out := new(BackendStats)
	if err := c.cc.Invoke(ctx, fullMethod("GetBackendStats"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) GetAllBackendsStats(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GetAllBackendsStatsResponse, error) {
	out := new(GetAllBackendsStatsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("GetAllBackendsStats"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) GetHostSystemMetrics(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*HostMetrics, error) {
	out := new(HostMetrics)
	if err := c.cc.Invoke(ctx, fullMethod("GetHostSystemMetrics"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) OpenHostPort(ctx context.Context, in *PortActionRequest, opts ...grpc.CallOption) (*PortActionResponse, error) {
	out := new(PortActionResponse)
	if err := c.cc.Invoke(ctx, fullMethod("OpenHostPort"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) CloseHostPort(ctx context.Context, in *PortActionRequest, opts ...grpc.CallOption) (*PortActionResponse, error) {
	out := new(PortActionResponse)
	if err := c.cc.Invoke(ctx, fullMethod("CloseHostPort"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) GetContainerLogs(ctx context.Context, in *ContainerLogsRequest, opts ...grpc.CallOption) (*ContainerLogsResponse, error) {
	out := new(ContainerLogsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("GetContainerLogs"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) GetContainerFiles(ctx context.Context, in *ContainerFilesRequest, opts ...grpc.CallOption) (*ContainerFilesResponse, error) {
	out := new(ContainerFilesResponse)
	if err := c.cc.Invoke(ctx, fullMethod("GetContainerFiles"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) RestartContainer(ctx context.Context, in *RestartContainerRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, fullMethod("RestartContainer"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// --- streaming RPCs ---

// NodeService_SyncUsersClient is the client-streaming handle returned by
// SyncUsers: the panel sends one UserUpdate per enqueued delta and receives a
// single Ack once the node closes its side (normally never, until Stop).
type NodeService_SyncUsersClient interface {
	Send(*UserUpdate) error
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

func (c *nodeServiceClient) SyncUsers(ctx context.Context, opts ...grpc.CallOption) (NodeService_SyncUsersClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "SyncUsers", ClientStreams: true}, fullMethod("SyncUsers"), opts...)
	if err != nil {
		return nil, err
	}
	return &syncUsersClient{stream}, nil
}

type syncUsersClient struct{ grpc.ClientStream }

func (x *syncUsersClient) Send(m *UserUpdate) error { return x.ClientStream.SendMsg(m) }
func (x *syncUsersClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_StreamBackendLogsClient receives LogLine messages until the
// back-end buffer (if requested) and live tail are exhausted or cancelled.
type NodeService_StreamBackendLogsClient interface {
	Recv() (*LogLine, error)
	grpc.ClientStream
}

func (c *nodeServiceClient) StreamBackendLogs(ctx context.Context, in *StreamBackendLogsRequest, opts ...grpc.CallOption) (NodeService_StreamBackendLogsClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamBackendLogs", ServerStreams: true}, fullMethod("StreamBackendLogs"), opts...)
	if err != nil {
		return nil, err
	}
	x := &streamBackendLogsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type streamBackendLogsClient struct{ grpc.ClientStream }

func (x *streamBackendLogsClient) Recv() (*LogLine, error) {
	m := new(LogLine)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_StreamPeakEventsClient receives live PeakEvents as the node's
// monitor emits them.
type NodeService_StreamPeakEventsClient interface {
	Recv() (*PeakEvent, error)
	grpc.ClientStream
}

func (c *nodeServiceClient) StreamPeakEvents(ctx context.Context, in *Empty, opts ...grpc.CallOption) (NodeService_StreamPeakEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamPeakEvents", ServerStreams: true}, fullMethod("StreamPeakEvents"), opts...)
	if err != nil {
		return nil, err
	}
	x := &streamPeakEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type streamPeakEventsClient struct{ grpc.ClientStream }

func (x *streamPeakEventsClient) Recv() (*PeakEvent, error) {
	m := new(PeakEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NodeService_FetchPeakEventsClient replays historical PeakEvents.
type NodeService_FetchPeakEventsClient interface {
	Recv() (*PeakEvent, error)
	grpc.ClientStream
}

func (c *nodeServiceClient) FetchPeakEvents(ctx context.Context, in *FetchPeakEventsRequest, opts ...grpc.CallOption) (NodeService_FetchPeakEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "FetchPeakEvents", ServerStreams: true}, fullMethod("FetchPeakEvents"), opts...)
	if err != nil {
		return nil, err
	}
	x := &fetchPeakEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type fetchPeakEventsClient struct{ grpc.ClientStream }

func (x *fetchPeakEventsClient) Recv() (*PeakEvent, error) {
	m := new(PeakEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DialOptions returns the grpc.DialOption set every panel-side dialer must
// use so that RPC bodies are framed with the package's JSON wire codec.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec))}
}

// ServerOptions returns the grpc.ServerOption set the node-side listener
// must use so that RPC bodies are framed with the package's JSON wire codec.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(Codec)}
}
