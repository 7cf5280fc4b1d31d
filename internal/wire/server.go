package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NodeServiceServer is the node-side interface implemented by internal/node/service.
type NodeServiceServer interface {
	Ping(context.Context, *Empty) (*Ack, error)
	SyncUsers(NodeService_SyncUsersServer) error
	RepopulateUsers(context.Context, *RepopulateUsersRequest) (*Ack, error)
	FetchBackends(context.Context, *Empty) (*FetchBackendsResponse, error)
	FetchUsersStats(context.Context, *Empty) (*FetchUsersStatsResponse, error)
	FetchBackendConfig(context.Context, *FetchBackendConfigRequest) (*FetchBackendConfigResponse, error)
	RestartBackend(context.Context, *RestartBackendRequest) (*Ack, error)
	GetBackendStats(context.Context, *GetBackendStatsRequest) (*BackendStats, error)
	GetAllBackendsStats(context.Context, *Empty) (*GetAllBackendsStatsResponse, error)
	StreamBackendLogs(*StreamBackendLogsRequest, NodeService_StreamBackendLogsServer) error
	GetHostSystemMetrics(context.Context, *Empty) (*HostMetrics, error)
	OpenHostPort(context.Context, *PortActionRequest) (*PortActionResponse, error)
	CloseHostPort(context.Context, *PortActionRequest) (*PortActionResponse, error)
	GetContainerLogs(context.Context, *ContainerLogsRequest) (*ContainerLogsResponse, error)
	GetContainerFiles(context.Context, *ContainerFilesRequest) (*ContainerFilesResponse, error)
	RestartContainer(context.Context, *RestartContainerRequest) (*Ack, error)
	StreamPeakEvents(*Empty, NodeService_StreamPeakEventsServer) error
	FetchPeakEvents(*FetchPeakEventsRequest, NodeService_FetchPeakEventsServer) error
}

// UnimplementedNodeServiceServer satisfies NodeServiceServer with
// codes.Unimplemented for every method. Embed it to guarantee forward
// compatibility when new methods are added to the contract.
type UnimplementedNodeServiceServer struct{}

func (UnimplementedNodeServiceServer) Ping(context.Context, *Empty) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedNodeServiceServer) SyncUsers(NodeService_SyncUsersServer) error {
	return status.Error(codes.Unimplemented, "method SyncUsers not implemented")
}
func (UnimplementedNodeServiceServer) RepopulateUsers(context.Context, *RepopulateUsersRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method RepopulateUsers not implemented")
}
func (UnimplementedNodeServiceServer) FetchBackends(context.Context, *Empty) (*FetchBackendsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchBackends not implemented")
}
func (UnimplementedNodeServiceServer) FetchUsersStats(context.Context, *Empty) (*FetchUsersStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchUsersStats not implemented")
}
func (UnimplementedNodeServiceServer) FetchBackendConfig(context.Context, *FetchBackendConfigRequest) (*FetchBackendConfigResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchBackendConfig not implemented")
}
func (UnimplementedNodeServiceServer) RestartBackend(context.Context, *RestartBackendRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method RestartBackend not implemented")
}
func (UnimplementedNodeServiceServer) GetBackendStats(context.Context, *GetBackendStatsRequest) (*BackendStats, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBackendStats not implemented")
}
func (UnimplementedNodeServiceServer) GetAllBackendsStats(context.Context, *Empty) (*GetAllBackendsStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetAllBackendsStats not implemented")
}
func (UnimplementedNodeServiceServer) StreamBackendLogs(*StreamBackendLogsRequest, NodeService_StreamBackendLogsServer) error {
	return status.Error(codes.Unimplemented, "method StreamBackendLogs not implemented")
}
func (UnimplementedNodeServiceServer) GetHostSystemMetrics(context.Context, *Empty) (*HostMetrics, error) {
	return nil, status.Error(codes.Unimplemented, "method GetHostSystemMetrics not implemented")
}
func (UnimplementedNodeServiceServer) OpenHostPort(context.Context, *PortActionRequest) (*PortActionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method OpenHostPort not implemented")
}
func (UnimplementedNodeServiceServer) CloseHostPort(context.Context, *PortActionRequest) (*PortActionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseHostPort not implemented")
}
func (UnimplementedNodeServiceServer) GetContainerLogs(context.Context, *ContainerLogsRequest) (*ContainerLogsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetContainerLogs not implemented")
}
func (UnimplementedNodeServiceServer) GetContainerFiles(context.Context, *ContainerFilesRequest) (*ContainerFilesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetContainerFiles not implemented")
}
func (UnimplementedNodeServiceServer) RestartContainer(context.Context, *RestartContainerRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method RestartContainer not implemented")
}
func (UnimplementedNodeServiceServer) StreamPeakEvents(*Empty, NodeService_StreamPeakEventsServer) error {
	return status.Error(codes.Unimplemented, "method StreamPeakEvents not implemented")
}
func (UnimplementedNodeServiceServer) FetchPeakEvents(*FetchPeakEventsRequest, NodeService_FetchPeakEventsServer) error {
	return status.Error(codes.Unimplemented, "method FetchPeakEvents not implemented")
}

// --- streaming server-side handles ---

type NodeService_SyncUsersServer interface {
	Recv() (*UserUpdate, error)
	SendAndClose(*Ack) error
	grpc.ServerStream
}

type syncUsersServer struct{ grpc.ServerStream }

func (x *syncUsersServer) Recv() (*UserUpdate, error) {
	m := new(UserUpdate)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
func (x *syncUsersServer) SendAndClose(m *Ack) error { return x.ServerStream.SendMsg(m) }

type NodeService_StreamBackendLogsServer interface {
	Send(*LogLine) error
	grpc.ServerStream
}

type streamBackendLogsServer struct{ grpc.ServerStream }

func (x *streamBackendLogsServer) Send(m *LogLine) error { return x.ServerStream.SendMsg(m) }

type NodeService_StreamPeakEventsServer interface {
	Send(*PeakEvent) error
	grpc.ServerStream
}

type streamPeakEventsServer struct{ grpc.ServerStream }

func (x *streamPeakEventsServer) Send(m *PeakEvent) error { return x.ServerStream.SendMsg(m) }

type NodeService_FetchPeakEventsServer interface {
	Send(*PeakEvent) error
	grpc.ServerStream
}

type fetchPeakEventsServer struct{ grpc.ServerStream }

func (x *fetchPeakEventsServer) Send(m *PeakEvent) error { return x.ServerStream.SendMsg(m) }

// --- unary handlers ---

func handlerPing(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("Ping")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).Ping(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerRepopulateUsers(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RepopulateUsersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).RepopulateUsers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("RepopulateUsers")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).RepopulateUsers(ctx, req.(*RepopulateUsersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerFetchBackends(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).FetchBackends(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("FetchBackends")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).FetchBackends(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerFetchUsersStats(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).FetchUsersStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("FetchUsersStats")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).FetchUsersStats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerFetchBackendConfig(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FetchBackendConfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).FetchBackendConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("FetchBackendConfig")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).FetchBackendConfig(ctx, req.(*FetchBackendConfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerRestartBackend(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestartBackendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).RestartBackend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("RestartBackend")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).RestartBackend(ctx, req.(*RestartBackendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerGetBackendStats(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetBackendStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetBackendStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetBackendStats")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetBackendStats(ctx, req.(*GetBackendStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerGetAllBackendsStats(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetAllBackendsStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetAllBackendsStats")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetAllBackendsStats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerGetHostSystemMetrics(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetHostSystemMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetHostSystemMetrics")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetHostSystemMetrics(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerOpenHostPort(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PortActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).OpenHostPort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("OpenHostPort")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).OpenHostPort(ctx, req.(*PortActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerCloseHostPort(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PortActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).CloseHostPort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("CloseHostPort")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).CloseHostPort(ctx, req.(*PortActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerGetContainerLogs(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerLogsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetContainerLogs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetContainerLogs")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetContainerLogs(ctx, req.(*ContainerLogsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerGetContainerFiles(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerFilesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).GetContainerFiles(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetContainerFiles")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).GetContainerFiles(ctx, req.(*ContainerFilesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handlerRestartContainer(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestartContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).RestartContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("RestartContainer")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServiceServer).RestartContainer(ctx, req.(*RestartContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// --- streaming handlers ---

func streamHandlerSyncUsers(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).SyncUsers(&syncUsersServer{stream})
}

func streamHandlerStreamBackendLogs(srv any, stream grpc.ServerStream) error {
	in := new(StreamBackendLogsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NodeServiceServer).StreamBackendLogs(in, &streamBackendLogsServer{stream})
}

func streamHandlerStreamPeakEvents(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NodeServiceServer).StreamPeakEvents(in, &streamPeakEventsServer{stream})
}

func streamHandlerFetchPeakEvents(srv any, stream grpc.ServerStream) error {
	in := new(FetchPeakEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(NodeServiceServer).FetchPeakEvents(in, &fetchPeakEventsServer{stream})
}

// ServiceDesc is the grpc.ServiceDesc for NodeServiceServer, the hand
// maintained analogue of a protoc-gen-go-grpc _ServiceDesc var.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: handlerPing},
		{MethodName: "RepopulateUsers", Handler: handlerRepopulateUsers},
		{MethodName: "FetchBackends", Handler: handlerFetchBackends},
		{MethodName: "FetchUsersStats", Handler: handlerFetchUsersStats},
		{MethodName: "FetchBackendConfig", Handler: handlerFetchBackendConfig},
		{MethodName: "RestartBackend", Handler: handlerRestartBackend},
		{MethodName: "GetBackendStats", Handler: handlerGetBackendStats},
		{MethodName: "GetAllBackendsStats", Handler: handlerGetAllBackendsStats},
		{MethodName: "GetHostSystemMetrics", Handler: handlerGetHostSystemMetrics},
		{MethodName: "OpenHostPort", Handler: handlerOpenHostPort},
		{MethodName: "CloseHostPort", Handler: handlerCloseHostPort},
		{MethodName: "GetContainerLogs", Handler: handlerGetContainerLogs},
		{MethodName: "GetContainerFiles", Handler: handlerGetContainerFiles},
		{MethodName: "RestartContainer", Handler: handlerRestartContainer},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SyncUsers", Handler: streamHandlerSyncUsers, ClientStreams: true},
		{StreamName: "StreamBackendLogs", Handler: streamHandlerStreamBackendLogs, ServerStreams: true},
		{StreamName: "StreamPeakEvents", Handler: streamHandlerStreamPeakEvents, ServerStreams: true},
		{StreamName: "FetchPeakEvents", Handler: streamHandlerFetchPeakEvents, ServerStreams: true},
	},
	Metadata: "fleet/node_service.proto",
}

// RegisterNodeServiceServer registers srv against s using ServiceDesc.
func RegisterNodeServiceServer(s grpc.ServiceRegistrar, srv NodeServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
