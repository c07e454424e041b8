package telemetryv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "campus.telemetry.v1.TelemetryService"

const (
	TelemetryService_BatchTrackEvents_FullMethodName         = "/" + ServiceName + "/BatchTrackEvents"
	TelemetryService_ReportError_FullMethodName              = "/" + ServiceName + "/ReportError"
	TelemetryService_GetErrorDashboard_FullMethodName        = "/" + ServiceName + "/GetErrorDashboard"
	TelemetryService_GetErrorPatternDetails_FullMethodName   = "/" + ServiceName + "/GetErrorPatternDetails"
	TelemetryService_UpdateErrorPatternStatus_FullMethodName = "/" + ServiceName + "/UpdateErrorPatternStatus"
)

// TelemetryServiceClient is the client API for TelemetryService.
type TelemetryServiceClient interface {
	BatchTrackEvents(ctx context.Context, in *BatchTrackEventsRequest, opts ...grpc.CallOption) (*BatchTrackEventsResponse, error)
	ReportError(ctx context.Context, in *ReportErrorRequest, opts ...grpc.CallOption) (*ReportErrorResponse, error)
	GetErrorDashboard(ctx context.Context, in *GetErrorDashboardRequest, opts ...grpc.CallOption) (*GetErrorDashboardResponse, error)
	GetErrorPatternDetails(ctx context.Context, in *GetErrorPatternDetailsRequest, opts ...grpc.CallOption) (*GetErrorPatternDetailsResponse, error)
	UpdateErrorPatternStatus(ctx context.Context, in *UpdateErrorPatternStatusRequest, opts ...grpc.CallOption) (*UpdateErrorPatternStatusResponse, error)
}

type telemetryServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTelemetryServiceClient returns a client that always uses the JSON codec.
func NewTelemetryServiceClient(cc grpc.ClientConnInterface) TelemetryServiceClient {
	return &telemetryServiceClient{cc: cc}
}

func (c *telemetryServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *telemetryServiceClient) BatchTrackEvents(ctx context.Context, in *BatchTrackEventsRequest, opts ...grpc.CallOption) (*BatchTrackEventsResponse, error) {
	out := new(BatchTrackEventsResponse)
	if err := c.invoke(ctx, TelemetryService_BatchTrackEvents_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *telemetryServiceClient) ReportError(ctx context.Context, in *ReportErrorRequest, opts ...grpc.CallOption) (*ReportErrorResponse, error) {
	out := new(ReportErrorResponse)
	if err := c.invoke(ctx, TelemetryService_ReportError_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *telemetryServiceClient) GetErrorDashboard(ctx context.Context, in *GetErrorDashboardRequest, opts ...grpc.CallOption) (*GetErrorDashboardResponse, error) {
	out := new(GetErrorDashboardResponse)
	if err := c.invoke(ctx, TelemetryService_GetErrorDashboard_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *telemetryServiceClient) GetErrorPatternDetails(ctx context.Context, in *GetErrorPatternDetailsRequest, opts ...grpc.CallOption) (*GetErrorPatternDetailsResponse, error) {
	out := new(GetErrorPatternDetailsResponse)
	if err := c.invoke(ctx, TelemetryService_GetErrorPatternDetails_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *telemetryServiceClient) UpdateErrorPatternStatus(ctx context.Context, in *UpdateErrorPatternStatusRequest, opts ...grpc.CallOption) (*UpdateErrorPatternStatusResponse, error) {
	out := new(UpdateErrorPatternStatusResponse)
	if err := c.invoke(ctx, TelemetryService_UpdateErrorPatternStatus_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// TelemetryServiceServer is the server API for TelemetryService. Embed
// UnimplementedTelemetryServiceServer for forward compatibility.
type TelemetryServiceServer interface {
	BatchTrackEvents(context.Context, *BatchTrackEventsRequest) (*BatchTrackEventsResponse, error)
	ReportError(context.Context, *ReportErrorRequest) (*ReportErrorResponse, error)
	GetErrorDashboard(context.Context, *GetErrorDashboardRequest) (*GetErrorDashboardResponse, error)
	GetErrorPatternDetails(context.Context, *GetErrorPatternDetailsRequest) (*GetErrorPatternDetailsResponse, error)
	UpdateErrorPatternStatus(context.Context, *UpdateErrorPatternStatusRequest) (*UpdateErrorPatternStatusResponse, error)
	mustEmbedUnimplementedTelemetryServiceServer()
}

// UnimplementedTelemetryServiceServer returns Unimplemented for every method.
type UnimplementedTelemetryServiceServer struct{}

func (UnimplementedTelemetryServiceServer) BatchTrackEvents(context.Context, *BatchTrackEventsRequest) (*BatchTrackEventsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method BatchTrackEvents not implemented")
}

func (UnimplementedTelemetryServiceServer) ReportError(context.Context, *ReportErrorRequest) (*ReportErrorResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportError not implemented")
}

func (UnimplementedTelemetryServiceServer) GetErrorDashboard(context.Context, *GetErrorDashboardRequest) (*GetErrorDashboardResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetErrorDashboard not implemented")
}

func (UnimplementedTelemetryServiceServer) GetErrorPatternDetails(context.Context, *GetErrorPatternDetailsRequest) (*GetErrorPatternDetailsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetErrorPatternDetails not implemented")
}

func (UnimplementedTelemetryServiceServer) UpdateErrorPatternStatus(context.Context, *UpdateErrorPatternStatusRequest) (*UpdateErrorPatternStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method UpdateErrorPatternStatus not implemented")
}

func (UnimplementedTelemetryServiceServer) mustEmbedUnimplementedTelemetryServiceServer() {}

// RegisterTelemetryServiceServer registers srv on s.
func RegisterTelemetryServiceServer(s grpc.ServiceRegistrar, srv TelemetryServiceServer) {
	s.RegisterService(&TelemetryService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(TelemetryServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TelemetryServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TelemetryServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TelemetryService_ServiceDesc is the grpc.ServiceDesc for TelemetryService.
var TelemetryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "BatchTrackEvents",
			Handler:    unaryHandler(TelemetryService_BatchTrackEvents_FullMethodName, TelemetryServiceServer.BatchTrackEvents),
		},
		{
			MethodName: "ReportError",
			Handler:    unaryHandler(TelemetryService_ReportError_FullMethodName, TelemetryServiceServer.ReportError),
		},
		{
			MethodName: "GetErrorDashboard",
			Handler:    unaryHandler(TelemetryService_GetErrorDashboard_FullMethodName, TelemetryServiceServer.GetErrorDashboard),
		},
		{
			MethodName: "GetErrorPatternDetails",
			Handler:    unaryHandler(TelemetryService_GetErrorPatternDetails_FullMethodName, TelemetryServiceServer.GetErrorPatternDetails),
		},
		{
			MethodName: "UpdateErrorPatternStatus",
			Handler:    unaryHandler(TelemetryService_UpdateErrorPatternStatus_FullMethodName, TelemetryServiceServer.UpdateErrorPatternStatus),
		},
	},
	Streams: []grpc.StreamDesc{},
}
