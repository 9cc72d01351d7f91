package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	ServiceName          = "studentpunch.checkin.v1.CheckInQueryService"
	ListCheckInsMethod   = "/" + ServiceName + "/ListCheckIns"
	GetLastCheckInMethod = "/" + ServiceName + "/GetLastCheckIn"
)

// CheckInQueryServiceServer is the server API for CheckInQueryService.
// Messages are protobuf well-known types so no generated code is needed.
type CheckInQueryServiceServer interface {
	ListCheckIns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLastCheckIn(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error)
}

func RegisterCheckInQueryServiceServer(s grpc.ServiceRegistrar, srv CheckInQueryServiceServer) {
	s.RegisterService(&CheckInQueryServiceDesc, srv)
}

var CheckInQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckInQueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListCheckIns", Handler: listCheckInsHandler},
		{MethodName: "GetLastCheckIn", Handler: getLastCheckInHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "studentpunch/checkin/v1/query.proto",
}

func listCheckInsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckInQueryServiceServer).ListCheckIns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListCheckInsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CheckInQueryServiceServer).ListCheckIns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getLastCheckInHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CheckInQueryServiceServer).GetLastCheckIn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetLastCheckInMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CheckInQueryServiceServer).GetLastCheckIn(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
