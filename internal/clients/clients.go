package clients

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"studentpunch/internal/checkin"
	checkingrpc "studentpunch/internal/grpc"
)

// CheckIns is a client for the device's CheckInQueryService.
type CheckIns struct {
	conn *grpc.ClientConn
}

func New(ctx context.Context, addr, deviceToken string, timeout time.Duration) (*CheckIns, error) {
	if deviceToken == "" {
		return nil, errors.New("device token required")
	}
	conn, err := dial(ctx, addr, deviceToken, timeout)
	if err != nil {
		return nil, err
	}
	return &CheckIns{conn: conn}, nil
}

// NewWithConn wraps an existing connection. The caller attaches credentials.
func NewWithConn(conn *grpc.ClientConn) *CheckIns {
	return &CheckIns{conn: conn}
}

func (c *CheckIns) Close() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.Close()
}

func (c *CheckIns) ListCheckIns(ctx context.Context, userID string, limit int) ([]checkin.Record, error) {
	fields := map[string]interface{}{"user_id": userID}
	if limit > 0 {
		fields["limit"] = limit
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, checkingrpc.ListCheckInsMethod, req, resp); err != nil {
		return nil, err
	}
	return checkingrpc.DecodeCheckIns(resp)
}

func (c *CheckIns) GetLastCheckIn(ctx context.Context) (time.Time, error) {
	resp := new(timestamppb.Timestamp)
	if err := c.conn.Invoke(ctx, checkingrpc.GetLastCheckInMethod, &emptypb.Empty{}, resp); err != nil {
		return time.Time{}, err
	}
	return resp.AsTime(), nil
}

func dial(ctx context.Context, addr, deviceToken string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(DeviceTokenClientInterceptor(deviceToken)),
	)
}

func DeviceTokenClientInterceptor(deviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, checkingrpc.DeviceTokenHeader, deviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
