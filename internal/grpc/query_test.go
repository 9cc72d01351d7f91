package grpc

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"studentpunch/internal/checkin"
	"studentpunch/internal/store"
)

type fixedLast struct {
	at time.Time
	ok bool
}

func (f fixedLast) LastCheckInTime() (time.Time, bool) { return f.at, f.ok }

func TestListCheckInsRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	address := "MG Road Bengaluru"
	for i := 0; i < 3; i++ {
		if _, err := mem.Append(ctx, checkin.RecordInput{UserID: "u1", Latitude: 12.97, Longitude: 77.59, Address: &address, CapturedAt: time.Now()}); err != nil {
			t.Fatalf("append error: %v", err)
		}
	}

	server := NewCheckInQueryServer(mem, nil, 2)
	req, _ := structpb.NewStruct(map[string]interface{}{"user_id": "u1"})
	resp, err := server.ListCheckIns(ctx, req)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	records, err := DecodeCheckIns(resp)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected default limit of 2, got %d", len(records))
	}
	if records[0].Address == nil || *records[0].Address != address || records[0].Email != nil {
		t.Fatalf("unexpected optional fields %+v", records[0])
	}
	if records[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp")
	}
}

func TestListCheckInsValidation(t *testing.T) {
	server := NewCheckInQueryServer(store.NewMemory(), nil, 0)
	empty, _ := structpb.NewStruct(map[string]interface{}{})
	if _, err := server.ListCheckIns(context.Background(), empty); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	bad, _ := structpb.NewStruct(map[string]interface{}{"user_id": "u1", "limit": -1})
	if _, err := server.ListCheckIns(context.Background(), bad); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestGetLastCheckIn(t *testing.T) {
	server := NewCheckInQueryServer(store.NewMemory(), fixedLast{}, 0)
	if _, err := server.GetLastCheckIn(context.Background(), &emptypb.Empty{}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	server = NewCheckInQueryServer(store.NewMemory(), fixedLast{at: at, ok: true}, 0)
	ts, err := server.GetLastCheckIn(context.Background(), &emptypb.Empty{})
	if err != nil || !ts.AsTime().Equal(at) {
		t.Fatalf("unexpected timestamp %v err=%v", ts, err)
	}
}

func TestDeviceTokenInterceptor(t *testing.T) {
	if _, err := NewDeviceTokenInterceptor(""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
	interceptor, err := NewDeviceTokenInterceptor("secret")
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: ListCheckInsMethod}

	if _, err := interceptor(context.Background(), nil, info, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	wrong := metadata.NewIncomingContext(context.Background(), metadata.Pairs(DeviceTokenHeader, "nope"))
	if _, err := interceptor(wrong, nil, info, handler); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
	right := metadata.NewIncomingContext(context.Background(), metadata.Pairs(DeviceTokenHeader, "secret"))
	if out, err := interceptor(right, nil, info, handler); err != nil || out != "ok" {
		t.Fatalf("expected handler to run, got %v %v", out, err)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if out, err := interceptor(context.Background(), nil, health, handler); err != nil || out != "ok" {
		t.Fatalf("calls outside the check-in service must pass, got %v %v", out, err)
	}
}
