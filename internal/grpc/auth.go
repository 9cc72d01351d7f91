package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DeviceTokenHeader carries the token the campus backend shares with each
// punch device.
const DeviceTokenHeader = "x-punch-device-token"

// NewDeviceTokenInterceptor guards the check-in query service. History on a
// device belongs to whoever signed in there, so it is only handed to callers
// holding the device token. Methods of other services pass through.
func NewDeviceTokenInterceptor(deviceToken string) (grpc.UnaryServerInterceptor, error) {
	if deviceToken == "" {
		return nil, errors.New("device token required to serve check-in history")
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}
		token := deviceTokenFromMetadata(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "check-in history requires a device token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(deviceToken)) != 1 {
			return nil, status.Error(codes.PermissionDenied, "device token rejected")
		}
		return handler(ctx, req)
	}, nil
}

func deviceTokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(DeviceTokenHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
