package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"studentpunch/internal/checkin"
)

type LastCheckInSource interface {
	LastCheckInTime() (time.Time, bool)
}

type CheckInQueryServer struct {
	records      checkin.RecordLister
	last         LastCheckInSource
	defaultLimit int
	maxLimit     int
}

func NewCheckInQueryServer(records checkin.RecordLister, last LastCheckInSource, defaultLimit int) *CheckInQueryServer {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &CheckInQueryServer{records: records, last: last, defaultLimit: defaultLimit, maxLimit: 200}
}

func (s *CheckInQueryServer) ListCheckIns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	userID := fields["user_id"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id required")
	}
	limit := s.defaultLimit
	if v, ok := fields["limit"]; ok {
		n := int(v.GetNumberValue())
		if n <= 0 {
			return nil, status.Error(codes.InvalidArgument, "invalid limit")
		}
		limit = n
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	records, err := s.records.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, "check-in lookup failed")
	}
	resp, err := EncodeCheckIns(records)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return resp, nil
}

func (s *CheckInQueryServer) GetLastCheckIn(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	if s.last == nil {
		return nil, status.Error(codes.NotFound, "no_check_in")
	}
	at, ok := s.last.LastCheckInTime()
	if !ok {
		return nil, status.Error(codes.NotFound, "no_check_in")
	}
	return timestamppb.New(at), nil
}

// EncodeCheckIns packs records into {"check_ins": [...]}. Times are RFC 3339
// strings; absent optional fields are null.
func EncodeCheckIns(records []checkin.Record) (*structpb.Struct, error) {
	items := make([]interface{}, 0, len(records))
	for _, r := range records {
		items = append(items, map[string]interface{}{
			"id":          r.ID,
			"user_id":     r.UserID,
			"email":       optional(r.Email),
			"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
			"latitude":    r.Latitude,
			"longitude":   r.Longitude,
			"address":     optional(r.Address),
			"image_ref":   optional(r.ImageRef),
			"captured_at": r.CapturedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"check_ins": items})
}

func DecodeCheckIns(s *structpb.Struct) ([]checkin.Record, error) {
	list := s.GetFields()["check_ins"].GetListValue()
	records := make([]checkin.Record, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("check_ins[%d]: not an object", i)
		}
		ts, err := parseTime(fields["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("check_ins[%d].timestamp: %w", i, err)
		}
		captured, err := parseTime(fields["captured_at"])
		if err != nil {
			return nil, fmt.Errorf("check_ins[%d].captured_at: %w", i, err)
		}
		records = append(records, checkin.Record{
			ID:         fields["id"].GetStringValue(),
			UserID:     fields["user_id"].GetStringValue(),
			Email:      stringPtr(fields["email"]),
			Timestamp:  ts,
			Latitude:   fields["latitude"].GetNumberValue(),
			Longitude:  fields["longitude"].GetNumberValue(),
			Address:    stringPtr(fields["address"]),
			ImageRef:   stringPtr(fields["image_ref"]),
			CapturedAt: captured,
		})
	}
	return records, nil
}

func optional(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func stringPtr(v *structpb.Value) *string {
	if v == nil {
		return nil
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
		return nil
	}
	s := v.GetStringValue()
	return &s
}

func parseTime(v *structpb.Value) (time.Time, error) {
	raw := v.GetStringValue()
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
