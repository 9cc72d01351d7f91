package checkin

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCaptureCancelled = errors.New("capture cancelled")
	ErrLocationTimeout  = errors.New("location request timed out")
	ErrInvalidLocation  = errors.New("invalid coordinates")
	ErrDeviceBusy       = errors.New("capture device already open")
	ErrRecordNotFound   = errors.New("check-in not found")
)

type Principal struct {
	ID    string
	Email *string
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// ImageRef is an opaque handle to a captured photo.
type ImageRef string

type RecordInput struct {
	UserID     string
	Email      *string
	Latitude   float64
	Longitude  float64
	Address    *string
	ImageRef   *string
	CapturedAt time.Time
}

type Record struct {
	ID         string
	UserID     string
	Email      *string
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	Address    *string
	ImageRef   *string
	CapturedAt time.Time
}

// Receipt is returned by a successful append. Timestamp is zero when the
// backend did not report its write time.
type Receipt struct {
	ID        string
	Timestamp time.Time
}

type IdentitySource interface {
	CurrentPrincipal() *Principal
}

type CaptureDevice interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (ImageRef, error)
}

// ImageReleaser is implemented by capture devices that own image storage.
// Release is called once per captured image when the session ends.
type ImageReleaser interface {
	Release(ctx context.Context, ref ImageRef, keep bool) error
}

type LocationProvider interface {
	CurrentLocation(ctx context.Context) (Coordinates, error)
}

type AddressResolver interface {
	ReverseGeocode(ctx context.Context, coords Coordinates) (string, error)
}

type RecordStore interface {
	Append(ctx context.Context, input RecordInput) (Receipt, error)
}

type RecordLister interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]Record, error)
}

type RecordDeleter interface {
	Delete(ctx context.Context, id string) error
}

// Repository is the full record store surface used outside the orchestrator.
type Repository interface {
	RecordStore
	RecordLister
	RecordDeleter
}

// ValidCoordinates reports whether c is a finite WGS-84 position.
func ValidCoordinates(c Coordinates) bool {
	if c.Latitude != c.Latitude || c.Longitude != c.Longitude {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}
