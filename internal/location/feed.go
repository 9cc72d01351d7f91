package location

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"studentpunch/internal/checkin"
)

// Fix is one position report pushed by the platform.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	At        time.Time `json:"at"`
}

func (f Fix) Coordinates() checkin.Coordinates {
	return checkin.Coordinates{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Sink receives platform location events.
type Sink interface {
	Push(ctx context.Context, fix Fix) error
	Deny(ctx context.Context) error
	Allow(ctx context.Context) error
}

// Feed is an in-process location provider. CurrentLocation returns the
// latest fix when it is younger than maxAge, otherwise it waits for the
// next push until the context ends.
type Feed struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.Mutex
	latest *Fix
	denied bool
	notify chan struct{}
}

func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{maxAge: maxAge, now: time.Now, notify: make(chan struct{})}
}

func (f *Feed) Push(ctx context.Context, fix Fix) error {
	if !checkin.ValidCoordinates(fix.Coordinates()) {
		return checkin.ErrInvalidLocation
	}
	if fix.At.IsZero() {
		fix.At = f.now()
	}
	f.mu.Lock()
	f.latest = &fix
	f.wakeLocked()
	f.mu.Unlock()
	return nil
}

func (f *Feed) Deny(ctx context.Context) error {
	f.mu.Lock()
	f.denied = true
	f.wakeLocked()
	f.mu.Unlock()
	return nil
}

func (f *Feed) Allow(ctx context.Context) error {
	f.mu.Lock()
	f.denied = false
	f.mu.Unlock()
	return nil
}

func (f *Feed) CurrentLocation(ctx context.Context) (checkin.Coordinates, error) {
	for {
		f.mu.Lock()
		if f.denied {
			f.mu.Unlock()
			return checkin.Coordinates{}, checkin.ErrPermissionDenied
		}
		if f.latest != nil && fresh(*f.latest, f.now(), f.maxAge) {
			coords := f.latest.Coordinates()
			f.mu.Unlock()
			return coords, nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return checkin.Coordinates{}, fmt.Errorf("%w: %w", checkin.ErrLocationTimeout, ctx.Err())
		}
	}
}

func (f *Feed) wakeLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

func fresh(fix Fix, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(fix.At) <= maxAge
}

// Static always reports the same position. Useful for fixed kiosks.
// Pushed fixes are ignored; permission changes still apply.
type Static struct {
	coords checkin.Coordinates

	mu     sync.Mutex
	denied bool
}

func NewStatic(coords checkin.Coordinates) *Static {
	return &Static{coords: coords}
}

func (s *Static) Push(ctx context.Context, fix Fix) error {
	if !checkin.ValidCoordinates(fix.Coordinates()) {
		return checkin.ErrInvalidLocation
	}
	return nil
}

func (s *Static) Deny(ctx context.Context) error {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
	return nil
}

func (s *Static) Allow(ctx context.Context) error {
	s.mu.Lock()
	s.denied = false
	s.mu.Unlock()
	return nil
}

func (s *Static) CurrentLocation(ctx context.Context) (checkin.Coordinates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return checkin.Coordinates{}, checkin.ErrPermissionDenied
	}
	return s.coords, nil
}

// ParseStatic parses "lat,lon".
func ParseStatic(value string) (checkin.Coordinates, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return checkin.Coordinates{}, fmt.Errorf("invalid static location %q", value)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return checkin.Coordinates{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return checkin.Coordinates{}, fmt.Errorf("invalid longitude: %w", err)
	}
	coords := checkin.Coordinates{Latitude: lat, Longitude: lon}
	if !checkin.ValidCoordinates(coords) {
		return checkin.Coordinates{}, checkin.ErrInvalidLocation
	}
	return coords, nil
}
