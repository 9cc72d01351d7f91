package capture

import (
	"context"
	"errors"
	"sync"

	"studentpunch/internal/checkin"
)

var (
	ErrCameraClosed = errors.New("camera is not open")
	ErrShotPending  = errors.New("capture already resolved")
)

type shot struct {
	ref checkin.ImageRef
	err error
}

// Shutter is the capture device driven by the UI shell: the shell shows the
// camera while it is open and posts either the taken frame or a permission
// denial. A cancel ends the capture through its context.
type Shutter struct {
	photos *PhotoStore

	mu      sync.Mutex
	open    bool
	denied  bool
	gen     uint64
	results chan shot
}

func NewShutter(photos *PhotoStore) *Shutter {
	return &Shutter{photos: photos}
}

func (s *Shutter) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return checkin.ErrPermissionDenied
	}
	if s.open {
		return checkin.ErrDeviceBusy
	}
	s.open = true
	s.gen++
	s.results = make(chan shot, 1)
	return nil
}

// Ready reports whether a capture is waiting for a frame.
func (s *Shutter) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Shutter) Capture(ctx context.Context) (checkin.ImageRef, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", ErrCameraClosed
	}
	results := s.results
	s.mu.Unlock()
	defer s.close()

	select {
	case r := <-results:
		return r.ref, r.err
	case <-ctx.Done():
		s.close()
		// A frame may have raced the cancellation.
		select {
		case r := <-results:
			if r.err == nil {
				_ = s.photos.Discard(r.ref)
			}
		default:
		}
		return "", ctx.Err()
	}
}

// Deliver stores a taken frame and hands it to the waiting capture.
func (s *Shutter) Deliver(data []byte) (checkin.ImageRef, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", ErrCameraClosed
	}
	gen := s.gen
	s.mu.Unlock()

	ref, err := s.photos.Save(data)
	if err != nil {
		return "", err
	}
	if err := s.offer(gen, shot{ref: ref}); err != nil {
		_ = s.photos.Discard(ref)
		return "", err
	}
	return ref, nil
}

// Deny records that the platform refused camera access. A pending capture
// fails immediately and later opens fail until Allow is called.
func (s *Shutter) Deny() {
	s.mu.Lock()
	s.denied = true
	gen := s.gen
	s.mu.Unlock()
	_ = s.offer(gen, shot{err: checkin.ErrPermissionDenied})
}

func (s *Shutter) Allow() {
	s.mu.Lock()
	s.denied = false
	s.mu.Unlock()
}

func (s *Shutter) Release(ctx context.Context, ref checkin.ImageRef, keep bool) error {
	if keep {
		return s.photos.Keep(ref)
	}
	return s.photos.Discard(ref)
}

func (s *Shutter) offer(gen uint64, r shot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.gen != gen {
		return ErrCameraClosed
	}
	select {
	case s.results <- r:
		return nil
	default:
		return ErrShotPending
	}
}

func (s *Shutter) close() {
	s.mu.Lock()
	s.open = false
	s.results = nil
	s.mu.Unlock()
}
