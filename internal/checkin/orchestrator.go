package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const DefaultLocationTimeout = 15 * time.Second

// Observer receives timing information about sessions. Implementations must
// not block.
type Observer interface {
	StageCompleted(stage Status, elapsed time.Duration)
	SessionFinished(outcome string, elapsed time.Duration)
}

type Options struct {
	LocationTimeout time.Duration
	StoreTimeout    time.Duration
	GeocodeTimeout  time.Duration
	Resolver        AddressResolver
	Observer        Observer
	Now             func() time.Time
}

// Orchestrator turns one punch-in request into at most one stored record.
// It owns the session and is the only writer of its state.
type Orchestrator struct {
	identity IdentitySource
	camera   CaptureDevice
	locator  LocationProvider
	store    RecordStore
	opts     Options

	mu               sync.Mutex
	session          Session
	stageAt          time.Time
	lastCheckIn      *time.Time
	cancelCapture    context.CancelFunc
	captureCancelled bool
}

func New(identity IdentitySource, camera CaptureDevice, locator LocationProvider, store RecordStore, opts Options) *Orchestrator {
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = DefaultLocationTimeout
	}
	if opts.GeocodeTimeout <= 0 {
		opts.GeocodeTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		identity: identity,
		camera:   camera,
		locator:  locator,
		store:    store,
		opts:     opts,
		session:  Session{Status: StatusIdle},
	}
}

// PunchIn runs one capture cycle and returns once the session reaches a
// terminal state or the user cancels the capture. Every returned error is a
// *Error. The session is released on every exit path, including a panic in
// a collaborator, which is reported as an unclassified failure.
func (o *Orchestrator) PunchIn(ctx context.Context) (outcome Outcome, err error) {
	principal, captureCtx, err := o.begin(ctx)
	if err != nil {
		o.observeFinished(string(KindOf(err)), 0)
		return Outcome{}, err
	}
	startedAt := o.opts.Now()

	var captured *ImageRef
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{}
			err = &Error{Kind: KindUnclassified, Stage: o.currentStatus(), Err: fmt.Errorf("panic: %v", r)}
		}
		outcome, err = o.finish(ctx, *principal, startedAt, captured, outcome, err)
	}()
	return o.run(captureCtx, ctx, *principal, &captured)
}

func (o *Orchestrator) finish(ctx context.Context, principal Principal, startedAt time.Time, captured *ImageRef, outcome Outcome, err error) (Outcome, error) {
	defer o.reset()

	final := StatusSucceeded
	label := string(OutcomeSucceeded)
	if err != nil {
		final = StatusFailed
		var checkinErr *Error
		if !errors.As(err, &checkinErr) {
			checkinErr = &Error{Kind: KindUnclassified, Stage: o.currentStatus(), Err: err}
			err = checkinErr
		}
		label = checkinErr.Code()
		log.Printf("punch-in failed: user=%s stage=%s code=%s err=%v", principal.ID, checkinErr.Stage, checkinErr.Code(), checkinErr.Err)
	} else if outcome.Status == OutcomeCancelled {
		final = StatusIdle
		label = string(OutcomeCancelled)
	}

	if final != StatusIdle {
		o.transition(final)
	}
	if captured != nil {
		o.release(ctx, *captured, final == StatusSucceeded)
	}
	o.observeFinished(label, o.opts.Now().Sub(startedAt))
	return outcome, err
}

// LastCheckInTime returns the display time of the latest successful
// submission made through this orchestrator.
func (o *Orchestrator) LastCheckInTime() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastCheckIn == nil {
		return time.Time{}, false
	}
	return *o.lastCheckIn, true
}

// CancelCapture cancels the camera stage of the current session. It reports
// false when no capture is pending or the session was already cancelled;
// once an image exists the session cannot be cancelled.
func (o *Orchestrator) CancelCapture() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.Status != StatusAwaitingCapture || o.cancelCapture == nil || o.captureCancelled {
		return false
	}
	o.captureCancelled = true
	o.cancelCapture()
	return true
}

// State returns a copy of the current session.
func (o *Orchestrator) State() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// begin claims the session. The returned context scopes the capture stage
// and is cancelled by CancelCapture or when the session ends.
func (o *Orchestrator) begin(ctx context.Context) (*Principal, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session.active() {
		return nil, nil, &Error{Kind: KindConcurrency, Stage: o.session.Status}
	}
	principal := o.identity.CurrentPrincipal()
	if principal == nil || strings.TrimSpace(principal.ID) == "" {
		return nil, nil, &Error{Kind: KindAuthentication, Stage: StatusIdle, Err: ErrNotAuthenticated}
	}
	now := o.opts.Now()
	o.session = Session{Status: StatusAwaitingCapture, StartedAt: now}
	o.stageAt = now
	captureCtx, cancel := context.WithCancel(ctx)
	o.cancelCapture = cancel
	o.captureCancelled = false
	snapshot := *principal
	return &snapshot, captureCtx, nil
}

func (o *Orchestrator) run(captureCtx, ctx context.Context, principal Principal, captured **ImageRef) (Outcome, error) {
	if err := o.camera.Open(captureCtx); err != nil {
		if errors.Is(err, ErrCaptureCancelled) || captureCtx.Err() != nil {
			return Outcome{Status: OutcomeCancelled}, nil
		}
		return Outcome{}, classify(StatusAwaitingCapture, err)
	}
	ref, err := o.camera.Capture(captureCtx)
	if err != nil {
		if errors.Is(err, ErrCaptureCancelled) || captureCtx.Err() != nil {
			return Outcome{Status: OutcomeCancelled}, nil
		}
		return Outcome{}, classify(StatusAwaitingCapture, err)
	}
	capturedAt := o.opts.Now()
	*captured = &ref
	if !o.keepCapture(ref) {
		return Outcome{Status: OutcomeCancelled}, nil
	}
	o.transition(StatusAwaitingLocation)

	// Past this point the caller can no longer abandon the session.
	ctx = context.WithoutCancel(ctx)

	coords, err := o.locate(ctx)
	if err != nil {
		return Outcome{}, classify(StatusAwaitingLocation, err)
	}
	address := o.resolveAddress(ctx, coords)

	o.transition(StatusSubmitting)
	current := o.identity.CurrentPrincipal()
	if current == nil || current.ID != principal.ID {
		return Outcome{}, &Error{Kind: KindAuthentication, Stage: StatusSubmitting, Err: ErrNotAuthenticated}
	}

	imageRef := string(ref)
	input := RecordInput{
		UserID:     current.ID,
		Email:      current.Email,
		Latitude:   coords.Latitude,
		Longitude:  coords.Longitude,
		Address:    address,
		ImageRef:   &imageRef,
		CapturedAt: capturedAt,
	}
	storeCtx := ctx
	if o.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, o.opts.StoreTimeout)
		defer cancel()
	}
	receipt, err := o.store.Append(storeCtx, input)
	if err != nil {
		return Outcome{}, &Error{Kind: KindPersistence, Stage: StatusSubmitting, Err: err}
	}

	timestamp := receipt.Timestamp
	if timestamp.IsZero() {
		timestamp = o.opts.Now()
	}
	o.mu.Lock()
	o.lastCheckIn = &timestamp
	o.mu.Unlock()

	return Outcome{
		Status: OutcomeSucceeded,
		Record: &Record{
			ID:         receipt.ID,
			UserID:     input.UserID,
			Email:      input.Email,
			Timestamp:  timestamp,
			Latitude:   input.Latitude,
			Longitude:  input.Longitude,
			Address:    input.Address,
			ImageRef:   input.ImageRef,
			CapturedAt: input.CapturedAt,
		},
		DisplayTime: timestamp,
	}, nil
}

// keepCapture attaches the image to the session unless a cancel won the race
// against the frame. After it returns true CancelCapture has no effect.
func (o *Orchestrator) keepCapture(ref ImageRef) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.captureCancelled {
		return false
	}
	o.session.CapturedImageRef = &ref
	o.cancelCapture()
	o.cancelCapture = nil
	return true
}

func (o *Orchestrator) locate(ctx context.Context) (Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.LocationTimeout)
	defer cancel()
	coords, err := o.locator.CurrentLocation(ctx)
	if err != nil {
		return Coordinates{}, err
	}
	if !ValidCoordinates(coords) {
		return Coordinates{}, fmt.Errorf("%w: (%v, %v)", ErrInvalidLocation, coords.Latitude, coords.Longitude)
	}
	return coords, nil
}

// resolveAddress never fails the session; a missing label is acceptable.
func (o *Orchestrator) resolveAddress(ctx context.Context, coords Coordinates) *string {
	if o.opts.Resolver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.GeocodeTimeout)
	defer cancel()
	label, err := o.opts.Resolver.ReverseGeocode(ctx, coords)
	if err != nil {
		log.Printf("reverse geocode skipped: %v", err)
		return nil
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	return &label
}

func (o *Orchestrator) release(ctx context.Context, ref ImageRef, keep bool) {
	releaser, ok := o.camera.(ImageReleaser)
	if !ok {
		return
	}
	if err := releaser.Release(context.WithoutCancel(ctx), ref, keep); err != nil {
		log.Printf("image release error: ref=%s keep=%t err=%v", ref, keep, err)
	}
}

func (o *Orchestrator) transition(next Status) {
	o.mu.Lock()
	prev := o.session.Status
	now := o.opts.Now()
	elapsed := now.Sub(o.stageAt)
	o.session.Status = next
	o.stageAt = now
	o.mu.Unlock()
	if o.opts.Observer != nil {
		o.opts.Observer.StageCompleted(prev, elapsed)
	}
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelCapture != nil {
		o.cancelCapture()
		o.cancelCapture = nil
	}
	o.captureCancelled = false
	o.session = Session{Status: StatusIdle}
}

func (o *Orchestrator) currentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Status
}

func (o *Orchestrator) observeFinished(outcome string, elapsed time.Duration) {
	if o.opts.Observer != nil {
		o.opts.Observer.SessionFinished(outcome, elapsed)
	}
}
