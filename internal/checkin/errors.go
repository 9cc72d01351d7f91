package checkin

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "not_authenticated"
	KindConcurrency    Kind = "already_in_progress"
	KindPermission     Kind = "permission_denied"
	KindUserCancelled  Kind = "capture_cancelled"
	KindAvailability   Kind = "location_unavailable"
	KindPersistence    Kind = "persistence_error"
	KindUnclassified   Kind = "unknown"
)

var messages = map[Kind]string{
	KindAuthentication: "You need to sign in before punching in.",
	KindConcurrency:    "A check-in is already in progress.",
	KindPermission:     "Camera or location access was denied.",
	KindAvailability:   "Unable to get location. Please ensure location services are enabled.",
	KindPersistence:    "Failed to save check-in.",
	KindUnclassified:   "Check-in failed.",
}

// Error is the only error type PunchIn returns. Err keeps the collaborator
// failure for diagnostics and is never shown as the primary message.
type Error struct {
	Kind  Kind
	Stage Status
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Code() string {
	return string(e.Kind)
}

// Message is the user-facing text for the failure category.
func (e *Error) Message() string {
	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	return messages[KindUnclassified]
}

// KindOf extracts the failure kind from err, KindUnclassified when err was
// not produced by the orchestrator.
func KindOf(err error) Kind {
	var checkinErr *Error
	if errors.As(err, &checkinErr) {
		return checkinErr.Kind
	}
	return KindUnclassified
}

func classify(stage Status, err error) *Error {
	kind := KindUnclassified
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		kind = KindAuthentication
	case errors.Is(err, ErrPermissionDenied):
		kind = KindPermission
	case errors.Is(err, ErrCaptureCancelled):
		kind = KindUserCancelled
	case errors.Is(err, ErrLocationTimeout), errors.Is(err, ErrInvalidLocation):
		kind = KindAvailability
	default:
		switch stage {
		case StatusAwaitingCapture, StatusAwaitingLocation:
			kind = KindAvailability
		case StatusSubmitting:
			kind = KindPersistence
		}
		if stage == StatusAwaitingLocation && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrLocationTimeout, err)
		}
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}
