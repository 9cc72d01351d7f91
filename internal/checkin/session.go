package checkin

import "time"

type Status string

const (
	StatusIdle             Status = "idle"
	StatusAwaitingCapture  Status = "awaiting_capture"
	StatusAwaitingLocation Status = "awaiting_location"
	StatusSubmitting       Status = "submitting"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Session tracks one in-flight punch-in attempt. It is owned by the
// Orchestrator and only mutated while holding its lock.
type Session struct {
	Status           Status
	CapturedImageRef *ImageRef
	StartedAt        time.Time
}

func (s Session) active() bool {
	return s.Status != StatusIdle
}

// CameraVisible is the UI projection of the capture stage.
func (s Session) CameraVisible() bool {
	return s.Status == StatusAwaitingCapture
}

// Busy reports whether the punch-in control should be disabled.
func (s Session) Busy() bool {
	return s.Status == StatusAwaitingLocation || s.Status == StatusSubmitting
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the non-error result of PunchIn. Record is set only when
// Status is OutcomeSucceeded.
type Outcome struct {
	Status      OutcomeStatus
	Record      *Record
	DisplayTime time.Time
}
