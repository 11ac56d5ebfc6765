package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[CaptureStatus]map[CaptureStatus]bool{
	CaptureStatusRecording: {
		CaptureStatusDraining: true, // Recording → Draining (process exiting, tracker flushing)
		CaptureStatusAborted:  true, // Recording → Aborted (user discards the capture)
		CaptureStatusLost:     true, // Recording → Lost (heartbeats stopped)
	},
	CaptureStatusDraining: {
		CaptureStatusReported: true, // Draining → Reported (final report landed)
		CaptureStatusAborted:  true, // Draining → Aborted (user discards mid-flush)
		CaptureStatusLost:     true, // Draining → Lost (process died before the report arrived)
	},
	CaptureStatusLost: {
		CaptureStatusReported: true, // Lost → Reported (report arrived after the deadline)
		CaptureStatusAborted:  true, // Lost → Aborted (user cleans up a dead capture)
	},
	// Terminal states (no transitions allowed)
	CaptureStatusReported: {},
	CaptureStatusAborted:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to CaptureStatus) error {
	// Handle legacy states by mapping them
	from = normalizeState(from)
	to = normalizeState(to)

	// Check if from-state is known
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	// Check if transition is allowed
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// normalizeState maps legacy wire states to FSM states
func normalizeState(state CaptureStatus) CaptureStatus {
	switch state {
	case CaptureStatusActive:
		return CaptureStatusRecording
	case CaptureStatusDone:
		return CaptureStatusReported
	default:
		return state
	}
}

// NormalizeStatus maps legacy wire states to their FSM equivalents so
// stores persist canonical values
func NormalizeStatus(state CaptureStatus) CaptureStatus {
	return normalizeState(state)
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state CaptureStatus) bool {
	state = normalizeState(state)
	return state == CaptureStatusReported || state == CaptureStatusAborted
}

// IsActiveState returns true if the tracked process is still expected to heartbeat
func IsActiveState(state CaptureStatus) bool {
	state = normalizeState(state)
	return state == CaptureStatusRecording || state == CaptureStatusDraining
}

// CanAcceptReport returns true if a final report may still land on this capture
func CanAcceptReport(state CaptureStatus) bool {
	state = normalizeState(state)
	return state == CaptureStatusRecording || state == CaptureStatusDraining || state == CaptureStatusLost
}

// CapturePolicy represents liveness thresholds for captures
type CapturePolicy struct {
	HeartbeatInterval time.Duration // Expected gap between heartbeats
	LostAfter         time.Duration // Silence beyond this marks a recording capture lost
	DrainGrace        time.Duration // Max time a capture may stay draining before it is lost
	RetainFinished    time.Duration // How long terminal captures are kept before cleanup
}

// DefaultCapturePolicy returns default liveness thresholds
func DefaultCapturePolicy() *CapturePolicy {
	return &CapturePolicy{
		HeartbeatInterval: 15 * time.Second,
		LostAfter:         60 * time.Second,
		DrainGrace:        2 * time.Minute,
		RetainFinished:    24 * time.Hour,
	}
}

// Deadline returns the instant after which the capture counts as lost
func (cp *CapturePolicy) Deadline(c *Capture) time.Time {
	if normalizeState(c.Status) == CaptureStatusDraining {
		return c.LastHeartbeat.Add(cp.DrainGrace)
	}
	return c.LastHeartbeat.Add(cp.LostAfter)
}

// IsOverdue reports whether the capture missed its liveness deadline
func (cp *CapturePolicy) IsOverdue(c *Capture, now time.Time) bool {
	if !IsActiveState(c.Status) {
		return false
	}
	return now.After(cp.Deadline(c))
}
