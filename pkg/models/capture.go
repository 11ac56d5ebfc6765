package models

import (
	"time"
)

// CaptureStatus represents the lifecycle state of a capture
type CaptureStatus string

const (
	CaptureStatusRecording CaptureStatus = "recording"
	CaptureStatusDraining  CaptureStatus = "draining"
	CaptureStatusReported  CaptureStatus = "reported"
	CaptureStatusAborted   CaptureStatus = "aborted"
	CaptureStatusLost      CaptureStatus = "lost"

	// Legacy wire values still sent by old clients, normalized by the FSM
	CaptureStatusActive CaptureStatus = "active"
	CaptureStatusDone   CaptureStatus = "done"
)

// Capture represents one tracked process session reporting to the collector
type Capture struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"` // Human-friendly session name (defaults to process name)
	Hostname         string            `json:"hostname"`
	PID              int               `json:"pid"`
	GoVersion        string            `json:"go_version,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Status           CaptureStatus     `json:"status"`
	LiveInstances    int               `json:"live_instances"`
	CreatedInstances int               `json:"created_instances"`
	LiveHandles      int               `json:"live_handles,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// CaptureRegistration represents a capture registration request
type CaptureRegistration struct {
	Name      string            `json:"name"`
	Hostname  string            `json:"hostname"`
	PID       int               `json:"pid"`
	GoVersion string            `json:"go_version,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Heartbeat carries the periodic liveness signal from a tracked process
type Heartbeat struct {
	CaptureID        string    `json:"capture_id"`
	LiveInstances    int       `json:"live_instances"`
	CreatedInstances int       `json:"created_instances"`
	LiveHandles      int       `json:"live_handles,omitempty"`
	CPUPercent       float64   `json:"cpu_percent,omitempty"`
	RSSBytes         uint64    `json:"rss_bytes,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// StateTransition tracks capture state changes with timestamps
type StateTransition struct {
	From      CaptureStatus `json:"from"`
	To        CaptureStatus `json:"to"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
}
