package models

import (
	"time"
)

// EventType distinguishes reference acquisition from release
type EventType string

const (
	EventAcquire EventType = "acquire"
	EventRelease EventType = "release"
)

// HandleRef identifies the strong or weak handle an event went through.
// Handle ids are assigned per process and never reused within a capture.
type HandleRef struct {
	ID   uint64 `json:"id"`
	Site string `json:"site,omitempty"` // Function that performed the operation
}

// BacktraceRecord is one acquire or release event with the call stack that produced it
type BacktraceRecord struct {
	Type   EventType `json:"type"`
	Handle HandleRef `json:"handle"`
	Lines  []string  `json:"lines"`
}

// Instance describes a refcounted cell still alive when the report was cut,
// with every acquire that was never matched by a release
type Instance struct {
	ID         uint64            `json:"id"`
	Label      string            `json:"label,omitempty"`
	Backtraces []BacktraceRecord `json:"backtraces"`
}

// LeakReport is the end-of-capture summary produced by the tracker.
// Success means every cell created during the capture was released.
// The hyphenated instances-created key is fixed; report consumers key on it.
type LeakReport struct {
	Success          bool       `json:"success"`
	Instances        []Instance `json:"instances"`
	InstancesCreated int        `json:"instances-created"`
}

// Leaked returns the number of cells still alive in the report
func (r *LeakReport) Leaked() int {
	return len(r.Instances)
}

// ReportEnvelope wraps a leak report pushed from a tracked process to the collector
type ReportEnvelope struct {
	CaptureID   string     `json:"capture_id"`
	Report      LeakReport `json:"report"`
	CompletedAt time.Time  `json:"completed_at"`
}
