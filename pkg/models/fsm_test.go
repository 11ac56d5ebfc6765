package models

import (
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    CaptureStatus
		to      CaptureStatus
		wantErr bool
	}{
		// Valid transitions
		{"Recording to Draining", CaptureStatusRecording, CaptureStatusDraining, false},
		{"Recording to Aborted", CaptureStatusRecording, CaptureStatusAborted, false},
		{"Recording to Lost", CaptureStatusRecording, CaptureStatusLost, false},
		{"Draining to Reported", CaptureStatusDraining, CaptureStatusReported, false},
		{"Draining to Aborted", CaptureStatusDraining, CaptureStatusAborted, false},
		{"Draining to Lost", CaptureStatusDraining, CaptureStatusLost, false},
		{"Lost to Reported", CaptureStatusLost, CaptureStatusReported, false},
		{"Lost to Aborted", CaptureStatusLost, CaptureStatusAborted, false},

		// Invalid transitions
		{"Recording to Reported", CaptureStatusRecording, CaptureStatusReported, true},
		{"Reported to Recording", CaptureStatusReported, CaptureStatusRecording, true},
		{"Reported to anything", CaptureStatusReported, CaptureStatusLost, true},
		{"Aborted to Recording", CaptureStatusAborted, CaptureStatusRecording, true},
		{"Aborted to Reported", CaptureStatusAborted, CaptureStatusReported, true},
		{"Lost to Draining", CaptureStatusLost, CaptureStatusDraining, true},
		{"Unknown source state", CaptureStatus("bogus"), CaptureStatusReported, true},

		// Legacy state mapping
		{"Active to Draining", CaptureStatusActive, CaptureStatusDraining, false},
		{"Draining to Done", CaptureStatusDraining, CaptureStatusDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		name     string
		state    CaptureStatus
		expected bool
	}{
		{"Reported is terminal", CaptureStatusReported, true},
		{"Aborted is terminal", CaptureStatusAborted, true},
		{"Done maps to terminal", CaptureStatusDone, true},
		{"Recording is not terminal", CaptureStatusRecording, false},
		{"Draining is not terminal", CaptureStatusDraining, false},
		{"Lost is not terminal", CaptureStatusLost, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalState(tt.state)
			if result != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestIsActiveState(t *testing.T) {
	tests := []struct {
		name     string
		state    CaptureStatus
		expected bool
	}{
		{"Recording is active", CaptureStatusRecording, true},
		{"Draining is active", CaptureStatusDraining, true},
		{"Active maps to active", CaptureStatusActive, true},
		{"Lost is not active", CaptureStatusLost, false},
		{"Reported is not active", CaptureStatusReported, false},
		{"Aborted is not active", CaptureStatusAborted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsActiveState(tt.state)
			if result != tt.expected {
				t.Errorf("IsActiveState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestCanAcceptReport(t *testing.T) {
	tests := []struct {
		name     string
		state    CaptureStatus
		expected bool
	}{
		{"Recording accepts report", CaptureStatusRecording, true},
		{"Draining accepts report", CaptureStatusDraining, true},
		{"Lost accepts late report", CaptureStatusLost, true},
		{"Reported rejects report", CaptureStatusReported, false},
		{"Aborted rejects report", CaptureStatusAborted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanAcceptReport(tt.state)
			if result != tt.expected {
				t.Errorf("CanAcceptReport(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		name     string
		state    CaptureStatus
		expected CaptureStatus
	}{
		{"Active maps to Recording", CaptureStatusActive, CaptureStatusRecording},
		{"Done maps to Reported", CaptureStatusDone, CaptureStatusReported},
		{"Recording stays Recording", CaptureStatusRecording, CaptureStatusRecording},
		{"Lost stays Lost", CaptureStatusLost, CaptureStatusLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeState(tt.state)
			if result != tt.expected {
				t.Errorf("normalizeState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
		})
	}
}

func TestIsOverdue(t *testing.T) {
	policy := DefaultCapturePolicy()
	now := time.Now()

	tests := []struct {
		name     string
		capture  *Capture
		expected bool
	}{
		{
			name: "Recording within deadline",
			capture: &Capture{
				Status:        CaptureStatusRecording,
				LastHeartbeat: now.Add(-30 * time.Second),
			},
			expected: false,
		},
		{
			name: "Recording past deadline",
			capture: &Capture{
				Status:        CaptureStatusRecording,
				LastHeartbeat: now.Add(-2 * time.Minute),
			},
			expected: true,
		},
		{
			name: "Draining gets the longer grace",
			capture: &Capture{
				Status:        CaptureStatusDraining,
				LastHeartbeat: now.Add(-90 * time.Second),
			},
			expected: false,
		},
		{
			name: "Draining past grace",
			capture: &Capture{
				Status:        CaptureStatusDraining,
				LastHeartbeat: now.Add(-3 * time.Minute),
			},
			expected: true,
		},
		{
			name: "Lost is never overdue",
			capture: &Capture{
				Status:        CaptureStatusLost,
				LastHeartbeat: now.Add(-time.Hour),
			},
			expected: false,
		},
		{
			name: "Reported is never overdue",
			capture: &Capture{
				Status:        CaptureStatusReported,
				LastHeartbeat: now.Add(-time.Hour),
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := policy.IsOverdue(tt.capture, now)
			if result != tt.expected {
				t.Errorf("IsOverdue() = %v, want %v", result, tt.expected)
			}
		})
	}
}
