package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/reftrack/pkg/models"
)

var (
	ErrCaptureNotFound = errors.New("capture not found")
	ErrReportNotFound  = errors.New("report not found")
	ErrCaptureFinished = errors.New("capture already finished")
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	captures   map[string]*models.Capture
	reports    map[string]*models.ReportEnvelope
	capturesMu sync.RWMutex
	reportsMu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		captures: make(map[string]*models.Capture),
		reports:  make(map[string]*models.ReportEnvelope),
	}
}

// Capture operations

// RegisterCapture adds or updates a capture in the store
func (s *MemoryStore) RegisterCapture(c *models.Capture) error {
	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	s.captures[c.ID] = c
	return nil
}

// GetCapture retrieves a capture by ID
func (s *MemoryStore) GetCapture(id string) (*models.Capture, error) {
	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	c, ok := s.captures[id]
	if !ok {
		return nil, ErrCaptureNotFound
	}
	return c, nil
}

// GetCaptureByHost retrieves the newest non-terminal capture for a
// hostname/pid pair, used to recognize re-registration after a client retry
func (s *MemoryStore) GetCaptureByHost(hostname string, pid int) (*models.Capture, error) {
	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	var found *models.Capture
	for _, c := range s.captures {
		if c.Hostname != hostname || c.PID != pid {
			continue
		}
		if models.IsTerminalState(c.Status) {
			continue
		}
		if found == nil || c.StartedAt.After(found.StartedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrCaptureNotFound
	}
	return found, nil
}

// GetAllCaptures returns all captures, newest first
func (s *MemoryStore) GetAllCaptures() []*models.Capture {
	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	captures := make([]*models.Capture, 0, len(s.captures))
	for _, c := range s.captures {
		captures = append(captures, c)
	}
	sort.Slice(captures, func(i, j int) bool {
		return captures[i].StartedAt.After(captures[j].StartedAt)
	})
	return captures
}

// GetCaptures returns captures filtered by status; empty status returns all
func (s *MemoryStore) GetCaptures(status string) ([]*models.Capture, error) {
	if status == "" {
		return s.GetAllCaptures(), nil
	}
	want := models.NormalizeStatus(models.CaptureStatus(status))

	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	captures := []*models.Capture{}
	for _, c := range s.captures {
		if models.NormalizeStatus(c.Status) == want {
			captures = append(captures, c)
		}
	}
	sort.Slice(captures, func(i, j int) bool {
		return captures[i].StartedAt.After(captures[j].StartedAt)
	})
	return captures, nil
}

// UpdateCaptureStatus performs a validated state transition with idempotency.
// Returns transitioned=false when the capture is already in the target state.
func (s *MemoryStore) UpdateCaptureStatus(id string, to models.CaptureStatus, reason string) (bool, error) {
	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	c, ok := s.captures[id]
	if !ok {
		return false, ErrCaptureNotFound
	}

	from := models.NormalizeStatus(c.Status)
	to = models.NormalizeStatus(to)

	// Idempotency: already in target state is a no-op
	if from == to {
		return false, nil
	}

	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}

	now := time.Now()
	c.StateTransitions = append(c.StateTransitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	c.Status = to
	if models.IsTerminalState(to) && c.FinishedAt == nil {
		c.FinishedAt = &now
	}
	if reason != "" && (to == models.CaptureStatusAborted || to == models.CaptureStatusLost) {
		c.Error = reason
	}

	return true, nil
}

// UpdateCaptureHeartbeat records a liveness signal and the counters it carries
func (s *MemoryStore) UpdateCaptureHeartbeat(hb *models.Heartbeat) error {
	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	c, ok := s.captures[hb.CaptureID]
	if !ok {
		return ErrCaptureNotFound
	}
	if models.IsTerminalState(c.Status) {
		return ErrCaptureFinished
	}

	ts := hb.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.LastHeartbeat = ts
	c.LiveInstances = hb.LiveInstances
	c.CreatedInstances = hb.CreatedInstances
	c.LiveHandles = hb.LiveHandles
	return nil
}

// GetOrphanedCaptures finds captures still expected to heartbeat whose
// last heartbeat is older than the timeout
func (s *MemoryStore) GetOrphanedCaptures(timeout time.Duration) ([]*models.Capture, error) {
	cutoff := time.Now().Add(-timeout)

	s.capturesMu.RLock()
	defer s.capturesMu.RUnlock()

	orphaned := []*models.Capture{}
	for _, c := range s.captures {
		if models.IsActiveState(c.Status) && c.LastHeartbeat.Before(cutoff) {
			orphaned = append(orphaned, c)
		}
	}
	return orphaned, nil
}

// DeleteCapture removes a capture and its report
func (s *MemoryStore) DeleteCapture(id string) error {
	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	if _, ok := s.captures[id]; !ok {
		return ErrCaptureNotFound
	}
	delete(s.captures, id)

	s.reportsMu.Lock()
	delete(s.reports, id)
	s.reportsMu.Unlock()

	return nil
}

// PruneFinished removes terminal captures that finished before the retention window
func (s *MemoryStore) PruneFinished(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()

	removed := 0
	for id, c := range s.captures {
		if !models.IsTerminalState(c.Status) || c.FinishedAt == nil {
			continue
		}
		if c.FinishedAt.Before(cutoff) {
			delete(s.captures, id)
			s.reportsMu.Lock()
			delete(s.reports, id)
			s.reportsMu.Unlock()
			removed++
		}
	}
	return removed, nil
}

// Report operations

// SaveReport persists the final report for a capture and syncs the capture
// counters with what the report says survived
func (s *MemoryStore) SaveReport(env *models.ReportEnvelope) error {
	s.reportsMu.Lock()
	s.reports[env.CaptureID] = env
	s.reportsMu.Unlock()

	s.capturesMu.Lock()
	defer s.capturesMu.Unlock()
	if c, ok := s.captures[env.CaptureID]; ok {
		c.LiveInstances = env.Report.Leaked()
		c.CreatedInstances = env.Report.InstancesCreated
	}
	return nil
}

// GetReport retrieves the report for a capture
func (s *MemoryStore) GetReport(captureID string) (*models.ReportEnvelope, error) {
	s.reportsMu.RLock()
	defer s.reportsMu.RUnlock()

	env, ok := s.reports[captureID]
	if !ok {
		return nil, ErrReportNotFound
	}
	return env, nil
}

// ListReports returns all stored reports, newest first
func (s *MemoryStore) ListReports() ([]*models.ReportEnvelope, error) {
	s.reportsMu.RLock()
	defer s.reportsMu.RUnlock()

	reports := make([]*models.ReportEnvelope, 0, len(s.reports))
	for _, env := range s.reports {
		reports = append(reports, env)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CompletedAt.After(reports[j].CompletedAt)
	})
	return reports, nil
}

// Lifecycle

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Vacuum is a no-op for the in-memory store
func (s *MemoryStore) Vacuum() error {
	return nil
}

// GetCaptureMetrics aggregates capture statistics for the metrics endpoint
func (s *MemoryStore) GetCaptureMetrics() (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		CapturesByStatus: make(map[models.CaptureStatus]int),
	}

	s.capturesMu.RLock()
	var totalSeconds float64
	finished := 0
	for _, c := range s.captures {
		m.CapturesByStatus[models.NormalizeStatus(c.Status)]++
		m.TotalCaptures++
		if models.IsActiveState(c.Status) {
			m.ActiveCaptures++
			m.LiveInstances += c.LiveInstances
			m.CreatedInstances += c.CreatedInstances
		}
		if c.FinishedAt != nil {
			totalSeconds += c.FinishedAt.Sub(c.StartedAt).Seconds()
			finished++
		}
	}
	s.capturesMu.RUnlock()
	if finished > 0 {
		m.AvgCaptureSeconds = totalSeconds / float64(finished)
	}

	s.reportsMu.RLock()
	for _, env := range s.reports {
		m.ReportCount++
		m.LeakedInstances += env.Report.Leaked()
		if !env.Report.Success {
			m.LeakedReports++
		}
	}
	s.reportsMu.RUnlock()

	return m, nil
}
