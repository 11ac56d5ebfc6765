package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/reftrack/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT NOT NULL,
		pid INTEGER NOT NULL,
		go_version TEXT,
		labels TEXT,
		status TEXT NOT NULL,
		live_instances INTEGER NOT NULL DEFAULT 0,
		created_instances INTEGER NOT NULL DEFAULT 0,
		live_handles INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		finished_at DATETIME,
		error TEXT,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS reports (
		capture_id TEXT PRIMARY KEY,
		success BOOLEAN NOT NULL,
		leaked INTEGER NOT NULL,
		instances_created INTEGER NOT NULL,
		payload TEXT NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
	CREATE INDEX IF NOT EXISTS idx_captures_heartbeat ON captures(status, last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_captures_host ON captures(hostname, pid);
	`

	_, err := s.db.Exec(schema)
	return err
}

const captureColumns = `id, name, hostname, pid, go_version, labels, status,
	live_instances, created_instances, live_handles,
	started_at, last_heartbeat, finished_at, error, state_transitions`

type rowScanner interface {
	Scan(...interface{}) error
}

// scanCapture reads one capture row in captureColumns order
func scanCapture(sc rowScanner) (*models.Capture, error) {
	var c models.Capture
	var goVersion, errMsg, labelsJSON, transitionsJSON sql.NullString
	var finishedAt sql.NullTime

	if err := sc.Scan(&c.ID, &c.Name, &c.Hostname, &c.PID, &goVersion, &labelsJSON, &c.Status,
		&c.LiveInstances, &c.CreatedInstances, &c.LiveHandles, &c.StartedAt, &c.LastHeartbeat,
		&finishedAt, &errMsg, &transitionsJSON); err != nil {
		return nil, err
	}

	c.GoVersion = goVersion.String
	c.Error = errMsg.String
	if finishedAt.Valid {
		c.FinishedAt = &finishedAt.Time
	}

	if labelsJSON.Valid && labelsJSON.String != "" && labelsJSON.String != "null" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &c.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &c.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}

	return &c, nil
}

// collectCaptures drains rows, skipping any that fail to scan
func collectCaptures(rows *sql.Rows) []*models.Capture {
	defer rows.Close()

	captures := []*models.Capture{}
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			continue
		}
		captures = append(captures, c)
	}
	return captures
}

// RegisterCapture adds or updates a capture in the store
func (s *SQLiteStore) RegisterCapture(c *models.Capture) error {
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	transitions, err := json.Marshal(c.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO captures
		(id, name, hostname, pid, go_version, labels, status, live_instances, created_instances,
		 live_handles, started_at, last_heartbeat, finished_at, error, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Hostname, c.PID, c.GoVersion, string(labels),
		string(models.NormalizeStatus(c.Status)), c.LiveInstances, c.CreatedInstances,
		c.LiveHandles, c.StartedAt, c.LastHeartbeat, c.FinishedAt, c.Error, string(transitions))

	return err
}

// GetCapture retrieves a capture by ID
func (s *SQLiteStore) GetCapture(id string) (*models.Capture, error) {
	row := s.db.QueryRow(`SELECT `+captureColumns+` FROM captures WHERE id = ?`, id)

	c, err := scanCapture(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaptureNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCaptureByHost retrieves the newest non-terminal capture for a
// hostname/pid pair, used to recognize re-registration after a client retry
func (s *SQLiteStore) GetCaptureByHost(hostname string, pid int) (*models.Capture, error) {
	row := s.db.QueryRow(`
		SELECT `+captureColumns+`
		FROM captures
		WHERE hostname = ? AND pid = ? AND status NOT IN (?, ?)
		ORDER BY started_at DESC
		LIMIT 1
	`, hostname, pid, string(models.CaptureStatusReported), string(models.CaptureStatusAborted))

	c, err := scanCapture(row)
	if err == sql.ErrNoRows {
		return nil, ErrCaptureNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetAllCaptures returns all captures, newest first
func (s *SQLiteStore) GetAllCaptures() []*models.Capture {
	rows, err := s.db.Query(`SELECT ` + captureColumns + ` FROM captures ORDER BY started_at DESC`)
	if err != nil {
		return []*models.Capture{}
	}
	return collectCaptures(rows)
}

// GetCaptures returns captures filtered by status; empty status returns all
func (s *SQLiteStore) GetCaptures(status string) ([]*models.Capture, error) {
	if status == "" {
		return s.GetAllCaptures(), nil
	}
	want := string(models.NormalizeStatus(models.CaptureStatus(status)))

	rows, err := s.db.Query(`
		SELECT `+captureColumns+`
		FROM captures WHERE status = ? ORDER BY started_at DESC
	`, want)
	if err != nil {
		return nil, err
	}
	return collectCaptures(rows), nil
}

// UpdateCaptureStatus performs a validated state transition with idempotency.
// Returns transitioned=false when the capture is already in the target state.
func (s *SQLiteStore) UpdateCaptureStatus(id string, to models.CaptureStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`
		SELECT status, state_transitions FROM captures WHERE id = ?
	`, id).Scan(&currentStatus, &transitionsJSON)

	if err == sql.ErrNoRows {
		return false, ErrCaptureNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get capture state: %w", err)
	}

	from := models.NormalizeStatus(models.CaptureStatus(currentStatus))
	to = models.NormalizeStatus(to)

	// Idempotency: already in target state is a no-op
	if from == to {
		return false, nil
	}

	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}

	var transitions []models.StateTransition
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
			transitions = []models.StateTransition{}
		}
	}

	now := time.Now()
	transitions = append(transitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	newTransitionsJSON, err := json.Marshal(transitions)
	if err != nil {
		return false, fmt.Errorf("marshal transitions: %w", err)
	}

	query := `UPDATE captures SET status = ?, state_transitions = ?`
	args := []interface{}{string(to), string(newTransitionsJSON)}

	if models.IsTerminalState(to) {
		query += `, finished_at = COALESCE(finished_at, ?)`
		args = append(args, now)
	}
	if reason != "" && (to == models.CaptureStatusAborted || to == models.CaptureStatusLost) {
		query += `, error = ?`
		args = append(args, reason)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.Exec(query, args...); err != nil {
		return false, fmt.Errorf("update capture state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return true, nil
}

// UpdateCaptureHeartbeat records a liveness signal and the counters it carries
func (s *SQLiteStore) UpdateCaptureHeartbeat(hb *models.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM captures WHERE id = ?`, hb.CaptureID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrCaptureNotFound
	}
	if err != nil {
		return err
	}
	if models.IsTerminalState(models.CaptureStatus(status)) {
		return ErrCaptureFinished
	}

	ts := hb.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = tx.Exec(`
		UPDATE captures
		SET last_heartbeat = ?, live_instances = ?, created_instances = ?, live_handles = ?
		WHERE id = ?
	`, ts, hb.LiveInstances, hb.CreatedInstances, hb.LiveHandles, hb.CaptureID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrphanedCaptures finds captures still expected to heartbeat whose
// last heartbeat is older than the timeout
func (s *SQLiteStore) GetOrphanedCaptures(timeout time.Duration) ([]*models.Capture, error) {
	cutoff := time.Now().Add(-timeout)

	rows, err := s.db.Query(`
		SELECT `+captureColumns+`
		FROM captures
		WHERE status IN (?, ?) AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC
	`, string(models.CaptureStatusRecording), string(models.CaptureStatusDraining), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned captures: %w", err)
	}
	return collectCaptures(rows), nil
}

// DeleteCapture removes a capture and its report
func (s *SQLiteStore) DeleteCapture(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM captures WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCaptureNotFound
	}

	if _, err := tx.Exec(`DELETE FROM reports WHERE capture_id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// PruneFinished removes terminal captures that finished before the retention window
func (s *SQLiteStore) PruneFinished(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	terminal := []interface{}{
		string(models.CaptureStatusReported), string(models.CaptureStatusAborted),
	}

	_, err = tx.Exec(`
		DELETE FROM reports WHERE capture_id IN (
			SELECT id FROM captures
			WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
		)
	`, append(terminal, cutoff)...)
	if err != nil {
		return 0, err
	}

	result, err := tx.Exec(`
		DELETE FROM captures
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, append(terminal, cutoff)...)
	if err != nil {
		return 0, err
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// SaveReport persists the final report for a capture and syncs the capture
// counters with what the report says survived
func (s *SQLiteStore) SaveReport(env *models.ReportEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	completedAt := env.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO reports
		(capture_id, success, leaked, instances_created, payload, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, env.CaptureID, env.Report.Success, env.Report.Leaked(), env.Report.InstancesCreated,
		string(payload), completedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE captures SET live_instances = ?, created_instances = ? WHERE id = ?
	`, env.Report.Leaked(), env.Report.InstancesCreated, env.CaptureID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetReport retrieves the report for a capture
func (s *SQLiteStore) GetReport(captureID string) (*models.ReportEnvelope, error) {
	var payload string
	err := s.db.QueryRow(`
		SELECT payload FROM reports WHERE capture_id = ?
	`, captureID).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}

	var env models.ReportEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &env, nil
}

// ListReports returns all stored reports, newest first
func (s *SQLiteStore) ListReports() ([]*models.ReportEnvelope, error) {
	rows, err := s.db.Query(`SELECT payload FROM reports ORDER BY completed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []*models.ReportEnvelope{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var env models.ReportEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue
		}
		reports = append(reports, &env)
	}
	return reports, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space from deleted rows
func (s *SQLiteStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("VACUUM")
	return err
}

// GetCaptureMetrics aggregates capture statistics for the metrics endpoint
func (s *SQLiteStore) GetCaptureMetrics() (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		CapturesByStatus: make(map[models.CaptureStatus]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query capture counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		m.CapturesByStatus[models.NormalizeStatus(models.CaptureStatus(status))] += count
		m.TotalCaptures += count
	}
	rows.Close()

	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(live_instances), 0), COALESCE(SUM(created_instances), 0)
		FROM captures WHERE status IN (?, ?)
	`, string(models.CaptureStatusRecording), string(models.CaptureStatusDraining)).
		Scan(&m.ActiveCaptures, &m.LiveInstances, &m.CreatedInstances)
	if err != nil {
		return nil, fmt.Errorf("query active captures: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT AVG((julianday(finished_at) - julianday(started_at)) * 86400.0)
		FROM captures WHERE finished_at IS NOT NULL
	`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query capture durations: %w", err)
	}
	if avg.Valid {
		m.AvgCaptureSeconds = avg.Float64
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(leaked), 0),
		       COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		FROM reports
	`).Scan(&m.ReportCount, &m.LeakedInstances, &m.LeakedReports)
	if err != nil {
		return nil, fmt.Errorf("query report counts: %w", err)
	}

	return m, nil
}
