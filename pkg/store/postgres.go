package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/reftrack/pkg/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hostname TEXT NOT NULL,
		pid INTEGER NOT NULL,
		go_version TEXT,
		labels JSONB,
		status TEXT NOT NULL,
		live_instances INTEGER NOT NULL DEFAULT 0,
		created_instances INTEGER NOT NULL DEFAULT 0,
		live_handles INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		error TEXT,
		state_transitions JSONB
	);

	CREATE TABLE IF NOT EXISTS reports (
		capture_id TEXT PRIMARY KEY,
		success BOOLEAN NOT NULL,
		leaked INTEGER NOT NULL,
		instances_created INTEGER NOT NULL,
		payload JSONB NOT NULL,
		completed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_captures_status ON captures(status);
	CREATE INDEX IF NOT EXISTS idx_captures_heartbeat ON captures(status, last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_captures_host ON captures(hostname, pid);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RegisterCapture adds or updates a capture in the store
func (s *PostgresStore) RegisterCapture(c *models.Capture) error {
	labels, err := json.Marshal(c.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	transitions, err := json.Marshal(c.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO captures
		(id, name, hostname, pid, go_version, labels, status, live_instances, created_instances,
		 live_handles, started_at, last_heartbeat, finished_at, error, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			go_version = EXCLUDED.go_version,
			labels = EXCLUDED.labels,
			status = EXCLUDED.status,
			live_instances = EXCLUDED.live_instances,
			created_instances = EXCLUDED.created_instances,
			live_handles = EXCLUDED.live_handles,
			started_at = EXCLUDED.started_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error,
			state_transitions = EXCLUDED.state_transitions
	`, c.ID, c.Name, c.Hostname, c.PID, c.GoVersion, string(labels),
		string(models.NormalizeStatus(c.Status)), c.LiveInstances, c.CreatedInstances,
		c.LiveHandles, c.StartedAt, c.LastHeartbeat, c.FinishedAt, c.Error, string(transitions))

	return err
}

// GetCapture retrieves a capture by ID
func (s *PostgresStore) GetCapture(id string) (*models.Capture, error) {
	row := s.db.QueryRow(`SELECT `+captureColumns+` FROM captures WHERE id = $1`, id)

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
func (s *PostgresStore) GetCaptureByHost(hostname string, pid int) (*models.Capture, error) {
	row := s.db.QueryRow(`
		SELECT `+captureColumns+`
		FROM captures
		WHERE hostname = $1 AND pid = $2 AND status NOT IN ($3, $4)
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
func (s *PostgresStore) GetAllCaptures() []*models.Capture {
	rows, err := s.db.Query(`SELECT ` + captureColumns + ` FROM captures ORDER BY started_at DESC`)
	if err != nil {
		return []*models.Capture{}
	}
	return collectCaptures(rows)
}

// GetCaptures returns captures filtered by status; empty status returns all
func (s *PostgresStore) GetCaptures(status string) ([]*models.Capture, error) {
	if status == "" {
		return s.GetAllCaptures(), nil
	}
	want := string(models.NormalizeStatus(models.CaptureStatus(status)))

	rows, err := s.db.Query(`
		SELECT `+captureColumns+`
		FROM captures WHERE status = $1 ORDER BY started_at DESC
	`, want)
	if err != nil {
		return nil, err
	}
	return collectCaptures(rows), nil
}

// UpdateCaptureStatus performs a validated state transition with idempotency.
// Returns transitioned=false when the capture is already in the target state.
func (s *PostgresStore) UpdateCaptureStatus(id string, to models.CaptureStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Row lock prevents concurrent transitions on the same capture
	var currentStatus string
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`
		SELECT status, state_transitions FROM captures WHERE id = $1 FOR UPDATE
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

	query := `UPDATE captures SET status = $1, state_transitions = $2`
	args := []interface{}{string(to), string(newTransitionsJSON)}
	next := 3

	if models.IsTerminalState(to) {
		query += fmt.Sprintf(`, finished_at = COALESCE(finished_at, $%d)`, next)
		args = append(args, now)
		next++
	}
	if reason != "" && (to == models.CaptureStatusAborted || to == models.CaptureStatusLost) {
		query += fmt.Sprintf(`, error = $%d`, next)
		args = append(args, reason)
		next++
	}
	query += fmt.Sprintf(` WHERE id = $%d`, next)
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
func (s *PostgresStore) UpdateCaptureHeartbeat(hb *models.Heartbeat) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`
		SELECT status FROM captures WHERE id = $1 FOR UPDATE
	`, hb.CaptureID).Scan(&status)
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
		SET last_heartbeat = $1, live_instances = $2, created_instances = $3, live_handles = $4
		WHERE id = $5
	`, ts, hb.LiveInstances, hb.CreatedInstances, hb.LiveHandles, hb.CaptureID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrphanedCaptures finds captures still expected to heartbeat whose
// last heartbeat is older than the timeout
func (s *PostgresStore) GetOrphanedCaptures(timeout time.Duration) ([]*models.Capture, error) {
	cutoff := time.Now().Add(-timeout)

	rows, err := s.db.Query(`
		SELECT `+captureColumns+`
		FROM captures
		WHERE status IN ($1, $2) AND last_heartbeat < $3
		ORDER BY last_heartbeat ASC
	`, string(models.CaptureStatusRecording), string(models.CaptureStatusDraining), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned captures: %w", err)
	}
	return collectCaptures(rows), nil
}

// DeleteCapture removes a capture and its report
func (s *PostgresStore) DeleteCapture(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM captures WHERE id = $1`, id)
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

	if _, err := tx.Exec(`DELETE FROM reports WHERE capture_id = $1`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// PruneFinished removes terminal captures that finished before the retention window
func (s *PostgresStore) PruneFinished(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

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
			WHERE status IN ($1, $2) AND finished_at IS NOT NULL AND finished_at < $3
		)
	`, append(terminal, cutoff)...)
	if err != nil {
		return 0, err
	}

	result, err := tx.Exec(`
		DELETE FROM captures
		WHERE status IN ($1, $2) AND finished_at IS NOT NULL AND finished_at < $3
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
func (s *PostgresStore) SaveReport(env *models.ReportEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	completedAt := env.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO reports (capture_id, success, leaked, instances_created, payload, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (capture_id) DO UPDATE SET
			success = EXCLUDED.success,
			leaked = EXCLUDED.leaked,
			instances_created = EXCLUDED.instances_created,
			payload = EXCLUDED.payload,
			completed_at = EXCLUDED.completed_at
	`, env.CaptureID, env.Report.Success, env.Report.Leaked(), env.Report.InstancesCreated,
		string(payload), completedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE captures SET live_instances = $1, created_instances = $2 WHERE id = $3
	`, env.Report.Leaked(), env.Report.InstancesCreated, env.CaptureID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetReport retrieves the report for a capture
func (s *PostgresStore) GetReport(captureID string) (*models.ReportEnvelope, error) {
	var payload string
	err := s.db.QueryRow(`
		SELECT payload FROM reports WHERE capture_id = $1
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
func (s *PostgresStore) ListReports() ([]*models.ReportEnvelope, error) {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space and refreshes planner statistics
func (s *PostgresStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM ANALYZE captures, reports")
	return err
}

// GetCaptureMetrics aggregates capture statistics for the metrics endpoint
func (s *PostgresStore) GetCaptureMetrics() (*CaptureMetrics, error) {
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
		FROM captures WHERE status IN ($1, $2)
	`, string(models.CaptureStatusRecording), string(models.CaptureStatusDraining)).
		Scan(&m.ActiveCaptures, &m.LiveInstances, &m.CreatedInstances)
	if err != nil {
		return nil, fmt.Errorf("query active captures: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)))
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
