package store

import (
	"errors"
	"time"

	"github.com/psantana5/reftrack/pkg/models"
)

// Store defines the interface for capture and report persistence.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	// Capture operations
	RegisterCapture(c *models.Capture) error
	GetCapture(id string) (*models.Capture, error)
	GetCaptureByHost(hostname string, pid int) (*models.Capture, error)
	GetAllCaptures() []*models.Capture
	GetCaptures(status string) ([]*models.Capture, error)
	UpdateCaptureStatus(id string, to models.CaptureStatus, reason string) (bool, error)
	UpdateCaptureHeartbeat(hb *models.Heartbeat) error
	GetOrphanedCaptures(timeout time.Duration) ([]*models.Capture, error)
	DeleteCapture(id string) error
	PruneFinished(olderThan time.Duration) (int, error)

	// Report operations
	SaveReport(env *models.ReportEnvelope) error
	GetReport(captureID string) (*models.ReportEnvelope, error)
	ListReports() ([]*models.ReportEnvelope, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error

	// Metrics operations (aggregates for the metrics endpoint)
	GetCaptureMetrics() (*CaptureMetrics, error)
}

// CaptureMetrics contains aggregated capture statistics for the metrics endpoint
type CaptureMetrics struct {
	CapturesByStatus  map[models.CaptureStatus]int
	ActiveCaptures    int
	TotalCaptures     int
	LiveInstances     int
	CreatedInstances  int
	ReportCount       int
	LeakedReports     int
	LeakedInstances   int
	AvgCaptureSeconds float64
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "trackd.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		// Default to the in-memory store for single-run setups
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var ErrUnsupportedDatabase = errors.New("unsupported database type")

// Ensure all implementations satisfy the interface
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
