// Package sweep watches capture liveness for the collector. Captures
// that stop heartbeating are marked lost, terminal captures past
// retention are pruned, and the database gets periodic maintenance.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/reftrack/pkg/logging"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/store"
)

// MetricsRecorder receives per-pass counts
type MetricsRecorder interface {
	RecordSweep(lost, pruned int)
}

// Config defines liveness thresholds and sweep cadence
type Config struct {
	Policy         models.CapturePolicy
	Interval       time.Duration // Sweep cadence
	VacuumInterval time.Duration // Database maintenance cadence, 0 disables
}

// DefaultConfig returns sensible defaults for the sweeper
func DefaultConfig() Config {
	return Config{
		Policy:         *models.DefaultCapturePolicy(),
		Interval:       30 * time.Second,
		VacuumInterval: 24 * time.Hour,
	}
}

// Stats tracks sweeper activity
type Stats struct {
	LastSweepTime     time.Time
	LastSweepDuration time.Duration
	TotalMarkedLost   int64
	TotalPruned       int64
	TotalVacuumRuns   int64
}

// Sweeper runs the liveness and retention loops
type Sweeper struct {
	config  Config
	store   store.Store
	log     *logging.Logger
	metrics MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New creates a sweeper. metrics may be nil.
func New(s store.Store, config Config, logger *logging.Logger, metrics MetricsRecorder) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Policy == (models.CapturePolicy{}) {
		config.Policy = *models.DefaultCapturePolicy()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		config:  config,
		store:   s,
		log:     logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the background loops
func (sw *Sweeper) Start() {
	sw.log.Info(fmt.Sprintf("Starting sweeper (interval: %v, lost after: %v, retain finished: %v)",
		sw.config.Interval, sw.config.Policy.LostAfter, sw.config.Policy.RetainFinished))

	sw.wg.Add(1)
	go sw.sweepLoop()

	if sw.config.VacuumInterval > 0 {
		sw.wg.Add(1)
		go sw.vacuumLoop()
	}
}

// Stop stops the loops and waits for them to exit
func (sw *Sweeper) Stop() {
	sw.cancel()
	sw.wg.Wait()
	sw.log.Info("Sweeper stopped")
}

func (sw *Sweeper) sweepLoop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.SweepNow()
		}
	}
}

func (sw *Sweeper) vacuumLoop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
			sw.vacuum()
		}
	}
}

// SweepNow runs one pass and returns how many captures were marked
// lost and how many were pruned
func (sw *Sweeper) SweepNow() (lost, pruned int) {
	started := time.Now()

	// The store query uses the shorter threshold, the policy deadline
	// then grants draining captures their longer grace
	orphaned, err := sw.store.GetOrphanedCaptures(sw.config.Policy.LostAfter)
	if err != nil {
		sw.log.Error(fmt.Sprintf("Orphan scan failed: %v", err))
	} else {
		now := time.Now()
		for _, c := range orphaned {
			if !sw.config.Policy.IsOverdue(c, now) {
				continue
			}
			silence := now.Sub(c.LastHeartbeat).Round(time.Second)
			transitioned, err := sw.store.UpdateCaptureStatus(c.ID, models.CaptureStatusLost,
				fmt.Sprintf("no heartbeat for %s", silence))
			if err != nil {
				sw.log.Warn(fmt.Sprintf("Failed to mark capture %s lost: %v", c.ID, err))
				continue
			}
			if transitioned {
				lost++
				sw.log.Info(fmt.Sprintf("Capture %s (%s on %s) marked lost after %s silence",
					c.ID, c.Name, c.Hostname, silence))
			}
		}
	}

	pruned, err = sw.store.PruneFinished(sw.config.Policy.RetainFinished)
	if err != nil {
		sw.log.Error(fmt.Sprintf("Prune failed: %v", err))
	} else if pruned > 0 {
		sw.log.Info(fmt.Sprintf("Pruned %d finished captures older than %v", pruned, sw.config.Policy.RetainFinished))
	}

	duration := time.Since(started)

	sw.mu.Lock()
	sw.stats.LastSweepTime = time.Now()
	sw.stats.LastSweepDuration = duration
	sw.stats.TotalMarkedLost += int64(lost)
	sw.stats.TotalPruned += int64(pruned)
	sw.mu.Unlock()

	if sw.metrics != nil {
		sw.metrics.RecordSweep(lost, pruned)
	}
	return lost, pruned
}

func (sw *Sweeper) vacuum() {
	started := time.Now()

	if err := sw.store.Vacuum(); err != nil {
		sw.log.Error(fmt.Sprintf("Database vacuum failed: %v", err))
		return
	}

	sw.mu.Lock()
	sw.stats.TotalVacuumRuns++
	sw.mu.Unlock()

	sw.log.Info(fmt.Sprintf("Database vacuum complete in %v", time.Since(started)))
}

// GetStats returns current sweeper statistics
func (sw *Sweeper) GetStats() Stats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stats
}
