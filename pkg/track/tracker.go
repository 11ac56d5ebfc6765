// Package track records reference events from pkg/refs and turns them
// into leak reports: every cell still alive at the end of a capture is
// listed with the acquires that were never matched by a release.
package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/reftrack/pkg/logging"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/refs"
)

// DefaultReportFile is where WriteReport writes when given no path
const DefaultReportFile = "tracked-refs.json"

// Config controls tracker behavior
type Config struct {
	Depth  int             // Backtrace depth, DefaultDepth when zero
	Logger *logging.Logger // Optional event logging at debug level
}

// instance aggregates the outstanding events of one live cell
type instance struct {
	id      uint64
	label   string
	count   int64
	records []models.BacktraceRecord
}

// annihilate removes the newest outstanding acquire made through the
// given handle. It reports whether one was found.
func (in *instance) annihilate(handle uint64) bool {
	for i := len(in.records) - 1; i >= 0; i-- {
		rec := in.records[i]
		if rec.Handle.ID == handle && rec.Type == models.EventAcquire {
			in.records = append(in.records[:i], in.records[i+1:]...)
			return true
		}
	}
	return false
}

func (in *instance) export() models.Instance {
	records := make([]models.BacktraceRecord, len(in.records))
	copy(records, in.records)
	return models.Instance{ID: in.id, Label: in.label, Backtraces: records}
}

// Tracker records every acquire and release on the cells it observes
// and reports the instances still alive when the capture ends. It
// implements refs.Observer; attach it to individual cells or
// process-wide with refs.SetObserver.
type Tracker struct {
	mu        sync.Mutex
	instances map[uint64]*instance
	created   int
	closed    bool
	depth     int
	started   time.Time
	log       *logging.Logger
}

// New creates a tracker
func New(cfg Config) *Tracker {
	depth := cfg.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Tracker{
		instances: make(map[uint64]*instance),
		depth:     depth,
		started:   time.Now(),
		log:       cfg.Logger,
	}
}

// Observe implements refs.Observer. It runs on the goroutine that
// performed the operation and captures that goroutine's call stack.
func (t *Tracker) Observe(ev refs.Event) {
	site, lines := callerTrace(t.depth)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	switch ev.Kind {
	case refs.EventCreate:
		t.debugf("create cell=%d handle=%d label=%q", ev.Cell, ev.Handle, ev.Label)
		if _, exists := t.instances[ev.Cell]; exists {
			panic(fmt.Sprintf("track: cell %d already tracked", ev.Cell))
		}
		in := &instance{id: ev.Cell, label: ev.Label, count: ev.Remaining}
		in.records = append(in.records, record(models.EventAcquire, ev.Handle, site, lines))
		t.instances[ev.Cell] = in
		t.created++

	case refs.EventAcquire:
		t.debugf("acquire cell=%d handle=%d", ev.Cell, ev.Handle)
		in := t.instances[ev.Cell]
		if in == nil {
			// Cell predates this tracker, nothing to match against.
			return
		}
		in.count = ev.Remaining
		in.records = append(in.records, record(models.EventAcquire, ev.Handle, site, lines))

	case refs.EventRelease:
		t.debugf("release cell=%d handle=%d remaining=%d", ev.Cell, ev.Handle, ev.Remaining)
		in := t.instances[ev.Cell]
		if in == nil {
			return
		}
		in.count = ev.Remaining
		if !in.annihilate(ev.Handle) {
			in.records = append(in.records, record(models.EventRelease, ev.Handle, site, lines))
		}
		if ev.Remaining == 0 {
			delete(t.instances, ev.Cell)
		}
	}
}

func record(tpe models.EventType, handle uint64, site string, lines []string) models.BacktraceRecord {
	return models.BacktraceRecord{
		Type:   tpe,
		Handle: models.HandleRef{ID: handle, Site: site},
		Lines:  lines,
	}
}

func (t *Tracker) debugf(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Debug(fmt.Sprintf(format, args...))
	}
}

// Stats is a point-in-time summary of tracker state
type Stats struct {
	Live    int // Cells currently alive
	Created int // Cells created since the tracker started
	Handles int // Acquires not yet matched by a release
}

// Stats returns current counters, used for heartbeats and watch output
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	handles := 0
	for _, in := range t.instances {
		for _, rec := range in.records {
			if rec.Type == models.EventAcquire {
				handles++
			}
		}
	}
	return Stats{Live: len(t.instances), Created: t.created, Handles: handles}
}

// Elapsed returns the capture's wall time so far
func (t *Tracker) Elapsed() time.Duration {
	return time.Since(t.started)
}

// Snapshot builds a report of the current state without ending the capture
func (t *Tracker) Snapshot() models.LeakReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buildReport()
}

// Close ends the capture and returns the final report. Events arriving
// after Close are dropped.
func (t *Tracker) Close() models.LeakReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.buildReport()
}

// buildReport lists surviving instances in creation order
func (t *Tracker) buildReport() models.LeakReport {
	ids := make([]uint64, 0, len(t.instances))
	for id := range t.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	instances := make([]models.Instance, 0, len(ids))
	for _, id := range ids {
		instances = append(instances, t.instances[id].export())
	}
	return models.LeakReport{
		Success:          len(instances) == 0,
		Instances:        instances,
		InstancesCreated: t.created,
	}
}

// WriteReport closes the capture and writes the report as indented
// JSON. An empty path uses DefaultReportFile in the working directory.
// It returns the absolute path written.
func (t *Tracker) WriteReport(path string) (string, error) {
	if path == "" {
		path = DefaultReportFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	report := t.Close()
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return "", err
	}
	if t.log != nil {
		t.log.Info("report written to " + abs)
	}
	return abs, nil
}
