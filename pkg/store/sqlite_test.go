package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/reftrack/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trackd.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recordingCapture(id string) *models.Capture {
	return &models.Capture{
		ID:            id,
		Name:          "payments",
		Hostname:      "worker-3",
		PID:           4242,
		GoVersion:     "go1.24",
		Labels:        map[string]string{"env": "ci"},
		Status:        models.CaptureStatusRecording,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
	}
}

// TestSQLiteBasicOperations tests basic CRUD operations
func TestSQLiteBasicOperations(t *testing.T) {
	store := newTestSQLiteStore(t)

	c := recordingCapture("cap-1")
	if err := store.RegisterCapture(c); err != nil {
		t.Fatalf("Failed to register capture: %v", err)
	}

	retrieved, err := store.GetCapture("cap-1")
	if err != nil {
		t.Fatalf("Failed to get capture: %v", err)
	}
	if retrieved.Name != "payments" || retrieved.PID != 4242 {
		t.Errorf("Capture fields lost: %+v", retrieved)
	}
	if retrieved.Labels["env"] != "ci" {
		t.Errorf("Labels did not survive the round trip: %v", retrieved.Labels)
	}
	if retrieved.Status != models.CaptureStatusRecording {
		t.Errorf("Expected status %s, got %s", models.CaptureStatusRecording, retrieved.Status)
	}

	if _, err := store.GetCapture("missing"); err != ErrCaptureNotFound {
		t.Errorf("GetCapture(missing) = %v, want ErrCaptureNotFound", err)
	}

	// Heartbeat updates the liveness counters
	hb := &models.Heartbeat{
		CaptureID:        "cap-1",
		LiveInstances:    3,
		CreatedInstances: 7,
		LiveHandles:      5,
		Timestamp:        time.Now(),
	}
	if err := store.UpdateCaptureHeartbeat(hb); err != nil {
		t.Fatalf("Failed to update heartbeat: %v", err)
	}
	retrieved, _ = store.GetCapture("cap-1")
	if retrieved.LiveInstances != 3 || retrieved.CreatedInstances != 7 || retrieved.LiveHandles != 5 {
		t.Errorf("Heartbeat counters not stored: %+v", retrieved)
	}
}

// TestSQLiteStatusTransitions exercises the validated FSM path
func TestSQLiteStatusTransitions(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.RegisterCapture(recordingCapture("cap-1")); err != nil {
		t.Fatalf("Failed to register capture: %v", err)
	}

	// recording -> reported is not a legal jump
	if _, err := store.UpdateCaptureStatus("cap-1", models.CaptureStatusReported, ""); err == nil {
		t.Error("recording -> reported transition was accepted")
	}

	transitioned, err := store.UpdateCaptureStatus("cap-1", models.CaptureStatusDraining, "process exiting")
	if err != nil {
		t.Fatalf("recording -> draining failed: %v", err)
	}
	if !transitioned {
		t.Error("recording -> draining reported no transition")
	}

	// Idempotent no-op
	transitioned, err = store.UpdateCaptureStatus("cap-1", models.CaptureStatusDraining, "again")
	if err != nil {
		t.Fatalf("repeat transition errored: %v", err)
	}
	if transitioned {
		t.Error("repeat transition should be a no-op")
	}

	transitioned, err = store.UpdateCaptureStatus("cap-1", models.CaptureStatusReported, "report accepted")
	if err != nil || !transitioned {
		t.Fatalf("draining -> reported failed: transitioned=%v err=%v", transitioned, err)
	}

	c, _ := store.GetCapture("cap-1")
	if c.FinishedAt == nil {
		t.Error("terminal capture has no finished_at")
	}
	if len(c.StateTransitions) != 2 {
		t.Errorf("Expected 2 recorded transitions, got %d", len(c.StateTransitions))
	}

	// Heartbeats after the capture finished are rejected
	err = store.UpdateCaptureHeartbeat(&models.Heartbeat{CaptureID: "cap-1"})
	if err != ErrCaptureFinished {
		t.Errorf("heartbeat on finished capture = %v, want ErrCaptureFinished", err)
	}
}

// TestSQLiteReportRoundTrip tests report persistence and counter sync
func TestSQLiteReportRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.RegisterCapture(recordingCapture("cap-1")); err != nil {
		t.Fatalf("Failed to register capture: %v", err)
	}

	env := &models.ReportEnvelope{
		CaptureID: "cap-1",
		Report: models.LeakReport{
			Success:          false,
			InstancesCreated: 3,
			Instances: []models.Instance{
				{ID: 1, Label: "a", Backtraces: []models.BacktraceRecord{
					{Type: models.EventAcquire, Handle: models.HandleRef{ID: 1, Site: "main.main"}, Lines: []string{"main.main at main.go:10"}},
				}},
				{ID: 2, Label: "b"},
			},
		},
		CompletedAt: time.Now(),
	}
	if err := store.SaveReport(env); err != nil {
		t.Fatalf("Failed to save report: %v", err)
	}

	got, err := store.GetReport("cap-1")
	if err != nil {
		t.Fatalf("Failed to get report: %v", err)
	}
	if got.Report.Success || got.Report.InstancesCreated != 3 || got.Report.Leaked() != 2 {
		t.Errorf("Report numbers lost: %+v", got.Report)
	}
	if got.Report.Instances[0].Backtraces[0].Handle.Site != "main.main" {
		t.Errorf("Backtrace payload lost: %+v", got.Report.Instances[0])
	}

	// Counters on the capture follow the report
	c, _ := store.GetCapture("cap-1")
	if c.LiveInstances != 2 || c.CreatedInstances != 3 {
		t.Errorf("Capture counters not synced: live=%d created=%d", c.LiveInstances, c.CreatedInstances)
	}

	if _, err := store.GetReport("missing"); err != ErrReportNotFound {
		t.Errorf("GetReport(missing) = %v, want ErrReportNotFound", err)
	}

	reports, err := store.ListReports()
	if err != nil {
		t.Fatalf("Failed to list reports: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("Expected 1 report, got %d", len(reports))
	}
}

// TestSQLiteConcurrentAccess tests that concurrent database access doesn't cause locks
func TestSQLiteConcurrentAccess(t *testing.T) {
	store := newTestSQLiteStore(t)

	// Register captures concurrently
	numCaptures := 20
	var wg sync.WaitGroup
	errs := make(chan error, numCaptures)

	for i := 0; i < numCaptures; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := recordingCapture(fmt.Sprintf("cap-%d", idx))
			c.PID = 1000 + idx
			if err := store.RegisterCapture(c); err != nil {
				errs <- fmt.Errorf("capture %d registration failed: %w", idx, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent registration error: %v", err)
	}

	if got := len(store.GetAllCaptures()); got != numCaptures {
		t.Errorf("Expected %d captures, got %d", numCaptures, got)
	}

	// Concurrent heartbeats across all captures
	var wg2 sync.WaitGroup
	errs2 := make(chan error, numCaptures*5)
	for i := 0; i < numCaptures; i++ {
		for j := 0; j < 5; j++ {
			wg2.Add(1)
			go func(idx, beat int) {
				defer wg2.Done()
				hb := &models.Heartbeat{
					CaptureID:     fmt.Sprintf("cap-%d", idx),
					LiveInstances: beat,
					Timestamp:     time.Now(),
				}
				if err := store.UpdateCaptureHeartbeat(hb); err != nil {
					errs2 <- fmt.Errorf("heartbeat %d/%d failed: %w", idx, beat, err)
				}
			}(i, j)
		}
	}
	wg2.Wait()
	close(errs2)

	for err := range errs2 {
		t.Errorf("Concurrent heartbeat error: %v", err)
	}

	// Racing transitions on one capture: exactly one abort wins
	numRacers := 10
	var wg3 sync.WaitGroup
	wins := make(chan bool, numRacers)
	errs3 := make(chan error, numRacers)
	for i := 0; i < numRacers; i++ {
		wg3.Add(1)
		go func() {
			defer wg3.Done()
			transitioned, err := store.UpdateCaptureStatus("cap-0", models.CaptureStatusAborted, "race")
			if err != nil {
				errs3 <- err
				return
			}
			if transitioned {
				wins <- true
			}
		}()
	}
	wg3.Wait()
	close(wins)
	close(errs3)

	for err := range errs3 {
		t.Errorf("Concurrent abort error: %v", err)
	}
	if got := len(wins); got != 1 {
		t.Errorf("Expected exactly 1 winning abort transition, got %d", got)
	}
}

// TestSQLiteOrphansAndPrune tests the sweeper-facing queries
func TestSQLiteOrphansAndPrune(t *testing.T) {
	store := newTestSQLiteStore(t)

	stale := recordingCapture("cap-stale")
	stale.LastHeartbeat = time.Now().Add(-2 * time.Minute)
	if err := store.RegisterCapture(stale); err != nil {
		t.Fatalf("Failed to register stale capture: %v", err)
	}

	fresh := recordingCapture("cap-fresh")
	fresh.PID = 4243
	if err := store.RegisterCapture(fresh); err != nil {
		t.Fatalf("Failed to register fresh capture: %v", err)
	}

	orphaned, err := store.GetOrphanedCaptures(time.Minute)
	if err != nil {
		t.Fatalf("GetOrphanedCaptures failed: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0].ID != "cap-stale" {
		t.Fatalf("Expected only cap-stale orphaned, got %v", orphaned)
	}

	// Terminal captures fall out of the orphan scan and get pruned
	if _, err := store.UpdateCaptureStatus("cap-stale", models.CaptureStatusAborted, "sweeper"); err != nil {
		t.Fatalf("abort failed: %v", err)
	}

	orphaned, _ = store.GetOrphanedCaptures(time.Minute)
	if len(orphaned) != 0 {
		t.Errorf("Aborted capture still counted as orphaned: %v", orphaned)
	}

	time.Sleep(20 * time.Millisecond)
	removed, err := store.PruneFinished(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("PruneFinished failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("PruneFinished removed %d captures, want 1", removed)
	}
	if _, err := store.GetCapture("cap-stale"); err != ErrCaptureNotFound {
		t.Errorf("pruned capture still present: %v", err)
	}
	if _, err := store.GetCapture("cap-fresh"); err != nil {
		t.Errorf("active capture was pruned: %v", err)
	}
}

// TestSQLiteCaptureMetrics tests the aggregate query used by the metrics endpoint
func TestSQLiteCaptureMetrics(t *testing.T) {
	store := newTestSQLiteStore(t)

	a := recordingCapture("cap-a")
	a.LiveInstances = 2
	a.CreatedInstances = 5
	if err := store.RegisterCapture(a); err != nil {
		t.Fatal(err)
	}

	b := recordingCapture("cap-b")
	b.PID = 4243
	if err := store.RegisterCapture(b); err != nil {
		t.Fatal(err)
	}

	done := recordingCapture("cap-done")
	done.PID = 4244
	if err := store.RegisterCapture(done); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateCaptureStatus("cap-done", models.CaptureStatusDraining, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateCaptureStatus("cap-done", models.CaptureStatusReported, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveReport(&models.ReportEnvelope{
		CaptureID: "cap-done",
		Report: models.LeakReport{
			Success:          false,
			InstancesCreated: 3,
			Instances:        []models.Instance{{ID: 1, Label: "a"}, {ID: 2, Label: "b"}},
		},
		CompletedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	m, err := store.GetCaptureMetrics()
	if err != nil {
		t.Fatalf("GetCaptureMetrics failed: %v", err)
	}

	if m.TotalCaptures != 3 {
		t.Errorf("TotalCaptures = %d, want 3", m.TotalCaptures)
	}
	if m.ActiveCaptures != 2 {
		t.Errorf("ActiveCaptures = %d, want 2", m.ActiveCaptures)
	}
	if m.CapturesByStatus[models.CaptureStatusRecording] != 2 {
		t.Errorf("recording count = %d, want 2", m.CapturesByStatus[models.CaptureStatusRecording])
	}
	if m.CapturesByStatus[models.CaptureStatusReported] != 1 {
		t.Errorf("reported count = %d, want 1", m.CapturesByStatus[models.CaptureStatusReported])
	}
	if m.LiveInstances != 2 {
		t.Errorf("LiveInstances = %d, want 2", m.LiveInstances)
	}
	if m.ReportCount != 1 || m.LeakedInstances != 2 || m.LeakedReports != 1 {
		t.Errorf("report aggregates wrong: count=%d leaked=%d leakedReports=%d",
			m.ReportCount, m.LeakedInstances, m.LeakedReports)
	}
	if m.AvgCaptureSeconds < 0 {
		t.Errorf("AvgCaptureSeconds = %f, want >= 0", m.AvgCaptureSeconds)
	}
}
