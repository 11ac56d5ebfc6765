package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/store"
)

func newTestAPI(t *testing.T) *mux.Router {
	t.Helper()

	h := NewCollectorHandler(store.NewMemoryStore())
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerCapture(t *testing.T, router *mux.Router, hostname string, pid int) models.Capture {
	t.Helper()

	rec := doJSON(t, router, "POST", "/captures", models.CaptureRegistration{
		Name:      "payments",
		Hostname:  hostname,
		PID:       pid,
		GoVersion: "go1.24",
	})
	if rec.Code != 201 {
		t.Fatalf("register: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var capture models.Capture
	if err := json.Unmarshal(rec.Body.Bytes(), &capture); err != nil {
		t.Fatalf("Failed to decode capture: %v", err)
	}
	return capture
}

func TestCaptureLifecycle(t *testing.T) {
	router := newTestAPI(t)

	capture := registerCapture(t, router, "worker-3", 4242)
	if capture.ID == "" || capture.Status != models.CaptureStatusRecording {
		t.Fatalf("unexpected registered capture: %+v", capture)
	}

	// Heartbeat with counters
	rec := doJSON(t, router, "POST", "/captures/"+capture.ID+"/heartbeat", models.Heartbeat{
		LiveInstances:    2,
		CreatedInstances: 2,
		LiveHandles:      3,
	})
	if rec.Code != 200 {
		t.Fatalf("heartbeat: status = %d", rec.Code)
	}

	// Drain before the final report
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/drain", nil)
	if rec.Code != 200 {
		t.Fatalf("drain: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Final report: one of two instances leaked
	report := models.LeakReport{
		Success:          false,
		InstancesCreated: 2,
		Instances: []models.Instance{
			{ID: 1, Label: "orphan", Backtraces: []models.BacktraceRecord{
				{Type: models.EventAcquire, Handle: models.HandleRef{ID: 1, Site: "main.main"}},
			}},
		},
	}
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/report", report)
	if rec.Code != 200 {
		t.Fatalf("report: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ack map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack["leaked"] != float64(1) {
		t.Errorf("report ack leaked = %v, want 1", ack["leaked"])
	}

	// Capture is now terminal with a finish timestamp
	rec = doJSON(t, router, "GET", "/captures/"+capture.ID, nil)
	var got models.Capture
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != models.CaptureStatusReported {
		t.Errorf("status after report = %s, want reported", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set after report")
	}
	if got.LiveInstances != 1 || got.CreatedInstances != 2 {
		t.Errorf("counters not synced from report: live=%d created=%d", got.LiveInstances, got.CreatedInstances)
	}

	// Stored report round trip
	rec = doJSON(t, router, "GET", "/captures/"+capture.ID+"/report", nil)
	if rec.Code != 200 {
		t.Fatalf("get report: status = %d", rec.Code)
	}
	var env models.ReportEnvelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.CaptureID != capture.ID || env.Report.Leaked() != 1 {
		t.Errorf("stored report wrong: %+v", env)
	}

	// Reporting twice is rejected
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/report", report)
	if rec.Code != 409 {
		t.Errorf("second report: status = %d, want 409", rec.Code)
	}

	// So are further heartbeats
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/heartbeat", models.Heartbeat{})
	if rec.Code != 409 {
		t.Errorf("heartbeat after report: status = %d, want 409", rec.Code)
	}
}

func TestReportWithoutDrain(t *testing.T) {
	router := newTestAPI(t)
	capture := registerCapture(t, router, "worker-3", 4242)

	// Report straight from recording, no drain call
	rec := doJSON(t, router, "POST", "/captures/"+capture.ID+"/report", models.LeakReport{Success: true, InstancesCreated: 1})
	if rec.Code != 200 {
		t.Fatalf("report: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "GET", "/captures/"+capture.ID, nil)
	var got models.Capture
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != models.CaptureStatusReported {
		t.Errorf("status = %s, want reported", got.Status)
	}
	// The implied drain shows up in the transition history
	if len(got.StateTransitions) != 2 {
		t.Errorf("expected 2 transitions (drain + report), got %+v", got.StateTransitions)
	}
}

func TestReRegistrationReturnsExistingCapture(t *testing.T) {
	router := newTestAPI(t)
	first := registerCapture(t, router, "worker-3", 4242)

	rec := doJSON(t, router, "POST", "/captures", models.CaptureRegistration{
		Name:     "payments-v2",
		Hostname: "worker-3",
		PID:      4242,
	})
	if rec.Code != 200 {
		t.Fatalf("re-registration: status = %d, want 200", rec.Code)
	}
	var second models.Capture
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.ID != first.ID {
		t.Errorf("re-registration minted a new capture: %s != %s", second.ID, first.ID)
	}
	if second.Name != "payments-v2" {
		t.Errorf("re-registration did not update name: %s", second.Name)
	}

	// A different PID on the same host is a different capture
	other := registerCapture(t, router, "worker-3", 4243)
	if other.ID == first.ID {
		t.Error("distinct process shares a capture ID")
	}
}

func TestAbortFlow(t *testing.T) {
	router := newTestAPI(t)
	capture := registerCapture(t, router, "worker-3", 4242)

	rec := doJSON(t, router, "POST", "/captures/"+capture.ID+"/abort", map[string]string{"reason": "operator stop"})
	if rec.Code != 200 {
		t.Fatalf("abort: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/captures/"+capture.ID, nil)
	var got models.Capture
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != models.CaptureStatusAborted {
		t.Errorf("status = %s, want aborted", got.Status)
	}
	if got.Error != "operator stop" {
		t.Errorf("abort reason lost: %q", got.Error)
	}

	// Second abort is an idempotent no-op
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/abort", nil)
	if rec.Code != 200 {
		t.Errorf("repeat abort: status = %d, want 200", rec.Code)
	}
	var ack map[string]string
	json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack["status"] != "already aborted" {
		t.Errorf("repeat abort ack = %q", ack["status"])
	}

	// Reports after an abort are rejected
	rec = doJSON(t, router, "POST", "/captures/"+capture.ID+"/report", models.LeakReport{Success: true})
	if rec.Code != 409 {
		t.Errorf("report after abort: status = %d, want 409", rec.Code)
	}
}

func TestListCapturesAndReports(t *testing.T) {
	router := newTestAPI(t)
	registerCapture(t, router, "worker-1", 100)
	b := registerCapture(t, router, "worker-2", 200)

	rec := doJSON(t, router, "POST", "/captures/"+b.ID+"/abort", nil)
	if rec.Code != 200 {
		t.Fatalf("abort: status = %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/captures", nil)
	var listing struct {
		Captures []models.Capture `json:"captures"`
		Count    int              `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listing)
	if listing.Count != 2 {
		t.Errorf("all captures count = %d, want 2", listing.Count)
	}

	rec = doJSON(t, router, "GET", "/captures?status=recording", nil)
	json.Unmarshal(rec.Body.Bytes(), &listing)
	if listing.Count != 1 || listing.Captures[0].Hostname != "worker-1" {
		t.Errorf("recording filter wrong: %+v", listing)
	}

	rec = doJSON(t, router, "GET", "/reports", nil)
	var reports struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &reports)
	if reports.Count != 0 {
		t.Errorf("reports count = %d, want 0", reports.Count)
	}
}

func TestNotFoundAndValidation(t *testing.T) {
	router := newTestAPI(t)

	rec := doJSON(t, router, "POST", "/captures", models.CaptureRegistration{Name: "x"})
	if rec.Code != 400 {
		t.Errorf("registration without hostname/pid: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/captures/nope/heartbeat", models.Heartbeat{})
	if rec.Code != 404 {
		t.Errorf("heartbeat for unknown capture: status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/captures/nope/report", nil)
	if rec.Code != 404 {
		t.Errorf("report for unknown capture: status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/health", nil)
	if rec.Code != 200 {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}
