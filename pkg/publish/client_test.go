package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/reftrack/pkg/api"
	"github.com/psantana5/reftrack/pkg/auth"
	"github.com/psantana5/reftrack/pkg/middleware"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/retry"
	"github.com/psantana5/reftrack/pkg/store"
	"github.com/psantana5/reftrack/pkg/track"
)

type fixedStats struct {
	stats track.Stats
}

func (f fixedStats) Stats() track.Stats { return f.stats }

func newCollector(t *testing.T, apiKey string) (*httptest.Server, store.Store) {
	t.Helper()

	s := store.NewMemoryStore()
	h := api.NewCollectorHandler(s)
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	var handler http.Handler = r
	if apiKey != "" {
		keys := auth.NewAPIKeyManager()
		keys.RegisterAPIKey(apiKey, "test")
		handler = middleware.AuthMiddleware(keys)(r)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, s
}

func TestClientLifecycle(t *testing.T) {
	srv, st := newCollector(t, "")

	client := NewClient(Config{
		CollectorURL: srv.URL,
		Name:         "payments-test",
		Labels:       map[string]string{"env": "ci"},
	})

	capture, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if capture.ID == "" || client.CaptureID() != capture.ID {
		t.Fatalf("capture ID not tracked: %+v", capture)
	}
	if capture.Name != "payments-test" || capture.Labels["env"] != "ci" {
		t.Errorf("registration fields lost: %+v", capture)
	}

	// Manual heartbeat with counters
	src := fixedStats{track.Stats{Live: 2, Created: 5, Handles: 3}}
	if err := client.SendHeartbeat(src); err != nil {
		t.Fatalf("SendHeartbeat failed: %v", err)
	}
	stored, err := st.GetCapture(capture.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LiveInstances != 2 || stored.CreatedInstances != 5 || stored.LiveHandles != 3 {
		t.Errorf("heartbeat counters not stored: %+v", stored)
	}

	// Finish drains and ships the report
	report := models.LeakReport{
		Success:          false,
		InstancesCreated: 5,
		Instances:        []models.Instance{{ID: 1, Label: "a"}, {ID: 2, Label: "b"}},
	}
	if err := client.Finish(context.Background(), report); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	stored, _ = st.GetCapture(capture.ID)
	if stored.Status != models.CaptureStatusReported {
		t.Errorf("status after Finish = %s, want reported", stored.Status)
	}
	env, err := st.GetReport(capture.ID)
	if err != nil {
		t.Fatalf("report not stored: %v", err)
	}
	if env.Report.Leaked() != 2 {
		t.Errorf("stored report leaked = %d, want 2", env.Report.Leaked())
	}
}

func TestClientHeartbeatLoop(t *testing.T) {
	srv, st := newCollector(t, "")

	client := NewClient(Config{
		CollectorURL:      srv.URL,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	capture, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	client.StartHeartbeats(fixedStats{track.Stats{Live: 1, Created: 1}})
	time.Sleep(60 * time.Millisecond)
	client.StopHeartbeats()

	stored, _ := st.GetCapture(capture.ID)
	if stored.LiveInstances != 1 {
		t.Errorf("heartbeat loop never delivered: %+v", stored)
	}

	// Stopping twice is fine
	client.StopHeartbeats()
}

func TestClientAuth(t *testing.T) {
	srv, _ := newCollector(t, "s3cret")

	// Without a key registration is rejected
	anon := NewClient(Config{CollectorURL: srv.URL})
	if _, err := anon.Register(); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("unauthenticated register error = %v, want 401", err)
	}

	// With the key everything works
	authed := NewClient(Config{CollectorURL: srv.URL, APIKey: "s3cret"})
	if _, err := authed.Register(); err != nil {
		t.Fatalf("authenticated register failed: %v", err)
	}
	if err := authed.Abort("test over"); err != nil {
		t.Fatalf("authenticated abort failed: %v", err)
	}
}

func TestPushReportRetries(t *testing.T) {
	var attempts int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/captures":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(models.Capture{ID: "cap-retry"})
		case strings.HasSuffix(r.URL.Path, "/report"):
			if atomic.AddInt32(&attempts, 1) < 3 {
				http.Error(w, "try later", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := NewClient(Config{
		CollectorURL: srv.URL,
		Retry: &retry.Config{
			MaxRetries:     3,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			Multiplier:     2.0,
		},
	})
	if _, err := client.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := client.PushReport(context.Background(), models.LeakReport{Success: true}); err != nil {
		t.Fatalf("PushReport failed: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("report attempts = %d, want 3", got)
	}
}
