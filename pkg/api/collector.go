package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/psantana5/reftrack/pkg/models"
	"github.com/psantana5/reftrack/pkg/store"
)

// MetricsRecorder is an interface for recording API-side metrics
type MetricsRecorder interface {
	RecordCaptureRegistered()
	RecordHeartbeat()
	RecordReportReceived(leaked int)
	RecordCaptureFinished(status string)
}

// CollectorHandler handles collector API requests
type CollectorHandler struct {
	store           store.Store
	metricsRecorder MetricsRecorder
}

// NewCollectorHandler creates a new collector handler
func NewCollectorHandler(s store.Store) *CollectorHandler {
	return &CollectorHandler{store: s}
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *CollectorHandler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// RegisterRoutes registers all API routes
func (h *CollectorHandler) RegisterRoutes(r *mux.Router) {
	// Capture routes (register specific routes before parameterized routes)
	r.HandleFunc("/captures", h.RegisterCapture).Methods("POST")
	r.HandleFunc("/captures", h.ListCaptures).Methods("GET")
	r.HandleFunc("/captures/{id}", h.GetCapture).Methods("GET")
	r.HandleFunc("/captures/{id}", h.DeleteCapture).Methods("DELETE")
	r.HandleFunc("/captures/{id}/heartbeat", h.CaptureHeartbeat).Methods("POST")
	r.HandleFunc("/captures/{id}/drain", h.DrainCapture).Methods("POST")
	r.HandleFunc("/captures/{id}/abort", h.AbortCapture).Methods("POST")
	r.HandleFunc("/captures/{id}/report", h.ReceiveReport).Methods("POST")
	r.HandleFunc("/captures/{id}/report", h.GetReport).Methods("GET")

	// Report routes
	r.HandleFunc("/reports", h.ListReports).Methods("GET")

	// Other routes
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// RegisterCapture handles capture registration
func (h *CollectorHandler) RegisterCapture(w http.ResponseWriter, r *http.Request) {
	var reg models.CaptureRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if reg.Hostname == "" || reg.PID <= 0 {
		http.Error(w, "Hostname and PID are required", http.StatusBadRequest)
		return
	}

	// Check if a live capture for this process already exists
	existing, err := h.store.GetCaptureByHost(reg.Hostname, reg.PID)
	if err == nil && existing != nil {
		// Capture for this process already exists - handle re-registration.
		// This handles cases where:
		// 1. The tracked process restarted its tracker and tries to re-register
		// 2. Network issues caused registration to fail but succeed server-side

		log.Printf("Capture for %s pid %d already exists (ID: %s), handling re-registration...", reg.Hostname, reg.PID, existing.ID)

		if reg.Name != "" {
			existing.Name = reg.Name
		}
		if reg.GoVersion != "" {
			existing.GoVersion = reg.GoVersion
		}
		if reg.Labels != nil {
			existing.Labels = reg.Labels
		}
		existing.LastHeartbeat = time.Now()

		if err := h.store.RegisterCapture(existing); err != nil {
			log.Printf("Warning: failed to persist re-registration for %s: %v", existing.ID, err)
		}

		// Return the existing capture (with updated info)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK) // 200 OK for re-registration (not 201 Created)
		json.NewEncoder(w).Encode(existing)
		return
	}

	name := reg.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", reg.Hostname, reg.PID)
	}

	// Create new capture
	capture := &models.Capture{
		ID:            uuid.New().String(),
		Name:          name,
		Hostname:      reg.Hostname,
		PID:           reg.PID,
		GoVersion:     reg.GoVersion,
		Labels:        reg.Labels,
		Status:        models.CaptureStatusRecording,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
	}

	if err := h.store.RegisterCapture(capture); err != nil {
		log.Printf("Error registering capture: %v", err)
		http.Error(w, "Failed to register capture", http.StatusInternalServerError)
		return
	}

	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordCaptureRegistered()
	}

	log.Printf("Capture registered: %s [%s] (%s pid %d, %s)", capture.Name, capture.ID, capture.Hostname, capture.PID, capture.GoVersion)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(capture)
}

// ListCaptures returns all captures, optionally filtered by status
func (h *CollectorHandler) ListCaptures(w http.ResponseWriter, r *http.Request) {
	var captures []*models.Capture

	if status := r.URL.Query().Get("status"); status != "" {
		filtered, err := h.store.GetCaptures(status)
		if err != nil {
			log.Printf("Error listing captures: %v", err)
			http.Error(w, "Failed to list captures", http.StatusInternalServerError)
			return
		}
		captures = filtered
	} else {
		captures = h.store.GetAllCaptures()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"captures": captures,
		"count":    len(captures),
	})
}

// GetCapture retrieves a specific capture by ID
func (h *CollectorHandler) GetCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	capture, err := h.store.GetCapture(captureID)
	if err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		log.Printf("Error retrieving capture: %v", err)
		http.Error(w, "Failed to retrieve capture", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(capture)
}

// DeleteCapture removes a capture and its report
func (h *CollectorHandler) DeleteCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	if err := h.store.DeleteCapture(captureID); err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting capture: %v", err)
		http.Error(w, "Failed to delete capture", http.StatusInternalServerError)
		return
	}

	log.Printf("Capture %s deleted", captureID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "deleted",
		"capture_id": captureID,
	})
}

// CaptureHeartbeat updates capture liveness and instance counters
func (h *CollectorHandler) CaptureHeartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// The path wins over whatever ID the body carries
	hb.CaptureID = captureID

	if err := h.store.UpdateCaptureHeartbeat(&hb); err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		if err == store.ErrCaptureFinished {
			http.Error(w, "Capture already finished", http.StatusConflict)
			return
		}
		log.Printf("Error updating heartbeat for %s: %v", captureID, err)
		http.Error(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}

	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordHeartbeat()
	}

	w.WriteHeader(http.StatusOK)
}

// DrainCapture marks a capture as draining before its final report arrives
func (h *CollectorHandler) DrainCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	transitioned, err := h.store.UpdateCaptureStatus(captureID, models.CaptureStatusDraining, "client draining")
	if err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		log.Printf("Error draining capture %s: %v", captureID, err)
		http.Error(w, fmt.Sprintf("Failed to drain capture: %v", err), http.StatusBadRequest)
		return
	}

	status := "draining"
	if !transitioned {
		status = "already draining"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     status,
		"capture_id": captureID,
	})
}

// AbortCapture aborts a capture without a report
func (h *CollectorHandler) AbortCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	// Reason is optional
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "aborted via API"
	}

	transitioned, err := h.store.UpdateCaptureStatus(captureID, models.CaptureStatusAborted, body.Reason)
	if err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		log.Printf("Error aborting capture %s: %v", captureID, err)
		http.Error(w, fmt.Sprintf("Failed to abort capture: %v", err), http.StatusBadRequest)
		return
	}

	if transitioned {
		if h.metricsRecorder != nil {
			h.metricsRecorder.RecordCaptureFinished(string(models.CaptureStatusAborted))
		}
		log.Printf("Capture %s aborted: %s", captureID, body.Reason)
	}

	status := "aborted"
	if !transitioned {
		status = "already aborted"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":     status,
		"capture_id": captureID,
	})
}

// ReceiveReport accepts the final leak report for a capture
func (h *CollectorHandler) ReceiveReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	capture, err := h.store.GetCapture(captureID)
	if err != nil {
		if err == store.ErrCaptureNotFound {
			http.Error(w, "Capture not found", http.StatusNotFound)
			return
		}
		log.Printf("Error retrieving capture: %v", err)
		http.Error(w, "Failed to retrieve capture", http.StatusInternalServerError)
		return
	}

	var report models.LeakReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "Invalid report body", http.StatusBadRequest)
		return
	}

	if !models.CanAcceptReport(capture.Status) {
		http.Error(w, fmt.Sprintf("Capture already %s", capture.Status), http.StatusConflict)
		return
	}

	// A report arriving while still recording implies the client skipped the
	// drain call (crash-on-exit uploads do this)
	if models.NormalizeStatus(capture.Status) == models.CaptureStatusRecording {
		if _, err := h.store.UpdateCaptureStatus(captureID, models.CaptureStatusDraining, "final report received"); err != nil {
			http.Error(w, fmt.Sprintf("Failed to accept report: %v", err), http.StatusConflict)
			return
		}
	}

	env := &models.ReportEnvelope{
		CaptureID:   captureID,
		Report:      report,
		CompletedAt: time.Now(),
	}
	if err := h.store.SaveReport(env); err != nil {
		log.Printf("Error saving report for %s: %v", captureID, err)
		http.Error(w, "Failed to save report", http.StatusInternalServerError)
		return
	}

	reason := fmt.Sprintf("report accepted, %d leaked", report.Leaked())
	if _, err := h.store.UpdateCaptureStatus(captureID, models.CaptureStatusReported, reason); err != nil {
		// Report is stored either way, only the status lags behind
		log.Printf("Warning: failed to mark capture %s reported: %v", captureID, err)
	}

	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordReportReceived(report.Leaked())
		h.metricsRecorder.RecordCaptureFinished(string(models.CaptureStatusReported))
	}

	log.Printf("Report received for capture %s: %d created, %d leaked, success=%v",
		captureID, report.InstancesCreated, report.Leaked(), report.Success)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "report accepted",
		"capture_id":        captureID,
		"leaked":            report.Leaked(),
		"instances_created": report.InstancesCreated,
	})
}

// GetReport retrieves the stored report for a capture
func (h *CollectorHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	captureID := vars["id"]

	env, err := h.store.GetReport(captureID)
	if err != nil {
		if err == store.ErrReportNotFound || err == store.ErrCaptureNotFound {
			http.Error(w, "Report not found", http.StatusNotFound)
			return
		}
		log.Printf("Error retrieving report: %v", err)
		http.Error(w, "Failed to retrieve report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

// ListReports returns all stored reports
func (h *CollectorHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.store.ListReports()
	if err != nil {
		log.Printf("Error listing reports: %v", err)
		http.Error(w, "Failed to list reports", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

// Health returns collector health including store reachability
func (h *CollectorHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := h.store.HealthCheck(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}
