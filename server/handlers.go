package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/logger"
	"github.com/labshot/labshot/pipeline"
	"github.com/labshot/labshot/record"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg, version := s.store.Snapshot()

	status := map[string]interface{}{
		"config_version":    version,
		"websocket_clients": s.clientCount(),
		"inference": map[string]interface{}{
			"provider":   cfg.Inference.Provider,
			"model":      cfg.Inference.Model,
			"configured": cfg.Inference.APIKey != "" || cfg.Inference.Provider == "local" || cfg.Inference.Provider == "ollama",
		},
		"record_system": map[string]interface{}{
			"base_url":   cfg.RecordSystem.BaseURL,
			"configured": s.records != nil && s.records.IsConfigured(),
		},
	}

	if s.pool != nil {
		stats, err := s.pool.Queue().GetStats()
		if err != nil {
			writeError(w, err)
			return
		}
		status["jobs"] = stats
		status["workers"] = s.pool.Workers()
	}
	if s.events != nil {
		status["events_dropped"] = s.events.Dropped()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "n must be a positive integer")
			return
		}
		n = parsed
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": logger.Tail(n)})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	cfg, _ := s.store.Snapshot()

	resp := map[string]interface{}{
		"device_id":  cfg.Capture.DeviceID,
		"resolution": cfg.Capture.Resolution,
		"images_dir": cfg.Storage.ImagesDir,
	}
	if s.capture != nil {
		st := s.capture.Status(r.URL.Query().Get("device_id"))
		resp["device"] = st
		resp["available"] = st.Available
	}
	writeJSON(w, http.StatusOK, resp)
}

type captureTriggerRequest struct {
	DeviceID string `json:"device_id"`
}

// handleCaptureTrigger runs a capture and enqueues the pipeline job. A
// concurrent trigger for an artifact already in flight returns 409.
func (s *Server) handleCaptureTrigger(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil || s.pool == nil {
		writeError(w, errors.Wrap(errors.ErrConfig, "capture pipeline not configured"))
		return
	}

	var req captureTriggerRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}

	artifact, err := s.capture.Capture(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	job := pipeline.NewJob(artifact)
	if err := s.pool.Queue().Enqueue(job); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Infow("Capture triggered", "job_id", job.ID, "sha256", artifact.SHA256)
	writeJSON(w, http.StatusAccepted, job)
}

type analyzeRequest struct {
	ImagePath string `json:"image_path"`
}

// handleAnalyze runs ad-hoc analysis of an existing image without touching
// the pipeline.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil || s.engine == nil {
		writeError(w, errors.Wrap(errors.ErrConfig, "analysis engine not configured"))
		return
	}

	var req analyzeRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.ImagePath == "" {
		writeBadRequest(w, "image_path is required")
		return
	}

	artifact, err := s.capture.IngestFile(r.Context(), req.ImagePath)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.Analyze(r.Context(), artifact.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, version := s.store.Snapshot()

	view, err := sectionView(cfg, r.PathValue("section"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version,
		"config":  view,
	})
}

// handleConfigPatch applies field updates to one config section. Values go
// through the store, so they validate and persist atomically and the change
// is broadcast.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	section := r.PathValue("section")
	if _, err := sectionView(s.store.Config(), section); err != nil {
		writeError(w, err)
		return
	}

	var fields map[string]interface{}
	if err := readJSON(w, r, &fields); err != nil {
		return
	}
	if len(fields) == 0 {
		writeBadRequest(w, "no fields to update")
		return
	}

	var version int64
	for key, value := range fields {
		v, err := s.store.Set(section+"."+key, value)
		if err != nil {
			writeError(w, err)
			return
		}
		version = v
	}

	cfg, _ := s.store.Snapshot()
	view, _ := sectionView(cfg, section)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version,
		"config":  view,
	})
}

// sectionView returns one config section with credentials masked.
func sectionView(cfg *am.Config, section string) (interface{}, error) {
	switch section {
	case "inference":
		view := cfg.Inference
		view.APIKey = maskSecret(view.APIKey)
		return view, nil
	case "record_system":
		view := cfg.RecordSystem
		view.APIKey = maskSecret(view.APIKey)
		return view, nil
	case "capture":
		return cfg.Capture, nil
	case "storage":
		return cfg.Storage, nil
	case "pipeline":
		return cfg.Pipeline, nil
	case "server":
		return cfg.Server, nil
	default:
		return nil, errors.NewNotFoundError("unknown config section %q", section)
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.records.Templates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

func (s *Server) handleRecordCreate(w http.ResponseWriter, r *http.Request) {
	var draft record.Draft
	if err := readJSON(w, r, &draft); err != nil {
		return
	}
	if draft.Title == "" {
		writeBadRequest(w, "title is required")
		return
	}

	id, err := s.records.Create(r.Context(), draft)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.records.List(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleRecordGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeBadRequest(w, "record id must be an integer")
		return
	}

	rec, err := s.records.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordPatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeBadRequest(w, "record id must be an integer")
		return
	}

	var fields map[string]interface{}
	if err := readJSON(w, r, &fields); err != nil {
		return
	}

	// The version token rides in the body next to the fields; a stale
	// token comes back as a 409 without touching the record.
	expectedVersion := ""
	if v, ok := fields["expected_modified_at"].(string); ok {
		expectedVersion = v
		delete(fields, "expected_modified_at")
	}
	if len(fields) == 0 {
		writeBadRequest(w, "no fields to update")
		return
	}

	if err := s.records.Update(r.Context(), id, fields, expectedVersion); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type labelCreateRequest struct {
	RecordID int `json:"record_id"`
}

func (s *Server) handleLabelCreate(w http.ResponseWriter, r *http.Request) {
	var req labelCreateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.RecordID <= 0 {
		writeBadRequest(w, "record_id must be positive")
		return
	}

	lbl, err := s.labels.Generate(r.Context(), req.RecordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lbl)
}

func (s *Server) handleLabelList(w http.ResponseWriter, r *http.Request) {
	recordID := 0
	if raw := r.URL.Query().Get("record_id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "record_id must be a positive integer")
			return
		}
		recordID = parsed
	}

	labels, err := s.labels.List(r.Context(), recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"labels": labels})
}

func (s *Server) handleLabelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.labels.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var status *pipeline.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := pipeline.Status(raw)
		switch st {
		case pipeline.StatusQueued, pipeline.StatusRunning, pipeline.StatusCompleted, pipeline.StatusFailed:
			status = &st
		default:
			writeBadRequest(w, "unknown status %q", raw)
			return
		}
	}

	jobs, err := s.pool.Queue().ListJobs(status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.pool.Queue().GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
