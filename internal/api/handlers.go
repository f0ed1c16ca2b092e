package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// 請求本文上限：payload 上限之外再留一些 JSON 外殼的空間
const maxBodyBytes = 16 << 20

type submitRequest struct {
	UserID   string                 `json:"user_id"`
	Workflow map[string]interface{} `json:"workflow"`
	Priority *types.Priority        `json:"priority,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type priorityRequest struct {
	Priority *types.Priority `json:"priority"`
}

type completeRequest struct {
	Result map[string]interface{} `json:"result"`
}

type failRequest struct {
	Error string `json:"error"`
}

type successResponse struct {
	Status string     `json:"status"`
	Job    *types.Job `json:"job,omitempty"`
}

type nextJobResponse struct {
	Job *types.Job `json:"job"`
}

type userStatsResponse struct {
	UserID        string `json:"user_id"`
	CompletedJobs int64  `json:"completed_jobs"`
	PendingJobs   int    `json:"pending_jobs"`
}

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	BackendConnected bool   `json:"backend_connected"`
	WorkersActive    int    `json:"workers_active"`
	QueueDepth       int    `json:"queue_depth"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// decodeBody 解碼 JSON 本文；格式錯誤回傳 ValidationError（對應 422）
func decodeBody(r *http.Request, dst interface{}) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return &jobstore.ValidationError{Field: "body", Reason: err.Error()}
	}
	if len(raw) > maxBodyBytes {
		return &jobstore.ValidationError{Field: "body", Reason: "request body too large"}
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(dst); err != nil {
		return &jobstore.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

func jobID(r *http.Request, key string) types.JobID {
	return types.JobID(strings.TrimSpace(r.PathValue(key)))
}

// ============================================================================
// 使用者端點
// ============================================================================

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}

	job, err := s.queue.Submit(r.Context(), queue.SubmitRequest{
		Owner:    req.UserID,
		Payload:  req.Workflow,
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := queue.ListOptions{Owner: q.Get("owner")}

	if v := q.Get("status"); v != "" {
		status, err := types.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		opts.Status = status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	jobs, err := s.queue.List(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.queue.Get(r.Context(), jobID(r, "id"))
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Cancel(r.Context(), jobID(r, "id")); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updatePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if req.Priority == nil {
		writeError(w, http.StatusUnprocessableEntity, "priority is required")
		return
	}

	job, err := s.queue.Reprioritize(r.Context(), jobID(r, "id"), *req.Priority)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Job: job})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) userStats(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("id")
	if err := s.cfg.Limits.ValidateIdentifier("user_id", owner); err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	completed, err := s.queue.CompletedBy(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	pending, err := s.queue.PendingBy(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, userStatsResponse{UserID: owner, CompletedJobs: completed, PendingJobs: pending})
}

// ============================================================================
// Worker 端點
// ============================================================================

func (s *Server) nextJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.SelectNext(r.Context(), r.URL.Query().Get("worker_id"))
	if err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, nextJobResponse{Job: job})
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	if _, err := s.queue.Complete(r.Context(), types.JobID(r.URL.Query().Get("job_id")), req.Result); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Status: "success"})
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	if _, err := s.queue.Fail(r.Context(), types.JobID(r.URL.Query().Get("job_id")), req.Error); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Status: "success"})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if err := s.cfg.Limits.ValidateIdentifier("worker_id", workerID); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	s.workers.Heartbeat(r.Context(), workerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.workers.Active(r.Context())
	if err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	if err := s.cfg.Limits.ValidateIdentifier("worker_id", workerID); err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	st, err := s.workers.Status(r.Context(), workerID)
	if err != nil {
		s.fail(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ============================================================================
// 健康檢查
// ============================================================================

// health 永遠回 200；後端不可用時 status 為 degraded
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
	}

	if err := s.queue.Ping(r.Context()); err != nil {
		s.log.Warn("Health check: backend unreachable", "error", err)
		resp.Status = "degraded"
	} else {
		resp.BackendConnected = true
		if stats, err := s.queue.Stats(r.Context()); err == nil {
			resp.QueueDepth = stats.QueueDepth
		}
	}
	if active, err := s.workers.Active(r.Context()); err == nil {
		resp.WorkersActive = len(active)
	}
	writeJSON(w, http.StatusOK, resp)
}
