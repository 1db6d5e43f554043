package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/pool"
	"github.com/mattjoyce/forkq/internal/queue"
	"github.com/mattjoyce/forkq/internal/tasklog"
)

// taskParam names the path segment after /tasks/. It holds a task type on
// POST and a task id on GET.
const taskParam = "key"

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueLength:   snap.QueueLength,
		PoolSize:      snap.PoolSize,
		BusyWorkers:   busyWorkers(snap),
	}
	status := http.StatusOK
	switch {
	case snap.Stopped:
		resp.Status = "stopping"
		status = http.StatusServiceUnavailable
	case !snap.Available:
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleSubmit handles POST /tasks/{type}. With ?async=true it answers 202 as
// soon as the task is queued; otherwise it waits for the task's response.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, taskParam)

	var req SubmitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		id, err := s.coord.Enqueue(taskType, req.Payload, nil)
		if err != nil {
			s.writeError(w, submitStatus(err), err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, AcceptedResponse{TaskID: id, Type: taskType, Status: "queued"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SyncTimeout)
	defer cancel()
	resp, err := s.coord.Submit(ctx, taskType, req.Payload)
	if resp == nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}
	respondJSON(w, submitStatus(err), toTaskResponse(resp))
}

// handleGetTask handles GET /tasks/{id} from the task log.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotImplemented, "task log is disabled")
		return
	}
	id := chi.URLParam(r, taskParam)
	entry, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, tasklog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read task log", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read task log")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.Stats())
}

// handleWorkerStats handles GET /stats/worker by routing a get-stats task
// through the queue.
func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.SyncTimeout)
	defer cancel()
	stats, err := s.coord.WorkerStats(ctx)
	if err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// submitStatus maps a submission outcome to an HTTP status code.
func submitStatus(err error) int {
	var taskErr *coordinator.TaskError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, coordinator.ErrStopped),
		errors.Is(err, coordinator.ErrPoolUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &taskErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrWorkerLost):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func toTaskResponse(resp *queue.Response) TaskResponse {
	out := TaskResponse{
		TaskID:     resp.TaskID,
		Type:       resp.Type,
		Status:     string(resp.Status()),
		WorkerID:   resp.WorkerID,
		PID:        resp.PID,
		DurationMS: resp.Duration().Milliseconds(),
	}
	switch {
	case resp.Result != nil:
		out.Result, _ = json.Marshal(resp.Result)
	case resp.Stats != nil:
		out.Result, _ = json.Marshal(resp.Stats)
	}
	if resp.Err != nil {
		out.Error = &TaskErrorBody{Message: resp.Err.Error()}
		var taskErr *coordinator.TaskError
		if errors.As(resp.Err, &taskErr) {
			out.Error.Kind = taskErr.Kind
			out.Error.Message = taskErr.Message
			out.Error.Caught = taskErr.Caught
			out.Error.Shutdown = taskErr.Shutdown
		}
	}
	return out
}

func busyWorkers(snap coordinator.Snapshot) int {
	n := 0
	for _, w := range snap.Workers {
		if w.State == pool.HandleBusy.String() {
			n++
		}
	}
	return n
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
