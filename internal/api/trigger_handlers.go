package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/poller"
)

type explicitBatchRequest struct {
	PublisherID string   `json:"publisherId"`
	SiteNames   []string `json:"siteNames"`
}

type jobStatusRequest struct {
	Status       string   `json:"status"`
	Score        *float64 `json:"score"`
	ErrorMessage *string  `json:"errorMessage"`
}

// triggerAll handles POST /trigger-all-publisher-audits.
func (s *Server) triggerAll(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, audit.AllEligible())
}

// triggerExplicit handles POST /v1/batches for one publisher's sites.
func (s *Server) triggerExplicit(w http.ResponseWriter, r *http.Request) {
	var req explicitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.PublisherID = strings.TrimSpace(req.PublisherID)
	if req.PublisherID == "" {
		writeError(w, http.StatusBadRequest, "publisherId is required")
		return
	}
	s.trigger(w, r, audit.Explicit(req.PublisherID, req.SiteNames))
}

// trigger runs the batch detached from the request so a dropped client does
// not cut dispatch short.
func (s *Server) trigger(w http.ResponseWriter, r *http.Request, scope audit.Scope) {
	ctx := context.WithoutCancel(r.Context())
	summary, err := s.coord.TriggerBatch(ctx, scope)
	if err != nil {
		status := http.StatusInternalServerError
		var fault *audit.FaultError
		switch {
		case errors.Is(err, audit.ErrConfiguration):
			status = http.StatusServiceUnavailable
		case errors.Is(err, audit.ErrNotFound):
			status = http.StatusNotFound
		case errors.As(err, &fault):
			status = http.StatusOK
		}
		s.logger.Error("trigger failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("publisher_id", scope.PublisherID),
			zap.Error(err),
		)
		writeJSON(w, status, audit.Report{Results: []audit.PublisherResult{}, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, audit.NewReport(summary))
}

// recordJobStatus handles POST /v1/jobs/{job_id}/status from the worker.
func (s *Server) recordJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseUUIDParam(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req jobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status, err := audit.ParseJobStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	result := audit.JobResult{Score: req.Score, ErrorMessage: req.ErrorMessage}
	if err := audit.ValidateResult(status, result); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	batch, err := s.coord.RecordJobResult(r.Context(), jobID, status, result)
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, audit.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, audit.ErrInvalidResult):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("record job result failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to record job result")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    jobID,
		"status":   status,
		"batchId":  batch.ID,
		"progress": poller.ProgressOf(batch),
	})
}
