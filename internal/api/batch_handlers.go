package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/id/uuid"
	"github.com/adops/site-auditor/internal/poller"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	maxWatchAttempts  = 600
	minWatchInterval  = 250 * time.Millisecond
)

type batchDTO struct {
	BatchID     string     `json:"batchId"`
	QueuedSites int        `json:"queuedSites"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	poller.Progress
}

func toBatchDTO(b audit.Batch) batchDTO {
	return batchDTO{
		BatchID:     b.ID,
		QueuedSites: b.QueuedCount,
		CreatedAt:   b.CreatedAt,
		CompletedAt: b.CompletedAt,
		Progress:    poller.ProgressOf(b),
	}
}

// listBatches handles GET /v1/batches?limit=&offset=, newest first.
func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batches, err := s.batches.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	out := make([]batchDTO, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchDTO(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}

// getBatch handles GET /v1/batches/{batch_id}.
func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		s.readError(w, "get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": toBatchDTO(batch)})
}

// listBatchJobs handles GET /v1/batches/{batch_id}/jobs.
func (s *Server) listBatchJobs(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := poller.GetBatchJobs(r.Context(), s.batches, batchID)
	if err != nil {
		s.readError(w, "list batch jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batchId": batchID, "jobs": jobs})
}

// watchBatch handles GET /v1/batches/{batch_id}/watch as a Server-Sent
// Events stream. Each poll emits a "snapshot" event; an "end" event closes
// the stream once the batch is terminal or the poll budget is spent.
func (s *Server) watchBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := s.watchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if _, err := s.batches.GetBatch(r.Context(), batchID); err != nil {
		s.readError(w, "get batch", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last poller.Snapshot
	for snap := range s.watcher.Watch(r.Context(), batchID, opts) {
		last = snap
		if err := writeEvent(w, "snapshot", snap); err != nil {
			s.logger.Debug("watch client gone", zap.String("batch_id", batchID), zap.Error(err))
			return
		}
		flusher.Flush()
	}
	if r.Context().Err() != nil {
		return
	}
	end := map[string]any{"batchId": batchID, "terminal": last.Terminal, "attempts": last.Attempt}
	if err := writeEvent(w, "end", end); err != nil {
		return
	}
	flusher.Flush()
}

func (s *Server) watchOptions(r *http.Request) (poller.Options, error) {
	opts := s.opts.Poll
	q := r.URL.Query()
	if v := q.Get("interval_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || time.Duration(ms)*time.Millisecond < minWatchInterval {
			return poller.Options{}, fmt.Errorf("interval_ms must be >= %d", minWatchInterval.Milliseconds())
		}
		opts.Interval = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("max_attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return poller.Options{}, errors.New("invalid max_attempts")
		}
		opts.MaxAttempts = min(n, maxWatchAttempts)
	}
	return opts, nil
}

func (s *Server) readError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load batch")
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}

func parseBatchID(r *http.Request) (string, error) {
	return parseUUIDParam(r, "batch_id")
}

func parseUUIDParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	if !uuid.Valid(raw) {
		return "", fmt.Errorf("invalid %s", name)
	}
	return raw, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
