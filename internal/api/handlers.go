package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"kvbridge/internal/codec"
	"kvbridge/internal/lookup"
	"kvbridge/internal/pipeline"
	"kvbridge/internal/sink"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// handleJobs acts as a multiplexer: POST creates new job, other verbs not allowed.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID routes GET and DELETE for specific job IDs.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	// Expected path: /jobs/{id}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" {
		http.Error(w, "job id missing", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, id)
	case http.MethodDelete:
		s.cancelJob(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createJob handles POST /jobs. The body is a stream of JSON records that is
// ingested by a fresh pipeline in the background.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "request body must contain at least one record", http.StatusBadRequest)
		return
	}

	runner, err := pipeline.New(s.cfg, s.codec, s.dial)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.jobs[jobID] = &jobEntry{
		status: &JobStatus{JobID: jobID, Status: "queued", StartedAt: time.Now()},
		cancel: cancel,
	}
	s.mu.Unlock()

	go s.runJob(ctx, jobID, runner, body)

	writeJSON(w, http.StatusAccepted, JobResponse{JobID: jobID})
}

// runJob drives one ingest pipeline to completion and records its outcome.
func (s *Server) runJob(ctx context.Context, jobID string, runner *pipeline.Runner, body []byte) {
	s.setJobStatus(jobID, "running", nil)

	if err := runner.Run(ctx, bytes.NewReader(body)); err != nil {
		s.setJobStatus(jobID, "error", err)
		return
	}
	s.setJobStatus(jobID, "finished", nil)
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	var status JobStatus
	if ok {
		status = *entry.status
	}
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// cancelJob handles DELETE /jobs/{id}
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	s.setJobStatus(id, "cancelled", nil)
	entry.cancel()

	w.WriteHeader(http.StatusNoContent)
}

// setJobStatus moves a job to the given state. Finished, failed and cancelled
// jobs are terminal.
func (s *Server) setJobStatus(jobID, state string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[jobID]
	if !ok || entry.status.FinishedAt != nil {
		return
	}
	entry.status.Status = state
	switch state {
	case "error":
		logrus.Errorf("job %s failed: %v", jobID, err)
		entry.status.Error = err.Error()
	case "running":
		return
	}
	finished := time.Now()
	entry.status.FinishedAt = &finished
}

// handleRecords handles POST /records: every record is written to the live
// sink in request order.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req WriteRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	schema := s.codec.Schema()
	accepted := 0
	for _, rec := range req.Records {
		row, err := pipeline.Parse(schema, rec)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.sink.Write(r.Context(), row); err != nil {
			s.writeError(w, err)
			return
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, WriteResponse{Accepted: accepted})
}

// handleCheckpoint handles POST /checkpoint.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sink.Checkpoint(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLookup serves GET /lookup?key=a&key=b with key values in primary key
// order, and POST /lookup with a BatchLookupRequest body.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getRow(w, r)
	case http.MethodPost:
		s.batchLookup(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getRow(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["key"]
	if len(raw) == 0 {
		http.Error(w, "at least one key parameter is required", http.StatusBadRequest)
		return
	}
	keys := make([]any, len(raw))
	for i, k := range raw {
		keys[i] = k
	}

	row, err := s.lookup.Eval(r.Context(), keys...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if row == nil {
		http.Error(w, "row not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{Row: s.codec.Schema().Map(*row)})
}

func (s *Server) batchLookup(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req BatchLookupRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.lookup.EvalAll(r.Context(), req.Keys)
	if err != nil {
		s.writeError(w, err)
		return
	}
	schema := s.codec.Schema()
	resp := BatchLookupResponse{Rows: make([]map[string]any, len(rows))}
	for i, row := range rows {
		if row != nil {
			resp.Rows[i] = schema.Map(*row)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps connector failures onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, codec.ErrEncode):
		code = http.StatusBadRequest
	case errors.Is(err, sink.ErrFailed), errors.Is(err, sink.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, lookup.ErrRetriesExhausted):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		logrus.Errorf("request failed: %v", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("encode response: %v", err)
	}
}
