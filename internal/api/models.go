package api

import (
	"time"

	"kvbridge/internal/pipeline"
)

// WriteRequest carries records for the live sink.
type WriteRequest struct {
	Records []pipeline.Record `json:"records"`
}

type WriteResponse struct {
	Accepted int `json:"accepted"`
}

// LookupResponse holds one row keyed by field name.
type LookupResponse struct {
	Row map[string]any `json:"row"`
}

type BatchLookupRequest struct {
	Keys [][]any `json:"keys"`
}

// BatchLookupResponse lists rows in request order; a missing row is null.
type BatchLookupResponse struct {
	Rows []map[string]any `json:"rows"`
}

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus represents the runtime state of an ingest job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"` // queued | running | finished | error | cancelled
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
