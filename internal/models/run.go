package models

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Job triggers.
const (
	TriggerAPI  = "api"
	TriggerCron = "cron"
)

// Job asks a worker to ingest one dataset.
//
// File names a partial file inside the dataset's directory. A run reading
// such a file skips reconciliation unless SkipReconcile is set to false.
type Job struct {
	RunID               string    `json:"run_id"`
	Dataset             string    `json:"dataset"`
	File                string    `json:"file,omitempty"`
	IncludeSourcePrefix *bool     `json:"include_source_prefix,omitempty"`
	SkipReconcile       *bool     `json:"skip_reconcile,omitempty"`
	RequestedAt         time.Time `json:"requested_at"`
	Trigger             string    `json:"trigger"`
}

// Run is the recorded state of one ingest run.
type Run struct {
	ID         string          `json:"id"`
	Dataset    string          `json:"dataset"`
	Index      string          `json:"index"`
	SourceID   string          `json:"source_id"`
	File       string          `json:"file"`
	Status     string          `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Finished reports whether the run reached a final status.
func (r *Run) Finished() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}
