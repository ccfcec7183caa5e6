// Package domain holds the Job and Pipeline types shared across every
// component of the job-queue core. It intentionally carries no behavior
// beyond small invariant checks — lifecycle logic belongs to the Job Store
// and Worker Runtime, not to the data type.
package domain

import (
	"encoding/json"
	"time"
)

// Status is one of the five legal job lifecycle states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidTransition reports whether moving from `from` to `to` is legal
// under the DAG in spec.md §3: queued -> running -> {completed, failed,
// cancelled}, plus queued -> cancelled directly. No other edge is legal,
// including no-op self-transitions.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// JobError is the structured error persisted on a failed job.
type JobError struct {
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Category string `json:"category,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

// GitMeta is populated by the optional git-workflow hook (spec.md §4.5.3).
type GitMeta struct {
	Branch         string   `json:"branch,omitempty"`
	OriginalBranch string   `json:"original_branch,omitempty"`
	CommitSHA      string   `json:"commit_sha,omitempty"`
	PRURL          string   `json:"pr_url,omitempty"`
	ChangedFiles   []string `json:"changed_files,omitempty"`
}

// Job is the unit of execution. It is the in-memory view returned by the
// Job Store; the store owns translating it to and from its on-disk
// representation.
type Job struct {
	ID          string          `json:"id"`
	PipelineID  string          `json:"pipeline_id"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	Git         *GitMeta        `json:"git,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
}

// Pipeline is the derived, never-persisted aggregate view over a
// pipeline_id's jobs (spec.md §3).
type Pipeline struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"` // running | failing | idle
	CompletedCount int64      `json:"completed_jobs"`
	FailedCount    int64      `json:"failed_jobs"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
}
