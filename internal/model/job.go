package model

import (
	"regexp"
	"strings"
)

// Job status constants.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// validJobTransitions maps each job status to the set of statuses it may
// transition to. Cancellation applies only to jobs that never started.
var validJobTransitions = map[string]map[string]bool{
	JobQueued: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
	},
}

// ValidJobTransition reports whether transitioning from one job status to
// another is allowed.
func ValidJobTransition(from, to string) bool {
	targets, ok := validJobTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// DimValue is one dimension binding within a matrix tuple.
type DimValue struct {
	Dim   string `json:"dim"`
	Value string `json:"value"`
}

// MatrixJob is one element of the cartesian product of matrix dimensions.
// Its command is derived once at expansion time and never recomputed; jobs
// share only the compute resource, never mutable state with each other.
type MatrixJob struct {
	ID      string     `json:"id"`
	Tuple   []DimValue `json:"tuple,omitempty"`
	Command string     `json:"command"`
	Status  string     `json:"status"`
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug returns a filesystem- and label-safe identifier for the job's tuple,
// used to namespace logs and downloaded artifacts. The empty tuple maps to
// "default".
func (j *MatrixJob) Slug() string {
	if len(j.Tuple) == 0 {
		return "default"
	}
	parts := make([]string, 0, len(j.Tuple))
	for _, dv := range j.Tuple {
		parts = append(parts, sanitizeSlug(dv.Dim)+"-"+sanitizeSlug(dv.Value))
	}
	return strings.Join(parts, "_")
}

func sanitizeSlug(s string) string {
	s = slugUnsafe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// DeploymentResult is the recorded outcome of one matrix job.
type DeploymentResult struct {
	JobID      string     `json:"job_id"`
	Tuple      []DimValue `json:"tuple,omitempty"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	LogPath    string     `json:"log_path,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS int        `json:"duration_ms"`

	// CompletedAfterCancel marks a job that was already running when a
	// fail-fast cancellation was signalled and ran to completion anyway.
	CompletedAfterCancel bool `json:"completed_after_cancel,omitempty"`
}
