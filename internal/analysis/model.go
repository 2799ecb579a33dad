// Package analysis submits stored documents to the asynchronous analysis
// engine, polls jobs to a terminal state under a hard deadline, and
// normalizes the raw engine output into a canonical result.
package analysis

import "time"

// JobStatus is the lifecycle state of an analysis job. Transitions only move
// forward: Submitted → InProgress → one of the terminal states.
type JobStatus string

const (
	StatusSubmitted  JobStatus = "Submitted"
	StatusInProgress JobStatus = "InProgress"
	StatusSucceeded  JobStatus = "Succeeded"
	StatusFailed     JobStatus = "Failed"
	StatusTimedOut   JobStatus = "TimedOut"
)

// Terminal reports whether no further transition can occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Job is a point-in-time snapshot of a remote analysis job.
type Job struct {
	ID          string    `json:"id"`
	DocumentRef string    `json:"document_ref,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	Status      JobStatus `json:"status"`
}

// TextBlock is one extracted line of text. Confidence is 0..1. Lines below
// the caller's minimum confidence are flagged, not dropped, so callers can
// apply their own filtering.
type TextBlock struct {
	Text          string  `json:"text"`
	Page          int32   `json:"page,omitempty"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Table is a normalized table: a dense row-major grid of cell texts.
type Table struct {
	Page       int32      `json:"page,omitempty"`
	Rows       [][]string `json:"rows"`
	Confidence float64    `json:"confidence"`
}

// KeyValuePair is one extracted form field.
type KeyValuePair struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Result is the canonical outcome of one Analyze call. Quality problems
// (low aggregate confidence, processing over budget) are flags on a
// Succeeded result, never errors: callers make the business decision.
// Confidence is only meaningful when Status is StatusSucceeded.
type Result struct {
	JobID       string    `json:"job_id"`
	DocumentRef string    `json:"document_ref"`
	Status      JobStatus `json:"status"`

	Blocks []TextBlock    `json:"blocks,omitempty"`
	Tables []Table        `json:"tables,omitempty"`
	Fields []KeyValuePair `json:"fields,omitempty"`

	// Confidence is the mean of per-line confidences, 0..1.
	Confidence float64 `json:"confidence"`

	// LowConfidence marks a Succeeded result whose aggregate confidence
	// fell below the configured minimum.
	LowConfidence bool `json:"low_confidence,omitempty"`

	// OverBudget marks a Succeeded result whose processing time exceeded
	// the configured budget.
	OverBudget bool `json:"over_budget,omitempty"`

	Elapsed     time.Duration `json:"elapsed"`
	ErrorDetail string        `json:"error_detail,omitempty"`
}
