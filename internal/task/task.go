// Package task defines the ingestion task model and its PostgreSQL store.
//
// A Task is the unit of asynchronous work flowing through the pipeline:
// parse one document, scan the upload directory, or sweep stale outputs.
// Every task moves through pending → running → succeeded/failed, and the
// store enforces that lifecycle — an illegal transition is rejected with
// *TransitionError and leaves the stored row untouched. Tasks are never
// resurrected: a retry is a new task.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of work a task performs.
type Kind string

const (
	// KindParse extracts text and chunk structure from one uploaded document.
	KindParse Kind = "parse"

	// KindScan reconciles the upload directory against the task store.
	KindScan Kind = "scan"

	// KindCleanup removes stale output directories of terminal tasks.
	KindCleanup Kind = "cleanup"
)

// ValidKind reports whether k is a recognized task kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindParse, KindScan, KindCleanup:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ValidStatus reports whether s is a recognized task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal lifecycle step.
// Legal steps: pending→running, running→succeeded, running→failed.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusRunning:
		return from == StatusPending
	case StatusSucceeded, StatusFailed:
		return from == StatusRunning
	}
	return false
}

// Task is one unit of asynchronous ingestion work.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	InputRef    string          `json:"input_ref"`
	ContentHash string          `json:"content_hash,omitempty"` // parse tasks only
	Result      json.RawMessage `json:"result,omitempty"`       // set on succeeded
	Failure     *Failure        `json:"error,omitempty"`        // set on failed
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Failure is the structured error payload persisted on a failed task.
// A failed task always carries a non-empty Message.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Failure kinds persisted on failed tasks. These classify the cause for
// status consumers; the full taxonomy lives in the packages that raise them.
const (
	FailStorage     = "storage"
	FailUnreadable  = "unreadable"
	FailUnsupported = "unsupported_format"
	FailCorrupt     = "corrupt"
	FailExtract     = "extract"
	FailTimeout     = "timeout"
	FailCleanup     = "cleanup"
)
