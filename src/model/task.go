// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
	"time"
)

type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateGenerating TaskState = "generating"
	StateCommitting TaskState = "committing"
	StatePublishing TaskState = "publishing"
	StateNotifying  TaskState = "notifying"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

// stateRank orders states along the pipeline. Terminal states share the
// highest rank so completed/failed can never flip into each other.
var stateRank = map[TaskState]int{
	StateQueued:     0,
	StateGenerating: 1,
	StateCommitting: 2,
	StatePublishing: 3,
	StateNotifying:  4,
	StateCompleted:  5,
	StateFailed:     5,
}

func (s TaskState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether moving from s to next is a forward move.
// Failure is reachable from any non-terminal state; terminal states absorb.
func (s TaskState) CanTransition(next TaskState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return s == next
	}
	if next == StateFailed {
		return true
	}
	return stateRank[next] > stateRank[s]
}

type ErrorKind string

const (
	ErrKindRepositoryNameExhausted ErrorKind = "RepositoryNameExhausted"
	ErrKindRepositoryUnavailable   ErrorKind = "RepositoryUnavailable"
	ErrKindPublishDegraded         ErrorKind = "PublishDegraded"
	ErrKindBudgetExceeded          ErrorKind = "BudgetExceeded"
	ErrKindNotificationFailed      ErrorKind = "NotificationFailed"
)

// TaskError is the closed failure taxonomy carried on failed records and
// in callback payloads.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewTaskError(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsTaskError extracts a TaskError from an error chain, defaulting the
// kind when the chain carries none.
func AsTaskError(err error, fallback ErrorKind) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Kind: fallback, Message: err.Error()}
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Check is an opaque client-side assertion. The engine only ever reads the
// "js" key when mining element IDs for the generation prompt.
type Check map[string]any

func (c Check) JS() string {
	if s, ok := c["js"].(string); ok {
		return s
	}
	return ""
}

// TaskRequest is the inbound submission payload handed over by the HTTP
// front door after secret validation.
type TaskRequest struct {
	Email         string       `json:"email"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Attachments   []Attachment `json:"attachments"`
	Checks        []Check      `json:"checks"`
	EvaluationURL string       `json:"evaluation_url"`
	Endpoint      string       `json:"endpoint"`
	Secret        string       `json:"secret"`
}

func (r *TaskRequest) Validate() error {
	switch {
	case r.Nonce == "":
		return errors.New("nonce is required")
	case r.Task == "":
		return errors.New("task is required")
	case r.Round < 1:
		return fmt.Errorf("round must be >= 1, got %d", r.Round)
	case r.Brief == "":
		return errors.New("brief is required")
	case r.EvaluationURL == "":
		return errors.New("evaluation_url is required")
	}
	return nil
}

// TaskRecord is one accepted (task, round) submission. Nonce is the
// status-store key and immutable for the lifetime of the process.
type TaskRecord struct {
	Nonce          string            `json:"nonce"`
	TaskName       string            `json:"task"`
	Round          int               `json:"round"`
	Email          string            `json:"email"`
	Brief          string            `json:"brief"`
	Attachments    map[string]string `json:"-"`
	Checks         []Check           `json:"-"`
	EvaluationURL  string            `json:"-"`
	CallerEndpoint string            `json:"-"`
	State          TaskState         `json:"state"`
	Message        string            `json:"message,omitempty"`
	Artifact       string            `json:"-"`
	RepositoryName string            `json:"-"`
	RepositoryURL  string            `json:"repo_url,omitempty"`
	PagesURL       string            `json:"pages_url,omitempty"`
	CommitSHA      string            `json:"commit_sha,omitempty"`
	Error          *TaskError        `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// StatusView is the public-safe projection returned by the status query.
type StatusView struct {
	Nonce     string     `json:"nonce"`
	Task      string     `json:"task"`
	Round     int        `json:"round"`
	State     TaskState  `json:"state"`
	Message   string     `json:"message,omitempty"`
	RepoURL   string     `json:"repo_url,omitempty"`
	PagesURL  string     `json:"pages_url,omitempty"`
	CommitSHA string     `json:"commit_sha,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (r *TaskRecord) View() StatusView {
	return StatusView{
		Nonce:     r.Nonce,
		Task:      r.TaskName,
		Round:     r.Round,
		State:     r.State,
		Message:   r.Message,
		RepoURL:   r.RepositoryURL,
		PagesURL:  r.PagesURL,
		CommitSHA: r.CommitSHA,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Result is the payload POSTed to the caller-supplied evaluation URL.
type Result struct {
	Email     string     `json:"email"`
	Task      string     `json:"task"`
	Round     int        `json:"round"`
	Nonce     string     `json:"nonce"`
	Status    TaskState  `json:"status"`
	RepoURL   string     `json:"repo_url,omitempty"`
	CommitSHA string     `json:"commit_sha,omitempty"`
	PagesURL  string     `json:"pages_url,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
