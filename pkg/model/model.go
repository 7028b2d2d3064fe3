// Package model defines the core data types for buildbot.
package model

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Status represents the lifecycle state of a build session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// BuildSession is one conversation-scoped build: a sandbox, a branch and a
// draft pull request, driven turn by turn from a chat thread.
type BuildSession struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	SandboxID     string    `json:"sandbox_id"`
	Repo          string    `json:"repo"`
	Branch        string    `json:"branch"`
	PRNumber      int       `json:"pr_number,omitempty"`
	PRURL         string    `json:"pr_url,omitempty"`
	RepoPath      string    `json:"repo_path"`
	Description   string    `json:"description"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	mu     sync.Mutex
	status Status
}

// NewBuildSession returns an active session created at now.
func NewBuildSession(id string, now time.Time) *BuildSession {
	return &BuildSession{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		status:    StatusActive,
	}
}

// Status returns the current status.
func (s *BuildSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus restores a persisted status. Only stores should call it.
func (s *BuildSession) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Transition moves an active session to a terminal status. It returns false
// when the session has already left active, so each session transitions once.
func (s *BuildSession) Transition(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive || !to.Terminal() {
		return false
	}
	s.status = to
	s.UpdatedAt = time.Now().UTC()
	return true
}

// Snapshot is a point-in-time copy of a session, safe to encode.
type Snapshot struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	SandboxID     string    `json:"sandbox_id"`
	Repo          string    `json:"repo"`
	Branch        string    `json:"branch"`
	PRNumber      int       `json:"pr_number,omitempty"`
	PRURL         string    `json:"pr_url,omitempty"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot copies the session's exported state.
func (s *BuildSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		ThreadID:      s.ThreadID,
		RequesterID:   s.RequesterID,
		RequesterName: s.RequesterName,
		SandboxID:     s.SandboxID,
		Repo:          s.Repo,
		Branch:        s.Branch,
		PRNumber:      s.PRNumber,
		PRURL:         s.PRURL,
		Description:   s.Description,
		Status:        s.status,
		Error:         s.Error,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// StepStatus is the state of one bootstrap progress step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// ProgressStep is one line of the bootstrap progress message.
type ProgressStep struct {
	Label  string
	Status StepStatus
}

// Event is an entry in a session's event log.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // "status", "step", "output", "commit", "error", "done"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens s to at most maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

// Head returns the first n runes of s without an ellipsis.
func Head(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Tail returns the last n runes of s.
func Tail(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-n:])
}
