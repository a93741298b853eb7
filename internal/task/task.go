package task

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a task. Terminal states are absorbing:
// once entered, only the posted flag may change.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a status transition loses a CAS race or
	// names a transition the lifecycle does not allow.
	ErrConflict = errors.New("task status conflict")
)

// transitions is the allowed edge set of the task lifecycle.
var transitions = map[Status][]Status{
	StatusQueued: {StatusLeased, StatusCancelled},
	StatusLeased: {StatusRunning, StatusQueued, StatusFailed, StatusSkipped, StatusCancelled, StatusTimedOut},
	StatusRunning: {
		StatusQueued, StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped,
	},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusLeased, StatusRunning, StatusSucceeded,
		StatusFailed, StatusTimedOut, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Priority orders queue bands. The scheduler drains bands strictly in this
// order; within a band tasks are FIFO by scheduled-for time, then id.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Bands lists all priorities from most to least urgent.
func Bands() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// PriorityForCommand maps a task command to its default band. Security
// signals come in pre-escalated by the activation rules.
func PriorityForCommand(command string) Priority {
	switch command {
	case "fix":
		return PriorityHigh
	case "explain", "help":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ErrorClass buckets a failure for retry policy and user messaging.
type ErrorClass string

const (
	// ErrorUser: the request itself is at fault (bad command, missing repo
	// access). Never retried.
	ErrorUser ErrorClass = "user"
	// ErrorTransient: likely to succeed on retry (network, rate limits,
	// token refresh races).
	ErrorTransient ErrorClass = "transient"
	// ErrorPermanent: retrying cannot help (repo too large, unsupported
	// layout, policy violation).
	ErrorPermanent ErrorClass = "permanent"
	// ErrorSystem: a platform bug or invariant violation. Retried, and
	// surfaced to operators.
	ErrorSystem ErrorClass = "system"
)

func (c ErrorClass) Valid() bool {
	switch c {
	case ErrorUser, ErrorTransient, ErrorPermanent, ErrorSystem:
		return true
	}
	return false
}

// Retryable reports whether the class allows redelivery.
func (c ErrorClass) Retryable() bool {
	return c == ErrorTransient || c == ErrorSystem
}

// Task is one unit of agent work, durably stored for its whole lifecycle.
type Task struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	OrgID          string    `json:"org_id"`
	Repo           string    `json:"repo"`
	CloneURL string `json:"clone_url,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	// IssueNumber anchors results for plain-issue tasks; PRNumber and
	// IssueNumber are never both set.
	IssueNumber    int       `json:"issue_number,omitempty"`
	InstallationID string    `json:"installation_id,omitempty"`
	Command        string    `json:"command"`
	Prompt         string    `json:"prompt,omitempty"`
	Priority       Priority  `json:"priority"`
	Status         Status    `json:"status"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`

	CostUSD       float64    `json:"cost_usd"`
	Posted        bool       `json:"posted"`
	ResultSummary string     `json:"result_summary,omitempty"`
	FailureClass  ErrorClass `json:"failure_class,omitempty"`
	Diagnostic    string     `json:"diagnostic,omitempty"`

	// SourceKey identifies the originating conversation: one non-terminal
	// task per key at a time.
	SourceKey string `json:"source_key,omitempty"`
	// DeliveryID is the webhook delivery that spawned the task.
	DeliveryID string `json:"delivery_id,omitempty"`
	// ArtifactID is where the result will be posted (PR, issue, thread).
	ArtifactID string `json:"artifact_id,omitempty"`
}

// NewID returns a time-sortable unique task id. Lexicographic order of ids
// matches creation order, which the queue relies on for FIFO tie-breaks.
func NewID() string {
	return ulid.Make().String()
}

// IDTime extracts the creation time embedded in a task id.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(parsed.Time())), nil
}
