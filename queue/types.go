package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is a task lifecycle state as recorded in the database.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateReview    State = "REVIEW"
	StateApproved  State = "APPROVED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Priority levels; lower is more urgent.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityMedium   = 2
	PriorityLow      = 3
)

// Task is the persisted representation of a work item.
type Task struct {
	ID               string
	Name             string
	Type             string
	Priority         int
	OriginalPriority int
	BoostCount       int
	State            State
	WorkerID         *string // owner while RUNNING, nil otherwise
	RetryCount       int
	MaxRetries       int
	TraceID          string
	Payload          string
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Result           *string
	Error            *string
}

// Exhausted reports whether the task is FAILED with no retries left.
func (t *Task) Exhausted() bool {
	return t.State == StateFailed && t.RetryCount >= t.MaxRetries
}

// Terminal reports whether no further transition can apply.
func (t *Task) Terminal() bool {
	return t.State == StateCompleted || t.Exhausted()
}

// NewTask describes a task to enqueue. ID and TraceID are generated when
// empty; MaxRetries falls back to the store default when nil.
type NewTask struct {
	ID         string
	Name       string
	Type       string
	Priority   int
	MaxRetries *int
	TraceID    string
	Payload    string
	Metadata   map[string]string
}

// Event is one immutable entry of the transition log.
type Event struct {
	ID      int64
	TaskID  string
	TraceID string
	From    State
	To      State
	Actor   string
	Reason  string
	At      time.Time
}

// Stats summarizes the queue.
type Stats struct {
	ByState          map[State]int
	QueuedByPriority map[int]int
	BoostedCount     int
	AvgWait          time.Duration
	OldestQueuedAge  time.Duration
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	State    State
	Priority *int
	Limit    int
}

var priorityNames = map[string]int{
	"P0": PriorityCritical, "CRITICAL": PriorityCritical, "P0-CRITICAL": PriorityCritical,
	"P1": PriorityHigh, "HIGH": PriorityHigh, "P1-HIGH": PriorityHigh,
	"P2": PriorityMedium, "MEDIUM": PriorityMedium, "P2-MEDIUM": PriorityMedium,
	"P3": PriorityLow, "LOW": PriorityLow, "P3-LOW": PriorityLow,
}

// ParsePriority accepts a non-negative integer or a named level such as
// "P1", "high" or "P1-HIGH".
func ParsePriority(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if p, ok := priorityNames[s]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
	}
	return n, nil
}

// PriorityLabel renders well-known levels as P0..P3.
func PriorityLabel(p int) string {
	switch p {
	case PriorityCritical:
		return "P0-CRITICAL"
	case PriorityHigh:
		return "P1-HIGH"
	case PriorityMedium:
		return "P2-MEDIUM"
	case PriorityLow:
		return "P3-LOW"
	}
	return "P" + strconv.Itoa(p)
}
