package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	// ErrConflict means the row changed between read and conditional write;
	// callers may re-read and retry.
	ErrConflict = errors.New("concurrent task update")
)

// allowedTransitions is the full lifecycle graph. REVIEW -> FAILED is the
// exit taken when an approver rejects the task.
var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning: {},
	},
	StateRunning: {
		StateReview: {},
		StateFailed: {},
	},
	StateReview: {
		StateApproved: {},
		StateFailed:   {},
	},
	StateApproved: {
		StateCompleted: {},
	},
	StateFailed: {
		StateQueued: {},
	},
	StateCompleted: {},
}

func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTask, s)
	}
	return nil
}

// ValidateTransition checks the edge only; retry budget is checked by the
// store because it depends on the row.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// CanRequeue reports whether a FAILED task may go back to QUEUED.
func CanRequeue(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// TransitionError carries enough context to find the attempt in the audit log.
type TransitionError struct {
	TaskID  string
	TraceID string
	From    State
	To      State
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s (trace %s): %s -> %s: %v", e.TaskID, e.TraceID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
