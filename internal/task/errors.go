package task

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for task store operations. Check with errors.Is().
var (
	// ErrNotFound indicates the requested task does not exist.
	ErrNotFound = errors.New("task not found")
)

// TransitionError reports an illegal status transition attempt. The stored
// task is left unchanged when this error is returned.
type TransitionError struct {
	TaskID uuid.UUID
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s for task %s", e.From, e.To, e.TaskID)
}
