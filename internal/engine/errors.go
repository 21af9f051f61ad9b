package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument marks malformed input, such as an update with no fields.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCircularDependency marks a blocks edge that would close a cycle.
	ErrCircularDependency = errors.New("circular dependency")
	// ErrConcurrentModification marks a lost race; callers may retry.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// InvalidTransitionError reports a status change outside the state table.
type InvalidTransitionError struct {
	Current string
	Target  string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.Current, e.Target)
}

// DependencyNotSatisfiedError reports the blocking tasks that keep a task
// from starting.
type DependencyNotSatisfiedError struct {
	TaskID     string
	Incomplete []string
}

func (e DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s blocked by incomplete dependencies: %s", e.TaskID, strings.Join(e.Incomplete, ", "))
}
