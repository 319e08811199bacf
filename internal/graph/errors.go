package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, matched with errors.Is against an *Error.
var (
	ErrCycleDetected        = errors.New("cycle detected")
	ErrUnknownDependency    = errors.New("unknown dependency")
	ErrConflictingSelectors = errors.New("conflicting scope selectors")
	ErrDuplicateTask        = errors.New("duplicate task name")
	ErrUnknownTask          = errors.New("unknown task")
)

// Error is returned by Build and Scope. Kind is one of the sentinel errors.
type Error struct {
	Kind    error
	Task    string
	Missing string
	Cycle   []string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrCycleDetected:
		return fmt.Sprintf("graph: cycle detected: %s", strings.Join(e.Cycle, " -> "))
	case ErrUnknownDependency:
		return fmt.Sprintf("graph: task %q depends on unknown task %q", e.Task, e.Missing)
	case ErrDuplicateTask:
		return fmt.Sprintf("graph: duplicate task name %q", e.Task)
	case ErrUnknownTask:
		return fmt.Sprintf("graph: scope selector names unknown task %q", e.Task)
	case ErrConflictingSelectors:
		return "graph: only one of from, to, only may be set"
	}
	if e.Err != nil {
		return fmt.Sprintf("graph: %v", e.Err)
	}
	return "graph: invalid workflow"
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}
