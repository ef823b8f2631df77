package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExecutionExists indicates an execution with the same name is already known to the engine.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrExecutionNotFound indicates the engine has no execution with the given identifier.
	ErrExecutionNotFound = errors.New("execution does not exist")
)

// Engine starts and describes workflow executions.
type Engine interface {
	// StartExecution starts an execution named name with the given JSON input
	// and returns its identifier. Returns ErrExecutionExists if the name is taken.
	StartExecution(ctx context.Context, name string, input []byte) (string, error)

	// DescribeExecution returns the current state of an execution.
	// Returns ErrExecutionNotFound if the identifier is unknown.
	DescribeExecution(ctx context.Context, executionID string) (*Execution, error)
}

// Execution is a point-in-time view of one workflow execution.
type Execution struct {
	ID        string
	Name      string
	Status    string
	StartDate time.Time
	StopDate  *time.Time

	// Output is the raw output document; nil when the engine reported none.
	Output *string
}

// EngineError wraps engine-specific errors with context.
type EngineError struct {
	// Op is the operation that failed (e.g. "StartExecution").
	Op string

	// Target is the execution name or identifier, if applicable.
	Target string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Target != "" {
		return "workflow " + e.Op + ": " + e.Target + ": " + e.Err.Error()
	}
	return "workflow " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EngineError) Unwrap() error {
	return e.Err
}
