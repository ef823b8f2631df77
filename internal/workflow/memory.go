package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryARNPrefix prefixes execution identifiers issued by Memory.
const MemoryARNPrefix = "arn:aws:states:local:000000000000:execution:compose-runner:"

// Ensure Memory implements Engine.
var _ Engine = (*Memory)(nil)

// Memory is an in-process Engine for tests and local development. Executions
// stay RUNNING until Complete or Fail is called.
type Memory struct {
	mu         sync.Mutex
	executions map[string]*memoryExecution
	byName     map[string]string
	now        func() time.Time
}

type memoryExecution struct {
	exec  Execution
	input []byte
}

// NewMemory creates an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]*memoryExecution),
		byName:     make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartExecution records a new RUNNING execution. Names are never reused.
func (m *Memory) StartExecution(_ context.Context, name string, input []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; ok {
		return "", &EngineError{Op: "StartExecution", Target: name, Err: ErrExecutionExists}
	}

	id := MemoryARNPrefix + name
	m.executions[id] = &memoryExecution{
		exec: Execution{
			ID:        id,
			Name:      name,
			Status:    "RUNNING",
			StartDate: m.now(),
		},
		input: append([]byte(nil), input...),
	}
	m.byName[name] = id
	return id, nil
}

// DescribeExecution returns a copy of the execution state.
func (m *Memory) DescribeExecution(_ context.Context, executionID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return nil, &EngineError{Op: "DescribeExecution", Target: executionID, Err: ErrExecutionNotFound}
	}
	exec := e.exec
	return &exec, nil
}

// Input returns the input document an execution was started with.
func (m *Memory) Input(executionID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.input...), true
}

// Complete moves an execution to SUCCEEDED with the given output document.
func (m *Memory) Complete(executionID, output string) error {
	return m.finish(executionID, "SUCCEEDED", output)
}

// Fail moves an execution to FAILED with the given output document.
func (m *Memory) Fail(executionID, output string) error {
	return m.finish(executionID, "FAILED", output)
}

// SetStatus forces an execution into an arbitrary status, e.g. TIMED_OUT.
func (m *Memory) SetStatus(executionID, status string) error {
	return m.finish(executionID, status, "")
}

func (m *Memory) finish(executionID, status, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	e.exec.Status = status
	if status != "RUNNING" {
		stop := m.now()
		e.exec.StopDate = &stop
	}
	if output != "" {
		out := output
		e.exec.Output = &out
	}
	return nil
}
