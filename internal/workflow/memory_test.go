package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.StartExecution(ctx, "prefix-1", []byte(`{"k":"v"}`))
	require.NoError(t, err)

	exec, err := m.DescribeExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", exec.Status)
	assert.Nil(t, exec.StopDate)
	assert.Nil(t, exec.Output)

	input, ok := m.Input(id)
	require.True(t, ok)
	assert.JSONEq(t, `{"k":"v"}`, string(input))

	require.NoError(t, m.Complete(id, `{"artifact_prefix":"prefix-1"}`))
	exec, err = m.DescribeExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", exec.Status)
	assert.NotNil(t, exec.StopDate)
	require.NotNil(t, exec.Output)
}

func TestMemoryRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.StartExecution(ctx, "dup", nil)
	require.NoError(t, err)

	_, err = m.StartExecution(ctx, "dup", nil)
	assert.ErrorIs(t, err, ErrExecutionExists)
}

func TestMemoryUnknownExecution(t *testing.T) {
	_, err := NewMemory().DescribeExecution(context.Background(), "arn:missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}
