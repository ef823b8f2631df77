// Package workflow is the client side of the external workflow engine. It
// starts named executions and describes them by identifier. The engine owns
// scheduling, retries and the one-execution-per-name guarantee.
package workflow
