// Package objectstore reads and writes job artifacts in a key-addressed blob
// store. Authentication uses the SDK default credential chain.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for object store operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Store is a key-addressed object store.
type Store interface {
	// GetObject returns the full contents of an object.
	// Returns ErrNotFound if the object does not exist.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// PutObject creates or overwrites an object.
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// StoreError wraps store-specific errors with context.
type StoreError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("objectstore %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("objectstore %s: %s: %v", e.Op, e.Bucket, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// JobKey joins a results prefix, an artifact prefix and a file name into an
// object key. An empty results prefix is omitted entirely.
func JobKey(resultsPrefix, artifactPrefix, name string) string {
	resultsPrefix = strings.TrimRight(resultsPrefix, "/")
	if resultsPrefix == "" {
		return artifactPrefix + "/" + name
	}
	return resultsPrefix + "/" + artifactPrefix + "/" + name
}
