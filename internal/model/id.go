package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a local run identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewArtifactPrefix generates a random artifact prefix for a job whose caller
// did not supply one.
func NewArtifactPrefix() string {
	return uuid.NewString()
}
