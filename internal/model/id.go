package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a job or run identifier.
// Provider-assigned resource identifiers are never generated locally.
func NewID() string {
	return ulid.Make().String()
}
