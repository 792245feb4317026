// Package state persists provisioned compute resources locally so teardown
// can resolve them after a crash or across process restarts, including
// resources left behind by a partially failed provision.
package state

import (
	"context"
	"errors"

	"github.com/runprism/alto/internal/model"
)

// ErrNotFound is returned when no resource record exists for a name.
var ErrNotFound = errors.New("resource record not found")

// Store defines the persistence operations for compute resources. Records
// are keyed by the spec's derived resource name.
type Store interface {
	SaveResource(ctx context.Context, r *model.ComputeResource) error
	GetResource(ctx context.Context, name string) (*model.ComputeResource, error)
	ListResources(ctx context.Context) ([]*model.ComputeResource, error)
	DeleteResource(ctx context.Context, name string) error
	Close() error
}
