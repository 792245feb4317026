package backend

import (
	"context"

	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

// Target binds an established control channel to its provisioned resource.
// Session is nil for backends that do not speak a remote shell, such as the
// container backend.
type Target struct {
	Resource *model.ComputeResource
	Session  transport.Session
}

// Close releases the target's control channel if one is open.
func (t Target) Close() error {
	if t.Session == nil {
		return nil
	}
	return t.Session.Close()
}

// Backend is the capability interface every execution variant implements.
// The variant is chosen at construction from the spec's infra type, never by
// runtime type inspection. Provision, Connect, and Teardown operate on the
// whole compute target and are serialized by the engine; Prepare runs once
// per deployment; Execute and Collect run once per matrix job and must be
// safe for concurrent use against one Target.
type Backend interface {
	// Name returns the infra type this backend serves.
	Name() string

	// Provision creates (or reuses) the compute target and drives it to
	// readiness. The returned resource carries every ancillary identifier
	// teardown needs.
	Provision(ctx context.Context, spec *model.AgentSpec) (*model.ComputeResource, error)

	// Connect opens the control channel to a provisioned target.
	Connect(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) (Target, error)

	// Prepare makes the target ready to execute jobs: code upload and
	// environment synchronization, or a container image build. Unchanged
	// inputs make Prepare a cheap no-op.
	Prepare(ctx context.Context, t Target, spec *model.AgentSpec) error

	// Execute runs one matrix job to completion, streaming output lines to
	// out, and returns the job's exit code. A non-zero exit is not an error;
	// err is reserved for infrastructure failures.
	Execute(ctx context.Context, t Target, spec *model.AgentSpec, job *model.MatrixJob, out transport.LineWriter) (int, error)

	// Collect retrieves the job's declared artifacts into destDir and
	// returns the local paths written.
	Collect(ctx context.Context, t Target, spec *model.AgentSpec, job *model.MatrixJob, destDir string) ([]string, error)

	// Teardown destroys the target and its ancillary resources, treating
	// already-absent resources as success.
	Teardown(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) (*model.TeardownReport, error)
}
