// Package shell executes matrix jobs directly on the provisioned instance
// over its SSH session. Preparation uploads the project and synchronizes the
// remote environment; each job runs the derived command on its own command
// channel, so concurrent jobs never share an in-flight channel.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"path/filepath"

	"github.com/runprism/alto/internal/backend"
	"github.com/runprism/alto/internal/envsync"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/provision"
	"github.com/runprism/alto/internal/transport"
)

// sshPort matches the port opened by the provisioned security group.
const sshPort = "22"

// defaultUser is the login for stock Ubuntu images when the spec names none.
const defaultUser = "ubuntu"

// Compile-time interface satisfaction check.
var _ backend.Backend = (*Backend)(nil)

// Backend runs jobs directly on the instance.
type Backend struct {
	provisioner *provision.Provisioner
	gate        *transport.Gate
	sync        *envsync.Synchronizer
	logger      *slog.Logger
}

// New creates a shell backend from its collaborators.
func New(p *provision.Provisioner, gate *transport.Gate, sync *envsync.Synchronizer, logger *slog.Logger) *Backend {
	return &Backend{provisioner: p, gate: gate, sync: sync, logger: logger}
}

// Name returns the infra type this backend serves.
func (b *Backend) Name() string { return model.InfraEC2 }

// Provision creates or reuses the instance and waits for it to report ready.
// On failure the partial resource travels with the error so the caller can
// record whatever was created before the failing step.
func (b *Backend) Provision(ctx context.Context, spec *model.AgentSpec) (*model.ComputeResource, error) {
	resource, err := b.provisioner.Create(ctx, spec)
	if err != nil {
		return resource, err
	}
	return b.provisioner.WaitReady(ctx, resource)
}

// Connect re-checks SSH ingress for the caller's current address, then dials
// through the gate. The gate classifies and bounds retries; a structurally
// unreachable target fails without retry.
func (b *Backend) Connect(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) (backend.Target, error) {
	if resource.Address == "" {
		return backend.Target{}, fmt.Errorf("resource %s has no address; provision it first", resource.Name)
	}
	if err := b.provisioner.EnsureIngress(ctx, spec, resource); err != nil {
		return backend.Target{}, err
	}

	user := spec.Infra.User
	if user == "" {
		user = defaultUser
	}
	sess, err := b.gate.Connect(ctx, net.JoinHostPort(resource.Address, sshPort), transport.Credentials{
		User:    user,
		KeyPath: resource.KeyPath,
	})
	if err != nil {
		return backend.Target{}, err
	}
	return backend.Target{Resource: resource, Session: sess}, nil
}

// Prepare uploads the project directory and any declared extra paths, then
// synchronizes the remote environment against the manifest. An unchanged
// manifest with an intact completion marker performs no install work.
func (b *Backend) Prepare(ctx context.Context, t backend.Target, spec *model.AgentSpec) error {
	remoteRoot := spec.ResourceName()
	if spec.ProjectDir != "" {
		if err := t.Session.Upload(ctx, spec.ProjectDir, remoteRoot); err != nil {
			return fmt.Errorf("upload project: %w", err)
		}
	}
	for _, extra := range spec.AdditionalPaths {
		target := path.Join(remoteRoot, filepath.Base(extra))
		if err := t.Session.Upload(ctx, extra, target); err != nil {
			return fmt.Errorf("upload %s: %w", extra, err)
		}
	}

	report, err := b.sync.Sync(ctx, t.Session, spec)
	if err != nil {
		return fmt.Errorf("sync environment: %w", err)
	}
	b.logger.Info("target prepared",
		"agent", spec.ResourceName(),
		"env_skipped", report.Skipped,
		"install_ops", report.InstallOps,
	)
	return nil
}

// Execute runs one job's command inside the synchronized environment on a
// fresh command channel.
func (b *Backend) Execute(ctx context.Context, t backend.Target, spec *model.AgentSpec, job *model.MatrixJob, out transport.LineWriter) (int, error) {
	command := job.Command
	if act := envsync.ActivationCommand(spec); act != "" {
		command = act + " && " + command
	}
	return t.Session.Run(ctx, command, out)
}

// Collect expands the declared artifact globs under the job's remote
// directory and downloads every match into destDir.
func (b *Backend) Collect(ctx context.Context, t backend.Target, spec *model.AgentSpec, job *model.MatrixJob, destDir string) ([]string, error) {
	var collected []string
	for _, pattern := range spec.Artifacts {
		matches, err := t.Session.Glob(ctx, path.Join(spec.RemoteDir(), pattern))
		if err != nil {
			return collected, fmt.Errorf("expand artifact glob %q: %w", pattern, err)
		}
		for _, remote := range matches {
			local := filepath.Join(destDir, path.Base(remote))
			if err := t.Session.Download(ctx, remote, local); err != nil {
				return collected, fmt.Errorf("download %s: %w", remote, err)
			}
			collected = append(collected, local)
		}
	}
	return collected, nil
}

// Teardown destroys the instance and its ancillary resources.
func (b *Backend) Teardown(ctx context.Context, _ *model.AgentSpec, resource *model.ComputeResource) (*model.TeardownReport, error) {
	return b.provisioner.Destroy(ctx, resource)
}
