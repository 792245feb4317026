package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runprism/alto/internal/backend"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

// Engine is the narrow container-engine surface the runner drives. *Client
// implements it; tests substitute a fake.
type Engine interface {
	Ping(ctx context.Context) error
	HasImage(ctx context.Context, tag string) (string, bool, error)
	BuildImage(ctx context.Context, dir, tag string, onOutput func(string)) (string, error)
	RemoveImage(ctx context.Context, ref string) error
	RunContainer(ctx context.Context, name, imageTag string, cmd, env []string, labels map[string]string) (string, error)
	StreamLogs(ctx context.Context, containerID string, out transport.LineWriter) error
	WaitExit(ctx context.Context, containerID string) (int64, error)
	CopyFrom(ctx context.Context, containerID, srcPath, destDir string) ([]string, error)
	RemoveContainer(ctx context.Context, containerID string) error
	ListAgentContainers(ctx context.Context, agent string) ([]string, error)
}

// Compile-time checks.
var (
	_ backend.Backend = (*Runner)(nil)
	_ Engine          = (*Client)(nil)
)

// Runner implements the container execution backend. Jobs never share a
// container: each Execute starts a fresh one from the agent's image.
type Runner struct {
	engine Engine
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]string // job id -> container id, between Execute and Collect
}

// New creates a container runner.
func New(engine Engine, logger *slog.Logger) *Runner {
	return &Runner{
		engine:     engine,
		logger:     logger,
		containers: make(map[string]string),
	}
}

// Name returns the infra type this backend serves.
func (r *Runner) Name() string { return model.InfraDocker }

// ImageTag derives the content-addressed tag for the spec's rendered image
// inputs. An unchanged definition and requirements pair always maps to the
// same tag, which is what lets Prepare skip rebuilds.
func ImageTag(spec *model.AgentSpec) string {
	h := sha256.New()
	h.Write([]byte(spec.Image.Definition))
	h.Write([]byte{0})
	h.Write([]byte(spec.Image.Requirements))
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return fmt.Sprintf("alto-%s:%s", strings.ToLower(spec.ResourceName()), digest)
}

// Provision builds (or reuses) the agent's image. The "compute resource" for
// this backend is the image on the engine; the provider-assigned id is the
// image id reported after the build.
func (r *Runner) Provision(ctx context.Context, spec *model.AgentSpec) (*model.ComputeResource, error) {
	if err := r.engine.Ping(ctx); err != nil {
		return nil, err
	}
	id, tag, err := r.ensureImage(ctx, spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &model.ComputeResource{
		ID:        id,
		Name:      spec.ResourceName(),
		Kind:      model.ResourceKindImage,
		State:     model.ResourceAvailable,
		ImageTag:  tag,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Connect verifies the engine is reachable. Container targets have no shell
// session; the Target carries only the resource.
func (r *Runner) Connect(ctx context.Context, _ *model.AgentSpec, resource *model.ComputeResource) (backend.Target, error) {
	if err := r.engine.Ping(ctx); err != nil {
		return backend.Target{}, err
	}
	return backend.Target{Resource: resource}, nil
}

// Prepare re-ensures the image. When the rendered inputs are unchanged the
// content-addressed tag already exists and no build runs.
func (r *Runner) Prepare(ctx context.Context, t backend.Target, spec *model.AgentSpec) error {
	id, tag, err := r.ensureImage(ctx, spec)
	if err != nil {
		return err
	}
	t.Resource.ID = id
	t.Resource.ImageTag = tag
	return nil
}

// ensureImage builds the image unless its content-addressed tag is already
// present on the engine.
func (r *Runner) ensureImage(ctx context.Context, spec *model.AgentSpec) (id, tag string, err error) {
	tag = ImageTag(spec)
	id, ok, err := r.engine.HasImage(ctx, tag)
	if err != nil {
		return "", "", err
	}
	if ok {
		r.logger.Info("image up to date", "tag", tag)
		return id, tag, nil
	}

	dir, err := r.stageBuildContext(spec)
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(dir)

	r.logger.Info("building image", "tag", tag)
	id, err = r.engine.BuildImage(ctx, dir, tag, func(line string) {
		r.logger.Debug("image build", "tag", tag, "line", line)
	})
	if err != nil {
		return "", "", fmt.Errorf("build image %s: %w", tag, err)
	}
	return id, tag, nil
}

// stageBuildContext lays out a temporary build directory: the project tree
// plus the rendered Dockerfile and requirements file. The rendered blobs are
// opaque to the runner; their content only feeds the tag digest.
func (r *Runner) stageBuildContext(spec *model.AgentSpec) (string, error) {
	dir, err := os.MkdirTemp("", "alto-build-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func(err error) (string, error) {
		os.RemoveAll(dir)
		return "", err
	}

	if spec.ProjectDir != "" {
		if err := os.CopyFS(dir, os.DirFS(spec.ProjectDir)); err != nil {
			return cleanup(fmt.Errorf("stage project: %w", err))
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(spec.Image.Definition), 0o644); err != nil {
		return cleanup(fmt.Errorf("stage image definition: %w", err))
	}
	if spec.Image.Requirements != "" {
		if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(spec.Image.Requirements), 0o644); err != nil {
			return cleanup(fmt.Errorf("stage requirements: %w", err))
		}
	}
	return dir, nil
}

// Execute runs one job in a fresh container, streaming its logs until exit.
// The container is kept until Collect has copied its outputs.
func (r *Runner) Execute(ctx context.Context, t backend.Target, spec *model.AgentSpec, job *model.MatrixJob, out transport.LineWriter) (int, error) {
	name := fmt.Sprintf("alto-%s-%s-%s", strings.ToLower(spec.ResourceName()), strings.ToLower(job.Slug()), strings.ToLower(job.ID))
	containerID, err := r.engine.RunContainer(ctx, name, t.Resource.ImageTag,
		[]string{"/bin/sh", "-c", spec.Entrypoint.Command},
		jobEnv(spec, job),
		map[string]string{agentLabel: spec.ResourceName()},
	)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.containers[job.ID] = containerID
	r.mu.Unlock()

	if err := r.engine.StreamLogs(ctx, containerID, out); err != nil {
		return 0, err
	}
	exit, err := r.engine.WaitExit(ctx, containerID)
	if err != nil {
		return 0, err
	}
	return int(exit), nil
}

// Collect copies the declared output paths out of the job's container and
// removes it. Artifact paths resolve inside the container filesystem as the
// rendered image definition laid it out.
func (r *Runner) Collect(ctx context.Context, _ backend.Target, spec *model.AgentSpec, job *model.MatrixJob, destDir string) ([]string, error) {
	r.mu.Lock()
	containerID, ok := r.containers[job.ID]
	delete(r.containers, job.ID)
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var collected []string
	var copyErr error
	for _, artifact := range spec.Artifacts {
		files, err := r.engine.CopyFrom(ctx, containerID, artifact, destDir)
		collected = append(collected, files...)
		if err != nil && copyErr == nil {
			copyErr = err
		}
	}

	if err := r.engine.RemoveContainer(ctx, containerID); err != nil && copyErr == nil {
		copyErr = err
	}
	return collected, copyErr
}

// Teardown removes every container labeled with the agent and the agent's
// image. Already-absent resources count as success.
func (r *Runner) Teardown(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) (*model.TeardownReport, error) {
	report := &model.TeardownReport{}
	var errs []error

	ids, err := r.engine.ListAgentContainers(ctx, resource.Name)
	if err != nil {
		report.Add("containers", resource.Name, model.TeardownFailed, err)
		errs = append(errs, err)
	} else {
		for _, id := range ids {
			if err := r.engine.RemoveContainer(ctx, id); err != nil {
				report.Add("container", id, model.TeardownFailed, err)
				errs = append(errs, err)
			} else {
				report.Add("container", id, model.TeardownDeleted, nil)
			}
		}
	}

	tag := resource.ImageTag
	if tag == "" && spec != nil && spec.Image != nil {
		tag = ImageTag(spec)
	}
	if tag != "" {
		if _, ok, err := r.engine.HasImage(ctx, tag); err != nil {
			report.Add("image", tag, model.TeardownFailed, err)
			errs = append(errs, err)
		} else if !ok {
			report.Add("image", tag, model.TeardownAbsent, nil)
		} else if err := r.engine.RemoveImage(ctx, tag); err != nil {
			report.Add("image", tag, model.TeardownFailed, err)
			errs = append(errs, err)
		} else {
			report.Add("image", tag, model.TeardownDeleted, nil)
		}
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("container teardown: %w", errors.Join(errs...))
	}
	return report, nil
}

// jobEnv derives the container environment from the spec env and the job
// tuple, both sorted so the result is a pure function of (spec, tuple).
func jobEnv(spec *model.AgentSpec, job *model.MatrixJob) []string {
	env := make([]string, 0, len(spec.Env)+len(job.Tuple))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	for _, dv := range job.Tuple {
		env = append(env, dv.Dim+"="+dv.Value)
	}
	return env
}
