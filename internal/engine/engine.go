package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runprism/alto/internal/backend"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/state"
)

// Engine exposes the three lifecycle operations consumed by the CLI layer:
// Build provisions, Run executes the matrix, Delete tears down. The three
// are serialized per resource by construction; only the jobs inside one Run
// execute in parallel.
type Engine struct {
	registry  *backend.Registry
	store     state.Store
	logger    *slog.Logger
	broker    *LogBroker
	outputDir string

	consoleMu sync.Mutex // serializes console writes across job goroutines
	console   io.Writer
}

// NewEngine creates an execution engine writing job logs and artifacts under
// outputDir.
func NewEngine(reg *backend.Registry, s state.Store, logger *slog.Logger, outputDir string) *Engine {
	return &Engine{
		registry:  reg,
		store:     s,
		logger:    logger,
		broker:    NewLogBroker(),
		outputDir: outputDir,
	}
}

// Broker returns the engine's log broker for live subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// SetConsole mirrors every job's tuple-prefixed output lines to w during Run,
// in addition to the per-job log files. The CLI points this at stderr so a
// deployment shows live output.
func (e *Engine) SetConsole(w io.Writer) {
	e.console = w
}

// mirrorToConsole subscribes to every job topic before execution starts and
// copies the published lines to the console. The returned wait function
// blocks until all topics have closed.
func (e *Engine) mirrorToConsole(jobs []*model.MatrixJob) (wait func()) {
	if e.console == nil {
		return func() {}
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		ch, _ := e.broker.Subscribe(job.Slug())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for line := range ch {
				e.consoleMu.Lock()
				fmt.Fprintln(e.console, line)
				e.consoleMu.Unlock()
			}
		}()
	}
	return wg.Wait
}

// Build provisions the spec's compute target and records it in the state
// store. Whatever was created before a failure is recorded too, so Delete
// can find it later; nothing is auto-deleted here.
func (e *Engine) Build(ctx context.Context, spec *model.AgentSpec) (*model.ComputeResource, error) {
	if err := spec.Validate(); err != nil {
		return nil, &FatalError{Stage: StageValidate, Err: err}
	}
	b, err := e.registry.Resolve(spec.Infra.Type)
	if err != nil {
		return nil, &FatalError{Stage: StageProvision, Err: err}
	}

	resource, err := b.Provision(ctx, spec)
	if resource != nil {
		if saveErr := e.store.SaveResource(ctx, resource); saveErr != nil {
			e.logger.Error("failed to record resource", "name", resource.Name, "error", saveErr)
		}
	}
	if err != nil {
		return resource, &FatalError{Stage: StageProvision, Err: err}
	}

	e.logger.Info("resource ready", "name", resource.Name, "id", resource.ID, "address", resource.Address)
	return resource, nil
}

// Run executes the spec's matrix against the resource and returns one result
// per job. A nil resource is resolved from the state store. Job failures
// never surface as an error here; the error return is reserved for
// infrastructure failures, which abort before or between jobs but leave the
// resource intact for teardown.
func (e *Engine) Run(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) ([]model.DeploymentResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, &FatalError{Stage: StageValidate, Err: err}
	}
	b, err := e.registry.Resolve(spec.Infra.Type)
	if err != nil {
		return nil, &FatalError{Stage: StageConnect, Err: err}
	}

	if resource == nil {
		resource, err = e.store.GetResource(ctx, spec.ResourceName())
		if err != nil {
			return nil, &FatalError{Stage: StageConnect, Err: fmt.Errorf("no recorded resource for %q; run build first: %w", spec.ResourceName(), err)}
		}
	}

	start := time.Now()
	target, err := b.Connect(ctx, spec, resource)
	if err != nil {
		return nil, &FatalError{Stage: StageConnect, Err: err}
	}
	defer target.Close()

	if err := b.Prepare(ctx, target, spec); err != nil {
		return nil, &FatalError{Stage: StagePrepare, Err: err}
	}

	jobs := ExpandMatrix(spec)
	e.logger.Info("matrix expanded", "agent", spec.ResourceName(), "jobs", len(jobs), "max_concurrency", spec.Matrix.MaxConcurrency)

	waitConsole := e.mirrorToConsole(jobs)
	results := e.runJobs(ctx, b, target, spec, jobs)
	waitConsole()

	e.collectArtifacts(ctx, b, target, spec, jobs, results)

	deployDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

// runJobs drives the jobs through a bounded pool. Admission is FIFO in
// expansion order; completion order is unspecified. With fail-fast set, the
// first failure cancels jobs that have not started; running jobs finish and
// their results are recorded.
func (e *Engine) runJobs(ctx context.Context, b backend.Backend, target backend.Target, spec *model.AgentSpec, jobs []*model.MatrixJob) []model.DeploymentResult {
	size := spec.Matrix.MaxConcurrency
	if size <= 0 {
		size = 1
	}
	pool := newPool(size)
	results := make([]model.DeploymentResult, len(jobs))

	var cancelled atomic.Bool
	var mu sync.Mutex // guards job status transitions against the cancel path

	for i, job := range jobs {
		pool.submit(func() {
			mu.Lock()
			if cancelled.Load() && job.Status == model.JobQueued {
				job.Status = model.JobCancelled
				mu.Unlock()
				e.broker.Close(job.Slug())
				jobsTotal.WithLabelValues(model.JobCancelled).Inc()
				results[i] = model.DeploymentResult{
					JobID:  job.ID,
					Tuple:  job.Tuple,
					Status: model.JobCancelled,
					Error:  "cancelled before start: an earlier job failed with fail-fast set",
				}
				return
			}
			job.Status = model.JobRunning
			mu.Unlock()

			results[i] = e.executeJob(ctx, b, target, spec, job)

			if results[i].Status == model.JobFailed && spec.Matrix.FailFast {
				cancelled.Store(true)
			} else if cancelled.Load() {
				results[i].CompletedAfterCancel = true
			}
		})
	}
	pool.wait()
	return results
}

// executeJob runs one job, streaming each output line to the broker with the
// job-tuple prefix and capturing it to the job's log file.
func (e *Engine) executeJob(ctx context.Context, b backend.Backend, target backend.Target, spec *model.AgentSpec, job *model.MatrixJob) model.DeploymentResult {
	slug := job.Slug()
	start := time.Now()
	runningJobs.Inc()
	defer runningJobs.Dec()
	defer e.broker.Close(slug)

	result := model.DeploymentResult{JobID: job.ID, Tuple: job.Tuple}

	logPath := filepath.Join(e.outputDir, spec.ResourceName(), "logs", slug+".log")
	logFile, err := e.openLog(logPath)
	if err != nil {
		e.logger.Error("failed to open job log", "job", slug, "error", err)
	} else {
		defer logFile.Close()
		result.LogPath = logPath
	}

	out := func(line string) {
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		e.broker.Publish(slug, "["+slug+"] "+line)
	}

	exit, err := b.Execute(ctx, target, spec, job, out)
	result.ExitCode = exit
	result.DurationMS = int(time.Since(start).Milliseconds())

	switch {
	case err != nil:
		job.Status = model.JobFailed
		result.Status = model.JobFailed
		result.Error = err.Error()
		e.logger.Error("job error", "job", slug, "error", err)
	case exit != 0:
		job.Status = model.JobFailed
		result.Status = model.JobFailed
		result.Error = fmt.Sprintf("command exited %d", exit)
		e.logger.Warn("job failed", "job", slug, "exit_code", exit)
	default:
		job.Status = model.JobSucceeded
		result.Status = model.JobSucceeded
		e.logger.Info("job succeeded", "job", slug, "duration_ms", result.DurationMS)
	}
	jobsTotal.WithLabelValues(result.Status).Inc()
	return result
}

func (e *Engine) openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// collectArtifacts downloads declared outputs for every job that ran, each
// into its own tuple-slug directory so concurrent jobs never overwrite one
// another. Collection failures are recorded on the job's result, not fatal.
func (e *Engine) collectArtifacts(ctx context.Context, b backend.Backend, target backend.Target, spec *model.AgentSpec, jobs []*model.MatrixJob, results []model.DeploymentResult) {
	for i, job := range jobs {
		if job.Status != model.JobSucceeded && job.Status != model.JobFailed {
			continue
		}
		destDir := filepath.Join(e.outputDir, spec.ResourceName(), "artifacts", job.Slug())
		paths, err := b.Collect(ctx, target, spec, job, destDir)
		results[i].Artifacts = paths
		if err != nil {
			e.logger.Error("artifact collection failed", "job", job.Slug(), "error", err)
			if results[i].Error == "" {
				results[i].Error = fmt.Sprintf("collect artifacts: %v", err)
			}
		}
	}
}

// Delete tears down the spec's resource unconditionally and idempotently,
// resolving it from the state store when the caller holds no handle (for
// example after a crash mid-provision). The store record is cleared only
// when nothing failed to delete.
func (e *Engine) Delete(ctx context.Context, spec *model.AgentSpec, resource *model.ComputeResource) (*model.TeardownReport, error) {
	b, err := e.registry.Resolve(spec.Infra.Type)
	if err != nil {
		return nil, &FatalError{Stage: StageTeardown, Err: err}
	}

	if resource == nil {
		resource, err = e.store.GetResource(ctx, spec.ResourceName())
		if err != nil {
			if err == state.ErrNotFound {
				e.logger.Info("nothing to delete", "name", spec.ResourceName())
				return &model.TeardownReport{}, nil
			}
			return nil, &FatalError{Stage: StageTeardown, Err: err}
		}
	}

	report, terr := b.Teardown(ctx, spec, resource)

	if report != nil && len(report.Failed()) == 0 {
		if err := e.store.DeleteResource(ctx, resource.Name); err != nil && err != state.ErrNotFound {
			e.logger.Error("failed to clear resource record", "name", resource.Name, "error", err)
		}
	}
	if terr != nil {
		return report, &FatalError{Stage: StageTeardown, Err: terr}
	}
	e.logger.Info("resource deleted", "name", resource.Name)
	return report, nil
}
