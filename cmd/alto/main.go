// Command alto drives the deployment lifecycle: build provisions the compute
// target, run executes the parameter matrix against it, delete tears it down.
// The resolved agent spec arrives as a JSON document; results are written to
// stdout as JSON, logs to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/runprism/alto/internal/backend"
	dockerbackend "github.com/runprism/alto/internal/backend/docker"
	"github.com/runprism/alto/internal/backend/shell"
	"github.com/runprism/alto/internal/cloud"
	"github.com/runprism/alto/internal/config"
	"github.com/runprism/alto/internal/engine"
	"github.com/runprism/alto/internal/envsync"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/monitor"
	"github.com/runprism/alto/internal/provision"
	"github.com/runprism/alto/internal/state"
	"github.com/runprism/alto/internal/transport"
)

const usage = `usage: alto <command> [flags]

commands:
  build    provision the compute target for a spec
  run      execute the spec's matrix against the target
  delete   tear the target down

flags:
  -spec PATH   path to the resolved agent spec (JSON); "-" reads stdin
  run only:
  -no-delete-success   keep the target after a fully successful run
  -no-delete-failure   keep the target after a failed run
`

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return engine.ExitFatal
	}
	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	specPath := flags.String("spec", "", "path to the resolved agent spec (JSON)")
	keepOnSuccess := flags.Bool("no-delete-success", false, "keep the target after a fully successful run")
	keepOnFailure := flags.Bool("no-delete-failure", false, "keep the target after a failed run")
	flags.Parse(os.Args[2:])

	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	spec, err := loadSpec(*specPath)
	if err != nil {
		logger.Error("failed to load spec", "error", err)
		return engine.ExitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logger.Error("failed to create state dir", "path", cfg.StateDir, "error", err)
		return engine.ExitFatal
	}
	store, err := state.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.DBPath, "error", err)
		return engine.ExitFatal
	}
	defer store.Close()

	registry := backend.NewRegistry()
	switch spec.Infra.Type {
	case model.InfraEC2:
		api, err := cloud.NewEC2(ctx, spec.Infra.Region)
		if err != nil {
			logger.Error("failed to initialize cloud client", "error", err)
			return engine.ExitFatal
		}
		prov := provision.New(api, filepath.Join(cfg.StateDir, "keys"), logger)
		registry.Register(shell.New(prov, transport.NewGate(logger), envsync.New(logger), logger))
	case model.InfraDocker:
		client, err := dockerbackend.NewClient(cfg.DockerHost)
		if err != nil {
			logger.Error("failed to initialize docker client", "error", err)
			return engine.ExitFatal
		}
		defer client.Close()
		registry.Register(dockerbackend.New(client, logger))
	default:
		logger.Error("unknown infra type", "type", spec.Infra.Type)
		return engine.ExitFatal
	}

	eng := engine.NewEngine(registry, store, logger, cfg.OutputDir)
	eng.SetConsole(os.Stderr)

	if cfg.MonitorAddr != "" {
		mon := monitor.NewServer(cfg.MonitorAddr, logger)
		mon.Start()
		defer mon.Shutdown()
	}

	switch command {
	case "build":
		return runBuild(ctx, eng, spec, logger)
	case "run":
		return runDeploy(ctx, eng, spec, logger, *keepOnSuccess, *keepOnFailure)
	case "delete":
		return runDelete(ctx, eng, spec, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		return engine.ExitFatal
	}
}

func loadSpec(path string) (*model.AgentSpec, error) {
	if path == "" {
		return nil, fmt.Errorf("-spec is required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	spec := &model.AgentSpec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func runBuild(ctx context.Context, eng *engine.Engine, spec *model.AgentSpec, logger *slog.Logger) int {
	resource, err := eng.Build(ctx, spec)
	if err != nil {
		logger.Error("build failed", "error", err)
		return engine.ExitCode(nil, err)
	}
	emit(resource)
	return engine.ExitOK
}

func runDeploy(ctx context.Context, eng *engine.Engine, spec *model.AgentSpec, logger *slog.Logger, keepOnSuccess, keepOnFailure bool) int {
	resource, err := eng.Build(ctx, spec)
	if err != nil {
		logger.Error("build failed", "error", err)
		return engine.ExitCode(nil, err)
	}

	results, runErr := eng.Run(ctx, spec, resource)
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
	}
	emit(results)

	code := engine.ExitCode(results, runErr)
	keep := keepOnSuccess
	if code != engine.ExitOK {
		keep = keepOnFailure
	}
	if !keep {
		if _, err := eng.Delete(ctx, spec, resource); err != nil {
			logger.Error("teardown after run failed", "error", err)
			if code == engine.ExitOK {
				code = engine.ExitFatal
			}
		}
	}
	return code
}

func runDelete(ctx context.Context, eng *engine.Engine, spec *model.AgentSpec, logger *slog.Logger) int {
	report, err := eng.Delete(ctx, spec, nil)
	if err != nil {
		logger.Error("delete failed", "error", err)
	}
	if report != nil {
		emit(report)
	}
	if err != nil {
		return engine.ExitCode(nil, err)
	}
	return engine.ExitOK
}

// emit writes a JSON document to stdout, the machine-readable half of the
// CLI's output.
func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}
