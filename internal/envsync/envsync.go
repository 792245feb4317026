// Package envsync keeps the remote runtime environment in step with the
// local dependency manifest. A completion marker written only after a fully
// successful install makes the operation idempotent under crash: a partially
// built environment has no marker and is always rebuilt.
package envsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

// Remote layout, relative to the session's home directory.
const (
	envRoot      = ".alto-env"
	venvDirName  = "venv"
	manifestName = "requirements.txt"
	markerName   = ".install-complete"
)

// Report describes what a Sync call actually did.
type Report struct {
	// Skipped is true when the manifest hash matched and the completion
	// marker was present, so no install work ran.
	Skipped bool

	// InstallOps counts the install commands executed remotely.
	InstallOps int
}

// Synchronizer builds and verifies remote environments over a Session.
type Synchronizer struct {
	logger *slog.Logger
}

// New creates a Synchronizer.
func New(logger *slog.Logger) *Synchronizer {
	return &Synchronizer{logger: logger}
}

// EnvDir returns the remote environment directory for a spec.
func EnvDir(spec *model.AgentSpec) string {
	return path.Join(envRoot, spec.ResourceName())
}

// ActivationCommand returns the shell fragment that activates the spec's
// environment, or "" when the spec declares no manifest and has none.
func ActivationCommand(spec *model.AgentSpec) string {
	if spec.Requirements == "" {
		return ""
	}
	return ". " + shellQuote(path.Join(EnvDir(spec), venvDirName, "bin", "activate"))
}

// Sync makes the remote environment match the local manifest. When the
// remote manifest copy hashes to the same value and the completion marker
// holds that hash, Sync performs zero install operations. Otherwise it
// removes the stale environment, ensures the runtime, builds a fresh
// isolated environment, installs the manifest, runs post-install hooks, and
// writes the marker last.
func (s *Synchronizer) Sync(ctx context.Context, sess transport.Session, spec *model.AgentSpec) (Report, error) {
	if spec.Requirements == "" && len(spec.PostBuild) == 0 {
		return Report{Skipped: true}, nil
	}

	localHash, err := s.localManifestHash(spec)
	if err != nil {
		return Report{}, err
	}

	envDir := EnvDir(spec)
	if s.upToDate(ctx, sess, envDir, localHash) {
		s.logger.Info("environment up to date", "agent", spec.ResourceName(), "manifest_hash", localHash)
		syncOutcomes.WithLabelValues(outcomeSkipped).Inc()
		return Report{Skipped: true}, nil
	}

	report, err := s.rebuild(ctx, sess, spec, envDir, localHash)
	if err != nil {
		syncOutcomes.WithLabelValues(outcomeFailed).Inc()
		return report, err
	}
	syncOutcomes.WithLabelValues(outcomeBuilt).Inc()
	return report, nil
}

// upToDate reports whether the recorded remote manifest matches localHash
// and a completion marker from a prior successful install is present. Both
// checks read files only; no remote commands run.
func (s *Synchronizer) upToDate(ctx context.Context, sess transport.Session, envDir, localHash string) bool {
	if localHash == "" {
		return false
	}
	marker, err := sess.ReadFile(ctx, path.Join(envDir, markerName))
	if err != nil || strings.TrimSpace(string(marker)) != localHash {
		return false
	}
	remote, err := sess.ReadFile(ctx, path.Join(envDir, manifestName))
	if err != nil {
		return false
	}
	return hashBytes(remote) == localHash
}

func (s *Synchronizer) rebuild(ctx context.Context, sess transport.Session, spec *model.AgentSpec, envDir, localHash string) (Report, error) {
	var report Report

	run := func(stage, command string) error {
		report.InstallOps++
		s.logger.Debug("env sync", "stage", stage, "command", command)
		var tail string
		exit, err := sess.Run(ctx, command, func(line string) { tail = line })
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		if exit != 0 {
			return fmt.Errorf("%s: exit %d: %s", stage, exit, tail)
		}
		return nil
	}

	venv := path.Join(envDir, venvDirName)

	// Any partial prior build goes first, marker included.
	if err := run("remove stale environment", fmt.Sprintf("rm -rf %s && mkdir -p %s", shellQuote(envDir), shellQuote(envDir))); err != nil {
		return report, err
	}

	python, err := s.ensureRuntime(ctx, spec, run)
	if err != nil {
		return report, err
	}

	if spec.Requirements != "" {
		if err := run("create environment", fmt.Sprintf("%s -m venv %s", python, shellQuote(venv))); err != nil {
			return report, err
		}

		remoteManifest := path.Join(envDir, manifestName)
		if err := sess.Upload(ctx, spec.Requirements, remoteManifest); err != nil {
			return report, fmt.Errorf("upload manifest: %w", err)
		}
		pip := shellQuote(path.Join(venv, "bin", "pip"))
		if err := run("upgrade pip", pip+" install --upgrade pip"); err != nil {
			return report, err
		}
		if err := run("install manifest", fmt.Sprintf("%s install -r %s", pip, shellQuote(remoteManifest))); err != nil {
			return report, err
		}
	}

	for i, hook := range spec.PostBuild {
		cmd := hook
		if act := ActivationCommand(spec); act != "" {
			cmd = act + " && " + hook
		}
		if err := run(fmt.Sprintf("post-install hook %d", i+1), cmd); err != nil {
			return report, err
		}
	}

	// The marker goes last: its presence means every step above completed.
	if err := sess.WriteFile(ctx, path.Join(envDir, markerName), []byte(localHash+"\n")); err != nil {
		return report, fmt.Errorf("write completion marker: %w", err)
	}

	s.logger.Info("environment built", "agent", spec.ResourceName(), "install_ops", report.InstallOps)
	return report, nil
}

// ensureRuntime makes the requested runtime version available, installing it
// when absent, and returns the interpreter command to build the venv with.
func (s *Synchronizer) ensureRuntime(ctx context.Context, spec *model.AgentSpec, run func(stage, command string) error) (string, error) {
	version := spec.Infra.RuntimeVersion
	if version == "" {
		return "python3", nil
	}

	python := "python" + version
	install := fmt.Sprintf(
		"command -v %s >/dev/null 2>&1 || (sudo apt-get update -qq && sudo apt-get install -y -qq %s %s-venv)",
		python, python, python,
	)
	if err := run("ensure runtime", install); err != nil {
		return "", err
	}
	return python, nil
}

func (s *Synchronizer) localManifestHash(spec *model.AgentSpec) (string, error) {
	if spec.Requirements == "" {
		return "", nil
	}
	data, err := os.ReadFile(spec.Requirements)
	if err != nil {
		return "", fmt.Errorf("read manifest %s: %w", spec.Requirements, err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
