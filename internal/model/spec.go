package model

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Infra type constants. These name the closed set of execution backends;
// the backend is chosen from configuration at construction time.
const (
	InfraEC2    = "ec2"
	InfraDocker = "docker"
)

// AgentSpec is the resolved configuration for one execution target. It is
// produced by the external configuration layer and never mutated by the core.
type AgentSpec struct {
	Name            string            `json:"name"`
	Infra           Infra             `json:"infra"`
	Entrypoint      Entrypoint        `json:"entrypoint"`
	Requirements    string            `json:"requirements,omitempty"`
	Matrix          Matrix            `json:"matrix"`
	Env             map[string]string `json:"env,omitempty"`
	Artifacts       []string          `json:"artifacts,omitempty"`
	AdditionalPaths []string          `json:"additional_paths,omitempty"`
	PostBuild       []string          `json:"post_build,omitempty"`
	ProjectDir      string            `json:"project_dir"`

	// Image holds the already-rendered container image inputs. Required for
	// the docker infra type, ignored otherwise.
	Image *ImageSpec `json:"image,omitempty"`
}

// Infra describes the compute target to provision.
type Infra struct {
	Type           string `json:"type"`
	InstanceType   string `json:"instance_type,omitempty"`
	AMI            string `json:"ami,omitempty"`
	Region         string `json:"region,omitempty"`
	User           string `json:"user,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	WhitelistAll   bool   `json:"whitelist_all,omitempty"`
}

// Entrypoint describes the command to execute and the project subdirectory
// it runs from.
type Entrypoint struct {
	Command string `json:"command"`
	SrcDir  string `json:"src,omitempty"`
}

// Matrix describes the parameter fan-out for a deployment. An empty Dims map
// yields exactly one implicit job with an empty tuple.
type Matrix struct {
	Dims           map[string][]string `json:"dims,omitempty"`
	MaxConcurrency int                 `json:"max_concurrency,omitempty"`
	FailFast       bool                `json:"fail_fast,omitempty"`
}

// ImageSpec carries rendered container image inputs as opaque text. The core
// never parses or branches on their content.
type ImageSpec struct {
	Definition   string `json:"definition"`
	Requirements string `json:"requirements,omitempty"`
}

// ResourceName returns the derived identity used to tag and look up every
// provisioned resource belonging to this spec. Retried creates find existing
// resources through this name instead of duplicating them.
func (s *AgentSpec) ResourceName() string {
	return s.Name
}

// SecurityGroupName returns the derived name for the spec's network access group.
func (s *AgentSpec) SecurityGroupName() string {
	return s.Name + "-sg"
}

// RemoteDir returns the remote project directory, relative to the session's
// home directory.
func (s *AgentSpec) RemoteDir() string {
	if s.Entrypoint.SrcDir == "" {
		return s.Name
	}
	return path.Join(s.Name, s.Entrypoint.SrcDir)
}

// Validate checks the spec for structural problems that make any lifecycle
// operation impossible. It does not reach the network.
func (s *AgentSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec name is required")
	}
	switch s.Infra.Type {
	case InfraEC2, InfraDocker:
	case "":
		return fmt.Errorf("infra type is required")
	default:
		return fmt.Errorf("unknown infra type %q", s.Infra.Type)
	}
	if s.Entrypoint.Command == "" {
		return fmt.Errorf("entrypoint command is required")
	}
	if s.Infra.Type == InfraDocker && s.Image == nil {
		return fmt.Errorf("docker infra requires a rendered image definition")
	}
	if s.Matrix.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative")
	}
	for dim, values := range s.Matrix.Dims {
		if len(values) == 0 {
			return fmt.Errorf("matrix dimension %q has no values", dim)
		}
	}
	return nil
}

// JobCommand derives the shell command for one matrix tuple. The result is a
// pure function of the spec and the tuple: environment exports come first
// (spec env, then tuple values, each set sorted by name), followed by a cd
// into the project directory and the entrypoint command.
func JobCommand(spec *AgentSpec, tuple []DimValue) string {
	exports := make([]string, 0, len(spec.Env)+len(tuple))

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		exports = append(exports, fmt.Sprintf("%s=%s", k, shellQuote(spec.Env[k])))
	}
	for _, dv := range tuple {
		exports = append(exports, fmt.Sprintf("%s=%s", dv.Dim, shellQuote(dv.Value)))
	}

	segments := make([]string, 0, 3)
	if len(exports) > 0 {
		segments = append(segments, "export "+strings.Join(exports, " "))
	}
	segments = append(segments, "cd "+shellQuote(spec.RemoteDir()))
	segments = append(segments, spec.Entrypoint.Command)

	return strings.Join(segments, " && ")
}

// shellQuote wraps a value in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
