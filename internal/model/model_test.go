package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestJobStatusConstants(t *testing.T) {
	statuses := []struct {
		constant string
		expected string
	}{
		{JobQueued, "queued"},
		{JobRunning, "running"},
		{JobSucceeded, "succeeded"},
		{JobFailed, "failed"},
		{JobCancelled, "cancelled"},
	}
	for _, s := range statuses {
		if s.constant != s.expected {
			t.Errorf("job status constant = %q, want %q", s.constant, s.expected)
		}
	}
}

func TestValidJobTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobCancelled, true},
		{JobQueued, JobSucceeded, false},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCancelled, false},
		{JobSucceeded, JobRunning, false},
		{JobCancelled, JobRunning, false},
	}
	for _, c := range cases {
		if got := ValidJobTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidJobTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		name  string
		tuple []DimValue
		want  string
	}{
		{"empty tuple", nil, "default"},
		{"single dim", []DimValue{{Dim: "region", Value: "us-east-1"}}, "region-us-east-1"},
		{"two dims", []DimValue{{Dim: "a", Value: "X"}, {Dim: "b", Value: "Y"}}, "a-X_b-Y"},
		{"unsafe chars", []DimValue{{Dim: "path", Value: "a/b c"}}, "path-a-b-c"},
	}
	for _, c := range cases {
		j := &MatrixJob{Tuple: c.tuple}
		if got := j.Slug(); got != c.want {
			t.Errorf("%s: Slug() = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestJobCommand(t *testing.T) {
	spec := &AgentSpec{
		Name:       "analysis",
		Entrypoint: Entrypoint{Command: "python main.py"},
	}

	got := JobCommand(spec, nil)
	want := "cd 'analysis' && python main.py"
	if got != want {
		t.Errorf("JobCommand() = %q, want %q", got, want)
	}
}

func TestJobCommandWithEnvAndTuple(t *testing.T) {
	spec := &AgentSpec{
		Name:       "analysis",
		Entrypoint: Entrypoint{Command: "python main.py", SrcDir: "src"},
		Env:        map[string]string{"B_VAR": "two", "A_VAR": "one"},
	}
	tuple := []DimValue{{Dim: "dimension1", Value: "A"}, {Dim: "dimension2", Value: "X"}}

	got := JobCommand(spec, tuple)
	want := "export A_VAR='one' B_VAR='two' dimension1='A' dimension2='X' && cd 'analysis/src' && python main.py"
	if got != want {
		t.Errorf("JobCommand() = %q, want %q", got, want)
	}
}

func TestJobCommandIsPure(t *testing.T) {
	spec := &AgentSpec{
		Name:       "analysis",
		Entrypoint: Entrypoint{Command: "make run"},
		Env:        map[string]string{"K": "v"},
	}
	tuple := []DimValue{{Dim: "d", Value: "1"}}

	first := JobCommand(spec, tuple)
	for i := 0; i < 10; i++ {
		if got := JobCommand(spec, tuple); got != first {
			t.Fatalf("JobCommand() not deterministic: %q vs %q", got, first)
		}
	}
}

func TestJobCommandQuoting(t *testing.T) {
	spec := &AgentSpec{
		Name:       "job",
		Entrypoint: Entrypoint{Command: "run"},
	}
	tuple := []DimValue{{Dim: "MSG", Value: "it's here"}}

	got := JobCommand(spec, tuple)
	want := `export MSG='it'\''s here' && cd 'job' && run`
	if got != want {
		t.Errorf("JobCommand() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	valid := AgentSpec{
		Name:       "demo",
		Infra:      Infra{Type: InfraEC2},
		Entrypoint: Entrypoint{Command: "run"},
	}

	cases := []struct {
		name    string
		mutate  func(*AgentSpec)
		wantErr bool
	}{
		{"valid ec2", func(s *AgentSpec) {}, false},
		{"missing name", func(s *AgentSpec) { s.Name = "" }, true},
		{"missing infra type", func(s *AgentSpec) { s.Infra.Type = "" }, true},
		{"unknown infra type", func(s *AgentSpec) { s.Infra.Type = "gcp" }, true},
		{"missing command", func(s *AgentSpec) { s.Entrypoint.Command = "" }, true},
		{"docker without image", func(s *AgentSpec) { s.Infra.Type = InfraDocker }, true},
		{"docker with image", func(s *AgentSpec) {
			s.Infra.Type = InfraDocker
			s.Image = &ImageSpec{Definition: "FROM scratch"}
		}, false},
		{"negative concurrency", func(s *AgentSpec) { s.Matrix.MaxConcurrency = -1 }, true},
		{"empty dimension", func(s *AgentSpec) { s.Matrix.Dims = map[string][]string{"d": {}} }, true},
	}
	for _, c := range cases {
		spec := valid
		c.mutate(&spec)
		err := spec.Validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestTeardownReport(t *testing.T) {
	var r TeardownReport
	r.Add("instance", "i-123", TeardownDeleted, nil)
	r.Add("security_group", "sg-456", TeardownAbsent, nil)
	r.Add("key_pair", "demo", TeardownFailed, errors.New("boom"))

	if len(r.Items) != 3 {
		t.Fatalf("len(Items) = %d, want 3", len(r.Items))
	}
	failed := r.Failed()
	if len(failed) != 1 {
		t.Fatalf("len(Failed()) = %d, want 1", len(failed))
	}
	if failed[0].Resource != "key_pair" {
		t.Errorf("failed resource = %q, want %q", failed[0].Resource, "key_pair")
	}
	if failed[0].Error == "" {
		t.Error("failed item has empty error")
	}
}
