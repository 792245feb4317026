package engine_test

import (
	"strings"
	"testing"

	"github.com/runprism/alto/internal/engine"
	"github.com/runprism/alto/internal/model"
)

func TestExpandMatrixCartesianProduct(t *testing.T) {
	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "python main.py"},
		Matrix: model.Matrix{Dims: map[string][]string{
			"alpha": {"1", "2", "3"},
			"beta":  {"x", "y"},
		}},
	}

	jobs := engine.ExpandMatrix(spec)
	if len(jobs) != 6 {
		t.Fatalf("jobs = %d, want 6", len(jobs))
	}

	seen := map[string]bool{}
	for _, job := range jobs {
		if len(job.Tuple) != 2 {
			t.Fatalf("tuple = %v, want 2 bindings", job.Tuple)
		}
		// Sorted dimension order: alpha before beta.
		if job.Tuple[0].Dim != "alpha" || job.Tuple[1].Dim != "beta" {
			t.Errorf("tuple order = %v, want alpha then beta", job.Tuple)
		}
		if seen[job.Slug()] {
			t.Errorf("duplicate tuple %v", job.Tuple)
		}
		seen[job.Slug()] = true
		if job.Status != model.JobQueued {
			t.Errorf("status = %q, want queued", job.Status)
		}
		if job.ID == "" {
			t.Error("job has no id")
		}
	}
}

func TestExpandMatrixEmptyYieldsOneJob(t *testing.T) {
	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "run"},
	}

	jobs := engine.ExpandMatrix(spec)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1 implicit job", len(jobs))
	}
	if len(jobs[0].Tuple) != 0 {
		t.Errorf("tuple = %v, want empty", jobs[0].Tuple)
	}
	if jobs[0].Slug() != "default" {
		t.Errorf("slug = %q, want default", jobs[0].Slug())
	}
}

func TestExpandMatrixIsDeterministic(t *testing.T) {
	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "run"},
		Matrix: model.Matrix{Dims: map[string][]string{
			"z": {"1", "2"},
			"a": {"p", "q"},
		}},
	}

	first := engine.ExpandMatrix(spec)
	second := engine.ExpandMatrix(spec)
	for i := range first {
		if first[i].Slug() != second[i].Slug() {
			t.Fatalf("expansion order differs at %d: %q vs %q", i, first[i].Slug(), second[i].Slug())
		}
	}
}

func TestExpandMatrixDerivesCommands(t *testing.T) {
	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "python main.py"},
		Matrix:     model.Matrix{Dims: map[string][]string{"lr": {"0.1"}}},
	}

	jobs := engine.ExpandMatrix(spec)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	cmd := jobs[0].Command
	if !strings.Contains(cmd, "lr='0.1'") {
		t.Errorf("command missing tuple export: %q", cmd)
	}
	if !strings.Contains(cmd, "python main.py") {
		t.Errorf("command missing entrypoint: %q", cmd)
	}
}
