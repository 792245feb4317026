package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runprism/alto/internal/backend"
	"github.com/runprism/alto/internal/envsync"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

// fakeSession records remote operations in memory.
type fakeSession struct {
	files    map[string][]byte
	runCalls []string
	exit     int
	lines    []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{files: make(map[string][]byte)}
}

func (f *fakeSession) Run(_ context.Context, command string, out transport.LineWriter) (int, error) {
	f.runCalls = append(f.runCalls, command)
	for _, line := range f.lines {
		out(line)
	}
	return f.exit, nil
}

func (f *fakeSession) Upload(_ context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return err
		}
		f.files[remotePath] = data
		return nil
	}
	return filepath.WalkDir(localPath, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(localPath, p)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f.files[remotePath+"/"+filepath.ToSlash(rel)] = data
		return nil
	})
}

func (f *fakeSession) Download(_ context.Context, remotePath, localPath string) error {
	data, ok := f.files[remotePath]
	if !ok {
		return fmt.Errorf("remote file %s not found", remotePath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (f *fakeSession) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("remote file %s not found", path)
	}
	return data, nil
}

func (f *fakeSession) WriteFile(_ context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeSession) Glob(_ context.Context, pattern string) ([]string, error) {
	var matches []string
	for p := range f.files {
		if ok, _ := filepath.Match(pattern, p); ok {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (f *fakeSession) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testBackend() *Backend {
	logger := testLogger()
	return New(nil, nil, envsync.New(logger), logger)
}

func TestPrepareUploadsProject(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := newFakeSession()
	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "python main.py"},
		ProjectDir: dir,
	}

	b := testBackend()
	target := backend.Target{Resource: &model.ComputeResource{Name: "demo"}, Session: sess}
	if err := b.Prepare(context.Background(), target, spec); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, ok := sess.files["demo/main.py"]; !ok {
		t.Errorf("project file not uploaded; have %v", keys(sess.files))
	}
}

func TestExecuteActivatesEnvironment(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(manifest, []byte("requests\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := newFakeSession()
	spec := &model.AgentSpec{
		Name:         "demo",
		Infra:        model.Infra{Type: model.InfraEC2},
		Entrypoint:   model.Entrypoint{Command: "python main.py"},
		Requirements: manifest,
	}
	job := &model.MatrixJob{ID: model.NewID(), Command: model.JobCommand(spec, nil), Status: model.JobQueued}

	b := testBackend()
	target := backend.Target{Resource: &model.ComputeResource{Name: "demo"}, Session: sess}
	if _, err := b.Execute(context.Background(), target, spec, job, func(string) {}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(sess.runCalls) != 1 {
		t.Fatalf("run calls = %d, want 1", len(sess.runCalls))
	}
	if !strings.HasPrefix(sess.runCalls[0], ". '.alto-env/demo/venv/bin/activate' && ") {
		t.Errorf("command does not activate the environment: %q", sess.runCalls[0])
	}
	if !strings.Contains(sess.runCalls[0], "python main.py") {
		t.Errorf("command lost the entrypoint: %q", sess.runCalls[0])
	}
}

func TestExecutePropagatesExitCode(t *testing.T) {
	sess := newFakeSession()
	sess.exit = 2
	spec := &model.AgentSpec{Name: "demo", Infra: model.Infra{Type: model.InfraEC2}, Entrypoint: model.Entrypoint{Command: "run"}}
	job := &model.MatrixJob{ID: model.NewID(), Command: model.JobCommand(spec, nil), Status: model.JobQueued}

	b := testBackend()
	target := backend.Target{Resource: &model.ComputeResource{Name: "demo"}, Session: sess}
	exit, err := b.Execute(context.Background(), target, spec, job, func(string) {})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exit != 2 {
		t.Errorf("exit = %d, want 2", exit)
	}
}

func TestCollectDownloadsArtifacts(t *testing.T) {
	sess := newFakeSession()
	sess.files["demo/results.csv"] = []byte("a,b\n")
	sess.files["demo/ignore.log"] = []byte("noise\n")

	spec := &model.AgentSpec{
		Name:       "demo",
		Infra:      model.Infra{Type: model.InfraEC2},
		Entrypoint: model.Entrypoint{Command: "run"},
		Artifacts:  []string{"*.csv"},
	}
	job := &model.MatrixJob{ID: model.NewID(), Status: model.JobSucceeded}

	dest := t.TempDir()
	b := testBackend()
	target := backend.Target{Resource: &model.ComputeResource{Name: "demo"}, Session: sess}
	paths, err := b.Collect(context.Background(), target, spec, job, dest)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("collected %d artifacts, want 1: %v", len(paths), paths)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "a,b\n" {
		t.Errorf("artifact content = %q", data)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
