package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/runprism/alto/internal/engine"
	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

func TestExitCodeMapping(t *testing.T) {
	ok := []model.DeploymentResult{{Status: model.JobSucceeded}}
	mixed := []model.DeploymentResult{{Status: model.JobSucceeded}, {Status: model.JobFailed}}
	cancelled := []model.DeploymentResult{{Status: model.JobSucceeded}, {Status: model.JobCancelled}}

	cases := []struct {
		name    string
		results []model.DeploymentResult
		err     error
		want    int
	}{
		{"all succeeded", ok, nil, engine.ExitOK},
		{"job failed", mixed, nil, engine.ExitJobsFailed},
		{"cancelled only is not a failure", cancelled, nil, engine.ExitOK},
		{"fatal error", ok, errors.New("provision exploded"), engine.ExitFatal},
		{"unreachable target", nil, fmt.Errorf("connect: %w", transport.ErrUnreachable), engine.ExitUnreachable},
		{"wrapped unreachable", nil, &engine.FatalError{Stage: engine.StageConnect, Err: transport.ErrUnreachable}, engine.ExitUnreachable},
	}
	for _, tc := range cases {
		if got := engine.ExitCode(tc.results, tc.err); got != tc.want {
			t.Errorf("%s: exit = %d, want %d", tc.name, got, tc.want)
		}
	}
}
