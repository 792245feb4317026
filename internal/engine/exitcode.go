package engine

import (
	"errors"

	"github.com/runprism/alto/internal/model"
	"github.com/runprism/alto/internal/transport"
)

// Process exit codes. They distinguish infrastructure failures from job
// failures so callers can script against the binary.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitJobsFailed  = 2
	ExitUnreachable = 8
)

// ExitCode maps a run outcome to the process exit code. An infrastructure
// error dominates job results; an unreachable target gets its own code so
// callers can tell "could not talk to the machine" from everything else.
func ExitCode(results []model.DeploymentResult, err error) int {
	if err != nil {
		if errors.Is(err, transport.ErrUnreachable) {
			return ExitUnreachable
		}
		return ExitFatal
	}
	for _, r := range results {
		if r.Status == model.JobFailed {
			return ExitJobsFailed
		}
	}
	return ExitOK
}
