package engine

import "fmt"

// Lifecycle stages, used to report where an infrastructure failure occurred.
const (
	StageValidate  = "validate"
	StageProvision = "provision"
	StageConnect   = "connect"
	StagePrepare   = "prepare"
	StageTeardown  = "teardown"
)

// FatalError is an infrastructure failure: the run cannot proceed, as
// opposed to an individual job failing. It wraps the underlying cause.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
