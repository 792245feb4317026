package provision

import (
	"errors"
	"fmt"

	"github.com/runprism/alto/internal/cloud"
)

// Sentinel errors for create failures. ErrProvisionTimeout is never retried
// internally; whether to retry or tear down is the caller's decision.
var (
	ErrQuotaExceeded       = errors.New("provider quota exceeded")
	ErrInvalidSpec         = errors.New("invalid spec")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProvisionTimeout    = errors.New("provision timed out")
)

// classifyProviderErr maps a provider failure onto the sentinel that tells
// the caller how to react. Throttling is left unwrapped: it is retryable at
// the call site, not a terminal classification.
func classifyProviderErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case cloud.IsQuotaExceeded(err):
		return fmt.Errorf("%s: %w: %w", op, ErrQuotaExceeded, err)
	case cloud.IsAuthFailure(err):
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidSpec, err)
	case cloud.IsThrottle(err):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, ErrInvalidSpec):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
	}
}

func joinErrs(errs []error) error {
	return errors.Join(errs...)
}
