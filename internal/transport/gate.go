package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Retry defaults for connection establishment. A freshly provisioned target
// typically refuses connections for a short window while sshd starts.
const (
	defaultConnectRetries = 8
	defaultConnectDelay   = 5 * time.Second
)

// ErrUnreachable marks a target classified as unreachable, either
// immediately or after the retry budget was exhausted. Callers surface it
// as a distinct exit code.
var ErrUnreachable = errors.New("compute target unreachable")

// Dialer opens one session to a target. Swapped for a fake in tests.
type Dialer func(ctx context.Context, addr string, creds Credentials) (Session, error)

// Gate establishes a usable session to a compute target with bounded,
// classified retry. It blocks only the calling goroutine.
type Gate struct {
	logger *slog.Logger
	dial   Dialer

	// MaxRetries and RetryDelay bound the retry loop for retryable failures.
	MaxRetries int
	RetryDelay time.Duration
}

// NewGate creates a gate that dials SSH sessions.
func NewGate(logger *slog.Logger) *Gate {
	return &Gate{
		logger:     logger,
		dial:       DialSSH,
		MaxRetries: defaultConnectRetries,
		RetryDelay: defaultConnectDelay,
	}
}

// Connect dials until a session is established, a fatal failure is
// classified, or the attempt budget runs out. Fatal classification fails
// immediately without retry; budget exhaustion escalates the last retryable
// failure to unreachable.
func (g *Gate) Connect(ctx context.Context, addr string, creds Credentials) (Session, error) {
	var lastErr error

	for attempt := range g.MaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
		default:
		}

		sess, err := g.dial(ctx, addr, creds)
		if err == nil {
			connectAttempts.WithLabelValues(resultConnected).Inc()
			if attempt > 0 {
				g.logger.Info("connected after retry", "addr", addr, "attempts", attempt+1)
			}
			return sess, nil
		}

		if Classify(err) == ClassFatal {
			connectAttempts.WithLabelValues(resultFatal).Inc()
			return nil, fmt.Errorf("connect %s: %w: %w", addr, ErrUnreachable, err)
		}

		connectAttempts.WithLabelValues(resultRetried).Inc()
		lastErr = err
		g.logger.Warn("connect failed, retrying", "addr", addr, "attempt", attempt+1, "error", err)

		if attempt < g.MaxRetries-1 {
			select {
			case <-time.After(g.RetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("connect %s after %d attempts: %w: %w", addr, g.MaxRetries, ErrUnreachable, lastErr)
}
