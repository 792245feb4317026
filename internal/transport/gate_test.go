package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"
)

// nilSession satisfies Session for gate tests that only care about dialing.
type nilSession struct{}

func (nilSession) Run(context.Context, string, LineWriter) (int, error) { return 0, nil }
func (nilSession) Upload(context.Context, string, string) error         { return nil }
func (nilSession) Download(context.Context, string, string) error       { return nil }
func (nilSession) ReadFile(context.Context, string) ([]byte, error)     { return nil, nil }
func (nilSession) WriteFile(context.Context, string, []byte) error      { return nil }
func (nilSession) Glob(context.Context, string) ([]string, error)       { return nil, nil }
func (nilSession) Close() error                                         { return nil }

func testGate(dial Dialer) *Gate {
	return &Gate{
		logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		dial:       dial,
		MaxRetries: 4,
		RetryDelay: time.Millisecond,
	}
}

func TestConnectFirstTry(t *testing.T) {
	calls := 0
	g := testGate(func(context.Context, string, Credentials) (Session, error) {
		calls++
		return nilSession{}, nil
	})

	sess, err := g.Connect(context.Background(), "10.0.0.1:22", Credentials{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess == nil {
		t.Fatal("nil session")
	}
	if calls != 1 {
		t.Errorf("dial calls = %d, want 1", calls)
	}
}

func TestConnectRetriesRefusedThenSucceeds(t *testing.T) {
	calls := 0
	g := testGate(func(context.Context, string, Credentials) (Session, error) {
		calls++
		if calls < 3 {
			return nil, syscall.ECONNREFUSED
		}
		return nilSession{}, nil
	})

	if _, err := g.Connect(context.Background(), "10.0.0.1:22", Credentials{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls != 3 {
		t.Errorf("dial calls = %d, want 3", calls)
	}
}

func TestConnectExhaustsBudget(t *testing.T) {
	calls := 0
	g := testGate(func(context.Context, string, Credentials) (Session, error) {
		calls++
		return nil, syscall.ECONNREFUSED
	})

	_, err := g.Connect(context.Background(), "10.0.0.1:22", Credentials{})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if calls != g.MaxRetries {
		t.Errorf("dial calls = %d, want %d", calls, g.MaxRetries)
	}
}

func TestConnectFatalFailsImmediately(t *testing.T) {
	calls := 0
	g := testGate(func(context.Context, string, Credentials) (Session, error) {
		calls++
		return nil, syscall.EHOSTUNREACH
	})

	_, err := g.Connect(context.Background(), "10.0.0.1:22", Credentials{})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if calls != 1 {
		t.Errorf("dial calls = %d, want 1 (no retry on fatal)", calls)
	}
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := testGate(func(context.Context, string, Credentials) (Session, error) {
		cancel()
		return nil, syscall.ECONNREFUSED
	})
	g.RetryDelay = time.Minute

	start := time.Now()
	_, err := g.Connect(ctx, "10.0.0.1:22", Credentials{})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Connect kept waiting out the retry delay after cancellation")
	}
}
