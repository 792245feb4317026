package transport

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

// timeoutErr implements net.Error's timeout reporting.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"connection refused", syscall.ECONNREFUSED, ClassRetryable},
		{"connection reset", syscall.ECONNRESET, ClassRetryable},
		{"wrapped refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), ClassRetryable},
		{"host unreachable", syscall.EHOSTUNREACH, ClassFatal},
		{"network unreachable", syscall.ENETUNREACH, ClassFatal},
		{"dial timeout", timeoutErr{}, ClassFatal},
		{"wrapped timeout", fmt.Errorf("dial tcp: %w", timeoutErr{}), ClassFatal},
		{"auth rejection", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), ClassFatal},
		{"unknown failure", errors.New("something else"), ClassRetryable},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: class = %v, want %v", tc.name, got, tc.want)
		}
	}
}
