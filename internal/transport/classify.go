package transport

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the retry classification of a connection failure.
type Class int

const (
	// ClassRetryable covers failures expected while the target boots, such
	// as connection refused before sshd is up. Retried on a fixed delay.
	ClassRetryable Class = iota

	// ClassFatal covers failures that indicate the target cannot be reached
	// at all. Retrying these only burns provisioning cost.
	ClassFatal
)

// Classify sorts a dial failure into retryable or fatal. Host or network
// unreachability and dial timeouts are structural and fail immediately;
// refused and reset connections are transient while the target comes up.
// Authentication rejections are fatal since retrying cannot fix credentials.
func Classify(err error) Class {
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ClassFatal
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassFatal
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassRetryable
	}
	// The ssh package reports handshake auth failures only as text.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return ClassFatal
	}
	return ClassRetryable
}
