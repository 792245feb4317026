package cloud

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Provider error codes grouped by how the caller should react to them.
var (
	notFoundCodes = []string{
		"InvalidInstanceID.NotFound",
		"InvalidGroup.NotFound",
		"InvalidKeyPair.NotFound",
		"InvalidPermission.NotFound",
	}
	duplicateCodes = []string{
		"InvalidPermission.Duplicate",
		"InvalidGroup.Duplicate",
		"InvalidKeyPair.Duplicate",
	}
	throttleCodes = []string{
		"RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
	}
	authCodes = []string{
		"UnauthorizedOperation",
		"AuthFailure",
	}
	quotaCodes = []string{
		"InstanceLimitExceeded",
		"VcpuLimitExceeded",
	}
)

// ErrorCode extracts the provider's error code, or "" for non-provider errors.
func ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err means the resource does not exist. Teardown
// treats this as "already absent", never as failure.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return hasCode(err, notFoundCodes)
}

// IsDuplicate reports whether err means the resource or rule already exists.
func IsDuplicate(err error) bool {
	return hasCode(err, duplicateCodes)
}

// IsDependencyViolation reports whether err means a resource is still
// attached to another, such as a security group whose instance has not
// finished detaching.
func IsDependencyViolation(err error) bool {
	return hasCode(err, []string{"DependencyViolation"})
}

// IsThrottle reports whether err is transient provider throttling, which is
// retryable within a bounded budget.
func IsThrottle(err error) bool {
	return hasCode(err, throttleCodes)
}

// IsAuthFailure reports whether err is an authentication or authorization
// failure, which is fatal.
func IsAuthFailure(err error) bool {
	return hasCode(err, authCodes)
}

// IsQuotaExceeded reports whether err means an account limit was hit, which
// is fatal.
func IsQuotaExceeded(err error) bool {
	return hasCode(err, quotaCodes)
}

func hasCode(err error, codes []string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}
