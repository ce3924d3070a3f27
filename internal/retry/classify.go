package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Context names the kind of outbound call being retried.
type Context string

const (
	SMS      Context = "sms"
	Push     Context = "push"
	HTTP     Context = "http"
	Database Context = "database"
)

var transientPatterns = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"deadline exceeded",
	"network",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"etimedout",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

// statusCodes matches a throttling or outage status as a standalone number,
// not as part of a carrier error code or phone number.
var statusCodes = regexp.MustCompile(`(^|[^0-9+])(429|502|503|504)([^0-9]|$)`)

// StatusError carries the HTTP status of a failed call. When present the
// status decides retryability and the text is not inspected.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

var patternsByContext = map[Context][]string{
	SMS:  transientPatterns,
	HTTP: transientPatterns,
	Push: append([]string{
		"unavailable",
		"internal error",
		"quota exceeded",
		"device message rate exceeded",
	}, transientPatterns...),
	Database: append([]string{
		"could not serialize access",
		"deadlock detected",
		"too many connections",
		"connection pool",
		"the database system is starting up",
		"40001",
		"40p01",
		"57p03",
	}, transientPatterns...),
}

// IsRetryable reports whether a failure in rc looks transient. For push the
// structured failure reason is matched as well as the error text.
func IsRetryable(rc Context, err error, failureReason string) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	patterns, ok := patternsByContext[rc]
	if !ok {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if err != nil && matches(strings.ToLower(err.Error()), patterns) {
		return true
	}
	if rc == Push && failureReason != "" {
		return matches(strings.ToLower(failureReason), patterns)
	}
	return false
}

func matches(msg string, patterns []string) bool {
	if statusCodes.MatchString(msg) {
		return true
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
