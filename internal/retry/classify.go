package retry

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// Class is the retry category of an error.
type Class int

const (
	// Transient errors are retried with jittered exponential backoff.
	Transient Class = iota
	// RateLimited errors are retried after the server's hint, or with backoff.
	RateLimited
	// NonRetryable errors are returned immediately.
	NonRetryable
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case NonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Classification is derived from an error. RetryAfter is only meaningful
// when HasRetryAfter is set.
type Classification struct {
	Class         Class
	RetryAfter    time.Duration
	HasRetryAfter bool
}

var (
	nonRetryablePatterns = []string{
		"permission_denied",
		"permission denied",
		"not authorized",
		"insufficient privileges",
		"does not have",
		"parse_syntax_error",
		"syntax error",
		"unresolved_column",
		"unresolved_routine",
		"table_or_view_not_found",
		"schema_not_found",
		"catalog_not_found",
		"resource_does_not_exist",
		"does not exist",
		"invalid_parameter_value",
		"sqlstate: 42",
	}

	rateLimitPatterns = []string{
		"rate limit",
		"ratelimit",
		"too many requests",
		"request_limit_exceeded",
		"throttl",
	}

	statusPattern = regexp.MustCompile(`(?i)\b(?:http|status)(?: code)?[ :]*([45]\d\d)\b`)
)

// Classify decides whether and how err should be retried.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Class: NonRetryable}
	}

	// Caller gave up; retrying would ignore that.
	if errors.Is(err, transport.ErrCancelled) || errors.Is(err, context.Canceled) {
		return Classification{Class: NonRetryable}
	}
	if errors.Is(err, transport.ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Class: Transient}
	}

	var rl *dserrors.RateLimitedError
	if errors.As(err, &rl) {
		return Classification{Class: RateLimited, RetryAfter: rl.RetryAfter, HasRetryAfter: rl.Hinted()}
	}

	var (
		pd  *dserrors.PermissionDeniedError
		ae  *dserrors.AuthExpiredError
		pf  *dserrors.ProvisioningFailedError
		ce  dserrors.ConfigError
		api *dserrors.APIError
	)
	switch {
	case errors.As(err, &pd), errors.As(err, &ae), errors.As(err, &pf), errors.As(err, &ce):
		return Classification{Class: NonRetryable}
	case errors.Is(err, dserrors.ErrMalformedResponse), errors.Is(err, dserrors.ErrProvisioningTimeout):
		return Classification{Class: NonRetryable}
	case errors.Is(err, dserrors.ErrEndpointNotReady):
		return Classification{Class: Transient}
	case errors.As(err, &api):
		return classifyStatus(api.StatusCode)
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) Classification {
	switch {
	case code == 429:
		return Classification{Class: RateLimited}
	case code >= 400 && code < 500:
		return Classification{Class: NonRetryable}
	default:
		return Classification{Class: Transient}
	}
}

func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)

	for _, p := range nonRetryablePatterns {
		if strings.Contains(lower, p) {
			return Classification{Class: NonRetryable}
		}
	}

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429:
			return Classification{Class: RateLimited}
		case code < 500:
			return Classification{Class: NonRetryable}
		}
	}

	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return Classification{Class: RateLimited}
		}
	}

	return Classification{Class: Transient}
}

// ParseRetryAfter reads a Retry-After header in either delay-seconds or
// HTTP-date form. ok is false when the header is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := parseHTTPDate(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func parseHTTPDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
