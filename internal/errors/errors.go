package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context.
// It is also returned when no usable credential source is configured.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  " + e.Suggestion
	}

	return msg
}

// APIError is a non-2xx response from the control plane or an AI endpoint.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s returned HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// NotFound reports whether the response was a 404.
func (e *APIError) NotFound() bool { return e.StatusCode == 404 }

// Conflict reports whether the response was a 409.
func (e *APIError) Conflict() bool { return e.StatusCode == 409 }

// AuthExpiredError is a 401/403 that does not look like a real access-control
// denial. The control-plane client refreshes its token and retries once.
type AuthExpiredError struct {
	StatusCode int
	Body       string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication expired (HTTP %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// PermissionDeniedError is an explicit authorization denial. Never retried.
type PermissionDeniedError struct {
	StatusCode int
	Body       string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied (HTTP %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// RateLimitedError is an HTTP 429. HasRetryAfter is set when the server sent
// a Retry-After hint, which may be zero.
type RateLimitedError struct {
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          string
}

// Hinted reports whether the server said how long to wait.
func (e *RateLimitedError) Hinted() bool {
	return e.HasRetryAfter || e.RetryAfter > 0
}

func (e *RateLimitedError) Error() string {
	if e.Hinted() {
		return fmt.Sprintf("rate limited (HTTP 429, retry after %s): %s", e.RetryAfter, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("rate limited (HTTP 429): %s", strings.TrimSpace(e.Body))
}

// ProvisioningFailedError carries the terminal error of a long-running operation.
type ProvisioningFailedError struct {
	Operation string
	Code      string
	Message   string
}

func (e *ProvisioningFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provisioning operation %s failed: %s: %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("provisioning operation %s failed: %s", e.Operation, e.Message)
}

var (
	// ErrProvisioningTimeout means the operation did not reach a terminal
	// state within the poll budget. It may still complete server-side.
	ErrProvisioningTimeout = errors.New("provisioning did not complete within the poll timeout")

	// ErrEndpointNotReady means the database endpoint exists but has no
	// routable host yet.
	ErrEndpointNotReady = errors.New("database endpoint has no host yet")

	// ErrMalformedResponse means an AI response could not be parsed or repaired.
	ErrMalformedResponse = errors.New("AI response could not be parsed")
)

// IsPermissionDenied reports whether err is an explicit authorization denial.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

// SimplifyError maps typed failures to messages suitable for end users.
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var ue UserError
	if errors.As(err, &ue) {
		return err
	}
	var ce ConfigError
	if errors.As(err, &ce) {
		return err
	}

	var pd *PermissionDeniedError
	var rl *RateLimitedError
	var pf *ProvisioningFailedError
	switch {
	case errors.As(err, &pd):
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check that the identity in use has access to the workspace resource",
			Err:        err,
		}
	case errors.As(err, &rl):
		return UserError{
			Message:    "The service is throttling requests",
			Suggestion: "Wait a moment and try again",
			Err:        err,
		}
	case errors.As(err, &pf):
		return UserError{
			Message:    "Database provisioning failed",
			Details:    pf.Message,
			Suggestion: "Inspect the project in the workspace UI; retrying without changes is unlikely to help",
			Err:        err,
		}
	case errors.Is(err, ErrProvisioningTimeout):
		return UserError{
			Message:    "Database provisioning is still in progress",
			Suggestion: "Try again in a few minutes",
			Err:        err,
		}
	case errors.Is(err, ErrEndpointNotReady):
		return UserError{
			Message:    "Database endpoint is still starting",
			Suggestion: "Try again shortly",
			Err:        err,
		}
	case errors.Is(err, ErrMalformedResponse):
		return UserError{
			Message:    "AI analysis failed: the model returned an unreadable response",
			Suggestion: "Run the analysis again; if it keeps failing, shorten the query",
			Err:        err,
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return UserError{
			Message:    "Unable to connect",
			Suggestion: "Check DATABRICKS_HOST and your network",
			Err:        err,
		}
	}

	return err
}
