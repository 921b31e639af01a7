package adapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind partitions remote failures into the retry classes the dispatcher
// acts on.
type ErrorKind string

const (
	KindCancelled         ErrorKind = "cancelled"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindRateLimited       ErrorKind = "rate_limited"
	KindCredentialExpired ErrorKind = "credential_expired"
	KindServerError       ErrorKind = "server_error"
	KindClientError       ErrorKind = "client_error"
)

// Platform error codes. The classification below depends on these exact
// codes being stable on the remote service.
const (
	CodePermissionDenied  = 10
	CodeRateLimitApp      = 4
	CodeRateLimitAccount  = 17
	CodeCredentialExpired = 190
)

// APIError is a normalized remote platform error.
type APIError struct {
	Kind       ErrorKind
	Code       int
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ad platform error (%s, code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("ad platform error (%s, http %d): %s", e.Kind, e.HTTPStatus, e.Message)
}

// Retryable reports whether the dispatcher may retry this failure.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindServerError
}

// classifyCode maps a platform error code and HTTP status to a kind.
func classifyCode(httpStatus, code int) ErrorKind {
	switch code {
	case CodeCredentialExpired:
		return KindCredentialExpired
	case CodePermissionDenied:
		return KindPermissionDenied
	case CodeRateLimitApp, CodeRateLimitAccount:
		return KindRateLimited
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return KindRateLimited
	case httpStatus == http.StatusForbidden || httpStatus == http.StatusUnauthorized:
		return KindPermissionDenied
	case httpStatus >= 500:
		return KindServerError
	case httpStatus >= 400:
		return KindClientError
	}
	return KindServerError
}

// KindOf extracts the error kind from any error returned by the client.
// Context cancellation wins over everything; unrecognized transport errors
// are treated as server errors so they stay retryable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindServerError
}
