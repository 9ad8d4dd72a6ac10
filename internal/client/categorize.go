package client

import (
	"context"
	"errors"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout          ErrorCategory = "timeout"
	ErrorCategoryCanceled         ErrorCategory = "canceled"
	ErrorCategoryNetwork          ErrorCategory = "network"
	ErrorCategoryUnauthorized     ErrorCategory = "unauthorized"
	ErrorCategoryLocationNotFound ErrorCategory = "location_not_found"
	ErrorCategoryRateLimited      ErrorCategory = "rate_limited"
	ErrorCategoryUpstream         ErrorCategory = "upstream"
	ErrorCategoryDecode           ErrorCategory = "decode"
	ErrorCategoryUnknown          ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
// Order matters: a transport error wrapping context.Canceled is reported as canceled.
func CategorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrUnauthorized):
		return ErrorCategoryUnauthorized
	case errors.Is(err, ErrLocationNotFound):
		return ErrorCategoryLocationNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstream):
		return ErrorCategoryUpstream
	case errors.Is(err, ErrDecode):
		return ErrorCategoryDecode
	case errors.Is(err, ErrNetwork):
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}

// IsFetchFailure reports whether err is one of the client's fetch failure kinds.
func IsFetchFailure(err error) bool {
	for _, target := range []error{ErrNetwork, ErrTimeout, ErrDecode, ErrLocationNotFound, ErrUnauthorized, ErrRateLimited, ErrUpstream} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
