package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a pipeline failure for callers and for retry decisions.
type ErrorCode string

const (
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthError         ErrorCode = "AUTH_ERROR"
	CodeAPITimeout        ErrorCode = "API_TIMEOUT"
	CodeServerError       ErrorCode = "SERVER_ERROR"
	CodeInvalidImage      ErrorCode = "INVALID_IMAGE"
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeUnknownError      ErrorCode = "UNKNOWN_ERROR"
)

// userMessages maps codes to short human-readable strings so presentation
// layers never need to interpret codes themselves.
var userMessages = map[ErrorCode]string{
	CodeNetworkError:      "Network problem while contacting the analysis service. Please check your connection and try again.",
	CodeRateLimit:         "The analysis service is busy right now. Please try again in a minute.",
	CodeAuthError:         "The analysis service rejected our credentials. Please contact support.",
	CodeAPITimeout:        "The analysis took too long to respond. Please try again.",
	CodeServerError:       "The analysis service had a problem. Please try again later.",
	CodeInvalidImage:      "We couldn't read that photo. Please pick a clear, well-lit photo and try again.",
	CodeMalformedResponse: "The analysis came back incomplete. Please try again.",
	CodeCancelled:         "The analysis was cancelled.",
	CodeUnknownError:      "Something went wrong. Please try again.",
}

// APIError is the classified error surfaced by the analysis pipeline.
type APIError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
	UserMessage string    `json:"userMessage"`
	Err         error     `json:"-"`
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError builds a classified error with the standard user message for code.
func NewAPIError(code ErrorCode, message string, retryable bool) *APIError {
	return &APIError{
		Code:        code,
		Message:     message,
		Retryable:   retryable,
		UserMessage: userMessages[code],
	}
}

// WrapError builds a classified error wrapping an underlying cause.
func WrapError(code ErrorCode, message string, retryable bool, err error) *APIError {
	e := NewAPIError(code, message, retryable)
	e.Err = err
	return e
}

// ClassifyStatus maps an HTTP status code from the vision API to an error code.
func ClassifyStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthError
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeAPITimeout
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnknownError
	}
}

// StatusRetryable reports whether an HTTP status from the vision API is
// worth retrying. Everything outside 429/503/5xx is terminal.
func StatusRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status >= 500
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// AsAPIError extracts the classified error from err's chain. The second
// return value reports whether a classification was found.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
