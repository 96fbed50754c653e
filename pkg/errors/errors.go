package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation            Code = "validation_error"
	CodeSignatureInvalid      Code = "signature_invalid"
	CodeRateLimited           Code = "rate_limited"
	CodeIdempotencyInProgress Code = "idempotency_in_progress"
	CodePolicyMissing         Code = "policy_missing"
	CodePolicyInvalid         Code = "policy_invalid"
	CodePersistence           Code = "persistence_failed"
	CodePipeline              Code = "pipeline_failed"
	CodeTransport             Code = "transport_failed"
	CodePreflight             Code = "preflight_failed"
	CodeNotFound              Code = "not_found"
	CodeInternal              Code = "internal_error"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeSignatureInvalid: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "signature invalid",
		DetailsAllowed: false,
	},
	CodeRateLimited: {
		HTTPStatus:     http.StatusTooManyRequests,
		Retryable:      true,
		PublicMessage:  "rate limit exceeded",
		DetailsAllowed: true,
	},
	CodeIdempotencyInProgress: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      true,
		PublicMessage:  "request with this idempotency key is in progress",
		DetailsAllowed: true,
	},
	CodePolicyMissing: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "unknown form kind",
		DetailsAllowed: true,
	},
	CodePolicyInvalid: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      false,
		PublicMessage:  "form policy misconfigured",
		DetailsAllowed: false,
	},
	CodePersistence: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "temporarily unable to store request",
		DetailsAllowed: false,
	},
	CodePipeline: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      false,
		PublicMessage:  "processing failed",
		DetailsAllowed: false,
	},
	CodeTransport: {
		HTTPStatus:     http.StatusBadGateway,
		Retryable:      true,
		PublicMessage:  "outbound transport failed",
		DetailsAllowed: false,
	},
	CodePreflight: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      false,
		PublicMessage:  "outbound e-mail unavailable",
		DetailsAllowed: false,
	},
	CodeNotFound: {
		HTTPStatus:     http.StatusNotFound,
		Retryable:      false,
		PublicMessage:  "resource not found",
		DetailsAllowed: false,
	},
	CodeInternal: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "internal server error",
		DetailsAllowed: false,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

// RetryAfter carries the client back-off hint for rate_limited and
// idempotency_in_progress errors.
type RetryAfter struct {
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// WithRetryAfter attaches a Retry-After hint to the error details.
func (e *Error) WithRetryAfter(seconds int) *Error {
	if seconds < 1 {
		seconds = 1
	}
	return e.WithDetails(RetryAfter{RetryAfterSeconds: seconds})
}

// RetryAfterSeconds returns the hint attached with WithRetryAfter.
func (e *Error) RetryAfterSeconds() (int, bool) {
	if e == nil {
		return 0, false
	}
	hint, ok := e.details.(RetryAfter)
	if !ok {
		return 0, false
	}
	return hint.RetryAfterSeconds, true
}
