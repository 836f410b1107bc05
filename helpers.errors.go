package main

import (
	"errors"
	"net/http"
)

// Credential verification failures.
var (
	ErrMissingCredential   = errors.New("credential missing")
	ErrMalformedCredential = errors.New("credential malformed")
	ErrExpiredCredential   = errors.New("credential expired")
	ErrInvalidCredential   = errors.New("credential invalid")
)

// Image ingestion failures.
var (
	ErrUnsupportedMediaType  = errors.New("unsupported media type")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrImageProcessingFailed = errors.New("image processing failed")
)

// Domain failures.
var (
	ErrBookNotFound   = errors.New("book not found")
	ErrForbidden      = errors.New("operation not allowed for this user")
	ErrInvalidGrade   = errors.New("grade must be an integer between 1 and 5")
	ErrAlreadyRated   = errors.New("book already rated by this user")
	ErrInvalidPayload = errors.New("invalid payload")
)

// ErrStorageUnavailable reports an infrastructure failure (database or filesystem).
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrorStatusCode maps a service error to the http status code sent to clients.
// Unknown errors are reported as internal server failures.
func ErrorStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingCredential),
		errors.Is(err, ErrMalformedCredential),
		errors.Is(err, ErrExpiredCredential),
		errors.Is(err, ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRated):
		return http.StatusConflict
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidGrade),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrImageProcessingFailed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError tells whether the error is caused by the request content.
func IsClientError(err error) bool {
	code := ErrorStatusCode(err)
	return code >= 400 && code < 500
}
