package domain

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed request payloads.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCatalog is returned when the rule catalog fails validation.
	ErrInvalidCatalog = errors.New("invalid rule catalog")

	// ErrInvalidWaiver is returned when a waiver expression does not compile.
	ErrInvalidWaiver = errors.New("invalid waiver")
)

// ErrQuotaExceeded is returned when a tenant exceeds its analysis quota.
var ErrQuotaExceeded = errors.New("analysis quota exceeded")

// ErrInvalidConfig is returned when configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")
