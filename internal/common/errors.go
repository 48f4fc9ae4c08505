// Package common defines shared constants and sentinel errors used across
// the token subsystem. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Decode errors: the presented bearer string could not be parsed.
	ErrTokenMalformed = errors.New("token malformed")
	ErrBadSignature   = errors.New("token signature mismatch")

	// Validation errors: the token parsed but is not usable.
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	ErrTokenUnknown = errors.New("token unknown")

	// Rotation errors.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	ErrAlreadyRotated      = errors.New("refresh token already rotated")

	// Storage errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageConflict    = errors.New("storage conflict")

	// Identity errors.
	ErrUserInactive = errors.New("user inactive")
)
