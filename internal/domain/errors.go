package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized access")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrConflict          = errors.New("resource was modified concurrently")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal server error")
)

// Cryptographic failures. ErrDecryptionFailure keeps the user-facing wording
// clients already match on.
var (
	ErrEncryptionFailure = errors.New("failed to encrypt message")
	ErrDecryptionFailure = errors.New("failed to decrypt message")
)
