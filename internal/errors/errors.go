package errors

import "errors"

// Wrapper lifecycle errors.
var (
	ErrNotInitialized     = errors.New("config wrapper not initialized")
	ErrAlreadyInitialized = errors.New("config wrapper already initialized")
	ErrNotAdmin           = errors.New("group admin key required")
)

// Crypto errors. ErrMissingKey means the ciphertext may become readable
// once more key material arrives; ErrDecrypt means it never will.
var (
	ErrMissingKey = errors.New("encryption key not available")
	ErrDecrypt    = errors.New("decryption failed")
)

// Sync job errors.
var (
	ErrPrecondition         = errors.New("sync precondition not met")
	ErrUnexpectedReplyCount = errors.New("unexpected batch reply count")
	ErrRetriesExhausted     = errors.New("sync retries exhausted")
)

// Storage errors.
var (
	ErrNotFound = errors.New("not found")
)
