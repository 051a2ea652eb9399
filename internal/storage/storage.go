package storage

import "errors"

// RefreshTokenKey is the single well-known key the session manager persists.
const RefreshTokenKey = "refresh_token"

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyKey    = errors.New("empty key")
	// ErrCorrupt means a value exists but can never be read back, for
	// example after the encryption key changed.
	ErrCorrupt = errors.New("stored value is corrupt")
)
