// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across protocol layers.
var (
	// ErrInvalidURL indicates a capability fragment whose key blob cannot be decoded.
	ErrInvalidURL = errors.New("invalid room url")

	// ErrNoRoom indicates a fragment that carries no room at all (no '@').
	ErrNoRoom = errors.New("no room in url")

	// ErrDecryption indicates a payload that cannot be opened with the room keys.
	ErrDecryption = errors.New("decryption failed")

	// ErrMalformedPayload indicates a payload that fails required-field validation.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrStoreUninitialized indicates an operation attempted before the store is ready.
	ErrStoreUninitialized = errors.New("store not initialized")

	// ErrSend indicates an encryption or write failure while sending.
	ErrSend = errors.New("send failed")
)
