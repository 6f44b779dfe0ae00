package domain

import "errors"

var (
	// ErrInvalidChannel is returned for a missing or malformed channel key.
	ErrInvalidChannel = errors.New("invalid channel key")
	// ErrAuthenticationRejected is returned when identity resolution fails.
	ErrAuthenticationRejected = errors.New("authentication rejected")
	// ErrDeliveryFailure marks a member whose outbound queue is full or closed.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrPersistenceUnavailable wraps any store failure.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrInvalidPayload is returned for inbound frames that fail decoding or validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Error codes carried by outbound error frames.
const (
	ErrCodeInvalidJSON     = "INVALID_JSON"
	ErrCodeInvalidPayload  = "INVALID_PAYLOAD"
	ErrCodeMessageTooLong  = "MESSAGE_TOO_LONG"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeUnsupported     = "UNSUPPORTED"
	ErrCodeInvalidChannel  = "INVALID_CHANNEL"
	ErrCodeUnauthenticated = "UNAUTHORIZED"
)
