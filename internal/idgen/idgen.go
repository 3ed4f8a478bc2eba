// Package idgen generates and sanitises request identifiers.
package idgen

import "github.com/google/uuid"

// MaxRequestIDLength bounds caller-supplied request IDs.
const MaxRequestIDLength = 128

// New generates a random version 4 UUID.
func New() string {
	return uuid.NewString()
}

// RequestID returns incoming when it is a usable correlation ID (non-empty,
// bounded, printable ASCII without spaces) and a fresh ID otherwise. The
// result is echoed in response headers and written to logs.
func RequestID(incoming string) string {
	if incoming == "" || len(incoming) > MaxRequestIDLength {
		return New()
	}
	for i := 0; i < len(incoming); i++ {
		if c := incoming[i]; c <= ' ' || c > '~' {
			return New()
		}
	}
	return incoming
}
