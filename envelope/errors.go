package envelope

import (
	"errors"
	"fmt"
)

// Kind classifies why a single envelope was dropped.
type Kind int

// Failure kinds, one per pipeline step.
const (
	KindNone Kind = iota
	KindKeyNotFound
	KindUnwrap
	KindIntegrity
	KindDecrypt
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindKeyNotFound:
		return "key_not_found"
	case KindUnwrap:
		return "unwrap"
	case KindIntegrity:
		return "integrity"
	case KindDecrypt:
		return "decrypt"
	case KindMalformed:
		return "malformed_payload"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the tagged failure returned by every pipeline step.
type Error struct {
	Err  error
	Kind Kind
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "envelope: " + e.Kind.String()
	}
	return fmt.Sprintf("envelope: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds an *Error of the given kind.
func Fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsKeyNotFound reports whether err is a KeyNotFound failure.
func IsKeyNotFound(err error) bool { return KindOf(err) == KindKeyNotFound }

// IsIntegrity reports whether err is an HMAC mismatch.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }
