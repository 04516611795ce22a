// Package chunkerr defines the error taxonomy shared across chunkvault's
// components: a fixed set of kinds rather than a sentinel per failure mode,
// so callers branch on behavior (retryable? fatal? surfaced as ENOENT?)
// instead of string-matching.
package chunkerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error without naming a concrete Go type per failure.
type Kind int

const (
	// KindUnknown is never constructed directly; it signals a missing Wrap.
	KindUnknown Kind = iota
	KindConfig
	KindKeyDerivation
	KindDecryption
	KindIO
	KindRemoteTransient
	KindRemoteFatal
	KindStripeUnrecoverable
	KindRebuildFailed
	KindInodeNotFound
	KindVersionNotFound
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindKeyDerivation:
		return "KeyDerivation"
	case KindDecryption:
		return "Decryption"
	case KindIO:
		return "Io"
	case KindRemoteTransient:
		return "RemoteTransient"
	case KindRemoteFatal:
		return "RemoteFatal"
	case KindStripeUnrecoverable:
		return "StripeUnrecoverable"
	case KindRebuildFailed:
		return "RebuildFailed"
	case KindInodeNotFound:
		return "InodeNotFound"
	case KindVersionNotFound:
		return "VersionNotFound"
	case KindSerialization:
		return "Serialization"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind, a message, and an
// optional wrapped cause. Use errors.As to recover it and errors.Is to
// compare against a sentinel built with the same Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Fields carries kind-specific structured context, e.g. StripeUnrecoverable's
	// {available, required} or RebuildFailed's {account, reason}.
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, chunkerr.New(KindDecryption, "")) match by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Retryable reports whether the propagation policy in spec.md §7 permits an
// automatic retry at the remote-backend boundary.
func (e *Error) Retryable() bool {
	return e.Kind == KindRemoteTransient
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error wrapping cause under the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFields attaches structured context and returns the same error for chaining.
func (e *Error) WithFields(fields map[string]any) *Error {
	e.Fields = fields
	return e
}

// StripeUnrecoverable builds the {available, required} error variant.
func StripeUnrecoverable(available, required int) *Error {
	return New(KindStripeUnrecoverable, fmt.Sprintf("only %d of %d required blocks available", available, required)).
		WithFields(map[string]any{"available": available, "required": required})
}

// RebuildFailed builds the {account, reason} error variant.
func RebuildFailed(account int, reason string) *Error {
	return New(KindRebuildFailed, fmt.Sprintf("rebuild of account %d failed: %s", account, reason)).
		WithFields(map[string]any{"account": account, "reason": reason})
}

// Retryable reports whether err (at any wrap depth) is a Retryable chunkerr.Error.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
