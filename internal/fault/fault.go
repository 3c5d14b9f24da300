// Package fault carries the engine's error taxonomy. Every failure that
// crosses a component boundary is classified into a Kind so callers can
// branch on category (retry, degrade, reject) without inspecting upstream
// error types.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an error.
type Kind string

const (
	// InvalidInput marks malformed or missing fields on a caller-supplied value.
	InvalidInput Kind = "invalid_input"
	// UpstreamTransient marks a dependency failure that is worth retrying.
	UpstreamTransient Kind = "upstream_transient"
	// UpstreamPermanent marks a dependency failure that retrying cannot fix.
	UpstreamPermanent Kind = "upstream_permanent"
	// TimeoutStage1 marks a stage-1 budget overrun.
	TimeoutStage1 Kind = "timeout_stage1"
	// TimeoutStage2 marks a stage-2 budget overrun.
	TimeoutStage2 Kind = "timeout_stage2"
	// IndexSkew marks an embedding-dimension mismatch between query and index.
	IndexSkew Kind = "index_skew"
	// Internal marks everything else. Unclassified errors default here.
	Internal Kind = "internal"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf walks the error chain and returns the first Kind found,
// or Internal when the chain carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == UpstreamTransient
}
