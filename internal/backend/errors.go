package backend

import (
	"errors"
	"fmt"
)

// Kind buckets call-fatal backend failures. They end the current call but
// leave the conversation usable.
type Kind int

const (
	// KindUnreachable covers transport-level HTTP failures.
	KindUnreachable Kind = iota
	// KindSpawnFailure covers a subprocess that could not be started.
	KindSpawnFailure
	// KindProcessFailed covers a subprocess that exited non-zero without a
	// machine-readable error on either channel.
	KindProcessFailed
	// KindMalformedResponse covers output that parsed to neither the success
	// nor the error schema.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "backend_unreachable"
	case KindSpawnFailure:
		return "process_spawn_failure"
	case KindProcessFailed:
		return "process_failed"
	case KindMalformedResponse:
		return "malformed_backend_response"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by both variants.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a backend Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// StructuredError is the machine-readable error object a backend can emit,
// either on its error channel or embedded in an otherwise successful body:
//
//	{"error": {"type": "...", "code": "...", "message": "..."}}
//
// It is what the tool error classifier consumes.
type StructuredError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

type errorEnvelope struct {
	Error *StructuredError `json:"error"`
}
