// Package failure implements the error taxonomy shared across the
// self-play core: fatal configuration errors abort the process, transient
// network errors trigger reconnect-with-backoff, remote errors surface to
// the RPC caller untouched, action errors indicate an engine bug, and
// termination is not an error at all.
package failure

import "fmt"

// Kind classifies an error for the purposes of propagation policy.
type Kind int

const (
	// FatalConfig: capacity exhausted, schema mismatch, shape mismatch on
	// model update, unknown game name, missing required dependency. Abort.
	FatalConfig Kind = iota
	// TransientNetwork: RPC timeout, connection reset, resolver failure.
	// Reconnect with backoff; in-flight calls resolve to this kind too.
	TransientNetwork
	// RemoteError: the peer returned a remote-exception or
	// unknown-function status byte. Surfaced to the caller, never retried.
	RemoteError
	// ActionError: forward(invalid action). Indicates an engine bug.
	ActionError
	// Termination: the termination flag was observed. Not an error; code
	// that wants to distinguish "stopped early" from "failed" can check
	// for this kind with Is.
	Termination
)

func (k Kind) String() string {
	switch k {
	case FatalConfig:
		return "FatalConfig"
	case TransientNetwork:
		return "TransientNetwork"
	case RemoteError:
		return "RemoteError"
	case ActionError:
		return "ActionError"
	case Termination:
		return "Termination"
	default:
		return "UnknownKind"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			if fe.Kind == k {
				return true
			}
			err = fe.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
