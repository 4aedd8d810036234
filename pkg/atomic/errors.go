package atomic

import (
	"github.com/pkg/errors"
)

// Kind is the error taxonomy from which every abort reason is drawn. State
// machines switch on Kind, never on an error's string content.
type Kind string

const (
	KindProtocol   Kind = "protocol"   // malformed or out-of-order message
	KindTimeout    Kind = "timeout"    // per-step or per-transaction deadline exceeded
	KindTransport  Kind = "transport"  // connection closed or I/O failure
	KindStorage    Kind = "storage"    // WAL or staging I/O failure
	KindPayload    Kind = "payload"    // overlapping, oversized, or out-of-bounds chunk
	KindVerify     Kind = "verify"     // Uptane collaborator refused
	KindApply      Kind = "apply"      // package-manager collaborator refused during Commit
	KindRollback   Kind = "rollback"   // collaborator could not reverse a commit
	KindCancelled  Kind = "cancelled"  // cancellation signal observed at a suspension point
)

// Error pairs a Kind with the underlying cause, preserving the wrapped chain
// so an abort reason can be unwrapped to its I/O or collaborator origin
// without losing the coarse classification used for dispatch.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.cause.Error()
}

func (e *Error) Cause() error { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// Wrap produces a Kind-classified Error from cause, annotated with msg. A nil
// cause is allowed; Wrap(KindTimeout, nil, "...") still yields a usable
// sentinel error.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause != nil {
		cause = errors.Wrap(cause, msg)
	} else if msg != "" {
		cause = errors.New(msg)
	}
	return &Error{Kind: kind, cause: cause}
}

// KindOf extracts the Kind carried by err, if any, walking the cause chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		err = errors.Unwrap(err)
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
