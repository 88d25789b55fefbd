// Package errors defines the stable error kinds BRI's core surfaces to
// callers. Every kind is a *Error with a distinct Kind value and a
// human-readable message, and each also satisfies errors.Is against its
// own kind sentinel so callers can branch with the standard library.
package errors

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// Kind identifies one of the stable error categories BRI's core surfaces.
type Kind string

const (
	KindBadCollectionName  Kind = "bad_collection_name"
	KindBadID              Kind = "bad_id"
	KindTypeMismatch       Kind = "type_mismatch"
	KindMissingSelector    Kind = "missing_selector"
	KindNotFound           Kind = "not_found"
	KindDuplicateAdd       Kind = "duplicate_add"
	KindValidatorRejection Kind = "validator_rejection"
	KindStorageFailure     Kind = "storage_failure"
	KindTxnStateError      Kind = "txn_state_error"
	KindTimeout            Kind = "timeout"
)

// Error is the concrete type returned for every stable error kind.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error of the same Kind, so
// errors.Is(err, errors.New(KindNotFound, "")) works without comparing
// messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a bare *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a *Error of the given kind wrapping cause. StorageFailure
// errors use this to attach a stack trace via cockroachdb/errors, since a
// storage fault is the one category worth debugging post-mortem.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cockroacherrors.Wrap(cause, fmt.Sprintf(format, args...)),
	}
}

// Is reports whether err is a BRI *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return As(err, &e) && e.Kind == kind
}

// As walks err's single-Unwrap chain and stores the first *Error found in
// target, so callers only need to import this package.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// BadCollectionName reports a collection name that fails the naming rule.
func BadCollectionName(name string) *Error {
	return New(KindBadCollectionName, "bad collection name %q", name)
}

// BadID reports an $ID that doesn't match TYPE_token.
func BadID(id string) *Error {
	return New(KindBadID, "bad id %q: expected TYPE_token", id)
}

// TypeMismatch reports a verb/$ID type disagreement.
func TypeMismatch(verbType, idType string) *Error {
	return New(KindTypeMismatch, "type mismatch: operation is for %q but id has type %q", verbType, idType)
}

// MissingSelector reports a nil/undefined selector passed to a singular op.
func MissingSelector() *Error {
	return New(KindMissingSelector, "trying to pass 'undefined'")
}

// NotFound reports a missing document for the given $ID.
func NotFound(id string) *Error {
	return New(KindNotFound, "%q was not found", id)
}

// DuplicateAdd reports an Add carrying a pre-existing $ID.
func DuplicateAdd(id string) *Error {
	return New(KindDuplicateAdd, "cannot add %q: already exists", id)
}

// ValidatorRejection reports a schema validator's rejection message.
func ValidatorRejection(reason string) *Error {
	return New(KindValidatorRejection, "validation failed: %s", reason)
}

// StorageFailure wraps a lower-level storage error (WAL append, fsync,
// cold-tier I/O).
func StorageFailure(cause error, format string, args ...any) *Error {
	return Wrap(KindStorageFailure, cause, format, args...)
}

// TxnStateError reports Fin/Nop/Pop called on a non-pending transaction.
func TxnStateError(txnID, status string) *Error {
	return New(KindTxnStateError, "transaction %q is %s, not pending", txnID, status)
}

// Timeout reports a remote-layer deadline exceeded; the core engine never
// raises this itself, but a network-facing layer built on top of it can
// reuse this kind for consistency.
func Timeout(op string) *Error {
	return New(KindTimeout, "operation %q timed out", op)
}
