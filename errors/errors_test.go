package errors

import (
	stderrors "errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFound("USER_abc")
	if !Is(err, KindNotFound) {
		t.Fatal("expected Is to match KindNotFound")
	}
	if Is(err, KindBadID) {
		t.Fatal("expected Is to not match KindBadID")
	}
}

func TestErrorIsAgainstBareSentinel(t *testing.T) {
	err := NotFound("USER_abc")
	sentinel := New(KindNotFound, "")
	if !stderrors.Is(err, sentinel) {
		t.Fatal("expected stdlib errors.Is to match same-kind sentinel")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	wrapped := StorageFailure(cause, "flush segment %d", 3)
	if wrapped.Kind != KindStorageFailure {
		t.Fatalf("got kind %q", wrapped.Kind)
	}
	if stderrors.Unwrap(wrapped) == nil {
		t.Fatal("expected Unwrap to return a non-nil cause")
	}
}

func TestAsExtractsError(t *testing.T) {
	var target *Error
	if !As(DuplicateAdd("USER_abc"), &target) {
		t.Fatal("expected As to succeed")
	}
	if target.Kind != KindDuplicateAdd {
		t.Fatalf("got %q", target.Kind)
	}
}
