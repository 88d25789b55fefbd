package txn

import (
	"context"
	"testing"
)

type fakeApplier struct {
	applied []Action
	sets    map[string]string
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{sets: make(map[string]string)}
}

func (f *fakeApplier) ApplyBatch(ctx context.Context, actions []Action) error {
	f.applied = append(f.applied, actions...)
	for _, a := range actions {
		switch a.Op {
		case "add", "set":
			f.sets[a.Key] = a.Value
		case "del":
			delete(f.sets, a.Key)
			f.sets[a.RenameTo] = a.Value
		}
	}
	return nil
}

func TestRecFinCommitsBufferedActions(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, err := r.Rec()
	if err != nil {
		t.Fatalf("Rec: %v", err)
	}
	if err := r.Buffer(id, Action{Op: "add", Key: "USER_1", Value: "alice", SetKey: "USER?", Member: "USER_1"}); err != nil {
		t.Fatalf("Buffer: %v", err)
	}

	if _, ok := applier.sets["USER_1"]; ok {
		t.Fatal("expected no engine writes before Fin")
	}

	actions, err := r.Fin(context.Background(), id)
	if err != nil {
		t.Fatalf("Fin: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 committed action, got %d", len(actions))
	}
	if applier.sets["USER_1"] != "alice" {
		t.Fatal("expected the write to reach the engine after Fin")
	}
}

func TestFinAppliesAllActionsAsOneBatch(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	r.Buffer(id, Action{Op: "add", Key: "ORDER_1", Value: "order", SetKey: "ORDER?", Member: "ORDER_1"})
	r.Buffer(id, Action{Op: "add", Key: "PAYMENT_1", Value: "payment", SetKey: "PAYMENT?", Member: "PAYMENT_1"})

	if _, err := r.Fin(context.Background(), id); err != nil {
		t.Fatalf("Fin: %v", err)
	}
	if len(applier.applied) != 2 {
		t.Fatalf("expected a single ApplyBatch call carrying both actions, got %d actions", len(applier.applied))
	}
}

func TestNopDiscardsBuffer(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	r.Buffer(id, Action{Op: "set", Key: "USER_1", Value: "alice"})

	if err := r.Nop(id); err != nil {
		t.Fatalf("Nop: %v", err)
	}
	if len(applier.sets) != 0 {
		t.Fatal("expected no engine writes after Nop")
	}

	status, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != StatusAborted {
		t.Fatalf("got %v", status.Status)
	}
}

func TestPopRemovesWholeAction(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	r.Buffer(id, Action{Op: "add", Key: "ORDER_1", Value: "order", SetKey: "ORDER?", Member: "ORDER_1"})
	r.Buffer(id, Action{Op: "add", Key: "PAYMENT_1", Value: "payment", SetKey: "PAYMENT?", Member: "PAYMENT_1"})

	popped, ok, err := r.Pop(id)
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if popped.Key != "PAYMENT_1" || popped.Member != "PAYMENT_1" {
		t.Fatalf("got %+v, want the whole PAYMENT_1 action", popped)
	}

	status, _ := r.Status(id)
	if status.ActionCount != 1 {
		t.Fatalf("expected 1 remaining action, got %d", status.ActionCount)
	}

	if _, err := r.Fin(context.Background(), id); err != nil {
		t.Fatalf("Fin: %v", err)
	}
	if _, ok := applier.sets["PAYMENT_1"]; ok {
		t.Fatal("expected the popped payment action to never reach the engine")
	}
	if applier.sets["ORDER_1"] != "order" {
		t.Fatal("expected the remaining order action to commit")
	}
}

func TestReadThroughSeesOwnWrites(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	r.Buffer(id, Action{Op: "set", Key: "USER_1", Value: "alice"})

	v, ok := r.ReadThrough(id, "USER_1")
	if !ok || v != "alice" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestReadThroughReportsDeletedKeyAsMissing(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	r.Buffer(id, Action{Op: "set", Key: "USER_1", Value: "alice"})
	r.Buffer(id, Action{Op: "del", Key: "USER_1", Value: "alice-tombstoned", RenameTo: "X:USER_1:X"})

	if _, ok := r.ReadThrough(id, "USER_1"); ok {
		t.Fatal("expected a deleted key to read through as not found")
	}
}

func TestFinTwiceFails(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	if _, err := r.Fin(context.Background(), id); err != nil {
		t.Fatalf("first Fin: %v", err)
	}
	if _, err := r.Fin(context.Background(), id); err == nil {
		t.Fatal("expected second Fin to fail")
	}
}

func TestEmptyPopReturnsFalse(t *testing.T) {
	applier := newFakeApplier()
	r := New(applier)

	id, _ := r.Rec()
	_, ok, err := r.Pop(id)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ok {
		t.Fatal("expected no action to pop from an empty buffer")
	}
}
