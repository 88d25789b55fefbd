package bri

import (
	"context"
	"testing"

	"github.com/bri-db/bri/brilog"
	"github.com/bri-db/bri/doc"
	"github.com/bri-db/bri/kv"
)

func testDB(t *testing.T) *DB {
	cfg := Config{KV: kv.DefaultConfig(t.TempDir())}
	cfg.KV.SnapshotIntervalMs = 0
	cfg.KV.Logger = brilog.Nop()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestAddGetSetDelLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice"}, AddOpts{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id := added.String()
	if id == "" {
		t.Fatal("expected a generated $ID")
	}

	got, err := db.Get(ctx, "user", id, GetOpts{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected document to be found")
	}
	if v, _ := got.Get("name"); v != "alice" {
		t.Fatalf("got %v", v)
	}

	full := got.ToObject()
	full["name"] = "alicia"
	updated, err := db.Set(ctx, "user", full, SetOpts{})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := updated.Get("name"); v != "alicia" {
		t.Fatalf("got %v", v)
	}

	deleted, err := db.Del(ctx, "user", id, DelOpts{DeletedBy: "ADMIN_1"})
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if v, _ := deleted.Get("name"); v != "alicia" {
		t.Fatalf("expected pre-tombstone value returned, got %v", v)
	}

	gone, err := db.Get(ctx, "user", id, GetOpts{})
	if err != nil {
		t.Fatalf("Get after Del: %v", err)
	}
	if gone != nil {
		t.Fatal("expected deleted document to be unreachable by its old $ID")
	}
}

func TestAddDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	_, err := db.Add(ctx, "user", map[string]any{"$ID": "USER_x"}, AddOpts{})
	if err == nil {
		t.Fatal("expected error for pre-existing $ID")
	}
}

func TestGroupGetExactMatch(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	if _, err := db.Add(ctx, "user", map[string]any{"name": "alice", "active": true}, AddOpts{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.Add(ctx, "user", map[string]any{"name": "bob", "active": false}, AddOpts{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	all, err := db.GetAll(ctx, "userS", nil, GetOpts{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(all))
	}

	actives, err := db.GetAll(ctx, "userS", map[string]any{"active": true}, GetOpts{})
	if err != nil {
		t.Fatalf("GetAll filtered: %v", err)
	}
	if len(actives) != 1 {
		t.Fatalf("expected 1 active user, got %d", len(actives))
	}
	if v, _ := actives[0].Get("name"); v != "alice" {
		t.Fatalf("got %v", v)
	}
}

func TestAndFollowsReference(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	author, err := db.Add(ctx, "author", map[string]any{"name": "carol"}, AddOpts{})
	if err != nil {
		t.Fatalf("Add author: %v", err)
	}

	post, err := db.Add(ctx, "post", map[string]any{
		"title":  "hello",
		"author": map[string]any{"$ID": author.String()},
	}, AddOpts{})
	if err != nil {
		t.Fatalf("Add post: %v", err)
	}

	resolved, err := post.And(ctx, "author")
	if err != nil {
		t.Fatalf("And: %v", err)
	}
	if v, _ := resolved.Get("name"); v != "carol" {
		t.Fatalf("got %v", v)
	}
}

func TestSaveRoundTripsThroughRouter(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice"}, AddOpts{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	added.Set("wonderland", "address", "city")
	saved, err := added.Save(ctx, doc.SaveOpts{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := db.Get(ctx, "user", added.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	city, ok := reloaded.Get("address", "city")
	if !ok || city != "wonderland" {
		t.Fatalf("got %v, %v", city, ok)
	}
	if saved.String() != added.String() {
		t.Fatalf("expected same $ID after Save")
	}
}

func TestSaveTopLevelDeleteDropsField(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice", "nickname": "al"}, AddOpts{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	added.Delete("nickname")
	if _, err := added.Save(ctx, doc.SaveOpts{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := db.Get(ctx, "user", added.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := reloaded.Get("nickname"); ok {
		t.Fatal("expected a top-level Delete followed by Save to drop the field entirely, not persist a null")
	}
}

func TestSubDeliversEvents(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	events := make(chan Event, 4)
	unsubscribe := db.Sub("user", func(ev Event) { events <- ev })
	defer unsubscribe()

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice"}, AddOpts{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Action != "add" || ev.Target != added.String() {
			t.Fatalf("got %+v", ev)
		}
	default:
		t.Fatal("expected an add event to be delivered synchronously")
	}
}

func TestTransactionCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	txnID, err := db.Rec()
	if err != nil {
		t.Fatalf("Rec: %v", err)
	}

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice"}, AddOpts{TxnID: txnID})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A Get while the transaction is active (even without an explicit
	// txnId) joins it and observes the buffered write.
	inside, err := db.Get(ctx, "user", added.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get in scope: %v", err)
	}
	if inside == nil {
		t.Fatal("expected in-scope read to observe its own write")
	}

	status, err := db.TxnStatus(txnID)
	if err != nil {
		t.Fatalf("TxnStatus: %v", err)
	}
	if status.ActionCount != 1 { // one Action folds the set + sadd together
		t.Fatalf("got %d buffered actions", status.ActionCount)
	}

	if _, err := db.Fin(ctx, txnID); err != nil {
		t.Fatalf("Fin: %v", err)
	}

	committed, err := db.Get(ctx, "user", added.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get after Fin: %v", err)
	}
	if committed == nil {
		t.Fatal("expected document to be visible after Fin")
	}
}

func TestTransactionPopUndoesOneWholeAction(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	txnID, err := db.Rec()
	if err != nil {
		t.Fatalf("Rec: %v", err)
	}

	order, err := db.Add(ctx, "order", map[string]any{"total": 10}, AddOpts{TxnID: txnID})
	if err != nil {
		t.Fatalf("Add order: %v", err)
	}
	payment, err := db.Add(ctx, "payment", map[string]any{"amount": 10}, AddOpts{TxnID: txnID})
	if err != nil {
		t.Fatalf("Add payment: %v", err)
	}

	if _, ok, err := db.Pop(txnID); err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}

	if _, err := db.Fin(ctx, txnID); err != nil {
		t.Fatalf("Fin: %v", err)
	}

	committedOrder, err := db.Get(ctx, "order", order.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if committedOrder == nil {
		t.Fatal("expected the order to have committed")
	}

	gonePayment, err := db.Get(ctx, "payment", payment.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get payment: %v", err)
	}
	if gonePayment != nil {
		t.Fatal("expected a single Pop to have fully undone the payment add, document included")
	}
}

func TestTransactionNopDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	txnID, err := db.Rec()
	if err != nil {
		t.Fatalf("Rec: %v", err)
	}

	added, err := db.Add(ctx, "user", map[string]any{"name": "alice"}, AddOpts{TxnID: txnID})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := db.Nop(txnID); err != nil {
		t.Fatalf("Nop: %v", err)
	}

	gone, err := db.Get(ctx, "user", added.String(), GetOpts{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gone != nil {
		t.Fatal("expected rolled-back write to never reach the engine")
	}
}
