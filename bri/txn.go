package bri

import (
	"context"

	"github.com/bri-db/bri/txn"
)

// Rec starts a new transaction recording context and makes it active for
// this DB handle.
func (db *DB) Rec() (string, error) {
	return db.txns.Rec()
}

// Fin commits txnID (or the active transaction), flushing its buffered
// mutations to the engine as a single atomic batch. The flush is
// serialised behind the same operation queue as every other mutation.
func (db *DB) Fin(ctx context.Context, txnID string) ([]txn.Action, error) {
	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	defer db.release()
	return db.txns.Fin(ctx, txnID)
}

// Nop rolls back txnID (or the active transaction): buffered mutations
// are discarded.
func (db *DB) Nop(txnID string) error {
	return db.txns.Nop(txnID)
}

// Pop removes and returns the most recently buffered action of txnID (or
// the active transaction).
func (db *DB) Pop(txnID string) (txn.Action, bool, error) {
	return db.txns.Pop(txnID)
}

// TxnStatus reports txnID's (or the active transaction's) lifecycle state.
func (db *DB) TxnStatus(txnID string) (txn.StatusInfo, error) {
	return db.txns.Status(txnID)
}
