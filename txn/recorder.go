// Package txn implements the transaction log: a buffered recording
// context whose mutations only reach the KV engine on Fin, as a single
// atomic batch. It tracks which recorder is "the active one" for a given
// database handle, and holds the actual mutation buffer plus
// commit/rollback bookkeeping.
package txn

import (
	"context"
	"sync"
	"time"

	brierrors "github.com/bri-db/bri/errors"
	"github.com/bri-db/bri/ident"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
)

// Action is the buffered effect of one CRUD call (Add/Set/Del): the
// document write plus whatever membership-set delta it carries, folded
// into a single unit so one Pop cleanly undoes the whole call rather than
// just its trailing side effect.
type Action struct {
	Op string // "add" | "set" | "del"

	Key   string // document key written
	Value string // JSS-encoded body written to Key

	SetKey string // collection-set key touched by the membership delta, "" if none
	Member string // member added (add) or removed (del) from SetKey

	RenameTo string // del only: Key is renamed to this tombstone key after being set
}

// Applier is the minimal surface a Recorder needs from the KV engine: one
// call that durably applies a whole transaction's actions as a single WAL
// barrier on Fin.
type Applier interface {
	ApplyBatch(ctx context.Context, actions []Action) error
}

// txnState is the mutable bookkeeping for one recording context.
type txnState struct {
	id        string
	createdAt time.Time
	status    Status
	actions   []Action
}

// Recorder manages the live transactions for a single database handle. At
// most one recording context is "active" (the one new CRUD calls default
// to) at a time.
type Recorder struct {
	mu       sync.Mutex
	applier  Applier
	txns     map[string]*txnState
	activeID string
}

// New builds a Recorder flushing committed transactions through applier.
func New(applier Applier) *Recorder {
	return &Recorder{
		applier: applier,
		txns:    make(map[string]*txnState),
	}
}

// Rec starts a new recording context and makes it the active one.
func (r *Recorder) Rec() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := ident.NewID("TXN")
	if err != nil {
		return "", err
	}
	r.txns[id] = &txnState{id: id, createdAt: time.Now().UTC(), status: StatusPending}
	r.activeID = id
	return id, nil
}

// HasActive reports whether a recording context is currently active.
func (r *Recorder) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID != ""
}

// resolve returns txnID if non-empty, else the currently active one.
func (r *Recorder) resolve(txnID string) (*txnState, error) {
	id := txnID
	if id == "" {
		id = r.activeID
	}
	t, ok := r.txns[id]
	if !ok {
		return nil, brierrors.TxnStateError(id, "unknown")
	}
	return t, nil
}

// Buffer appends action to txnID's (or the active transaction's) buffer.
// Callers use this from the CRUD router when an operation runs inside a
// transaction scope instead of writing straight through to the engine.
func (r *Recorder) Buffer(txnID string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.resolve(txnID)
	if err != nil {
		return err
	}
	if t.status != StatusPending {
		return brierrors.TxnStateError(t.id, string(t.status))
	}
	t.actions = append(t.actions, action)
	return nil
}

// ReadThrough scans txnID's buffered actions for the most recent write to
// key, letting an in-scope Get observe the transaction's own uncommitted
// writes. A "del" action on key means the transaction has tombstoned it:
// reported as not found rather than falling through to an earlier value.
func (r *Recorder) ReadThrough(txnID, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.resolve(txnID)
	if err != nil {
		return "", false
	}
	for i := len(t.actions) - 1; i >= 0; i-- {
		a := t.actions[i]
		if a.Key != key {
			continue
		}
		if a.Op == "del" {
			return "", false
		}
		return a.Value, true
	}
	return "", false
}

// Fin commits txnID (or the active transaction): every buffered action is
// applied to the KV engine as a single atomic batch (one WAL barrier).
// Returns the committed actions for introspection.
func (r *Recorder) Fin(ctx context.Context, txnID string) ([]Action, error) {
	r.mu.Lock()
	t, err := r.resolve(txnID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if t.status != StatusPending {
		r.mu.Unlock()
		return nil, brierrors.TxnStateError(t.id, string(t.status))
	}
	actions := append([]Action(nil), t.actions...)
	r.mu.Unlock()

	if len(actions) > 0 {
		if err := r.applier.ApplyBatch(ctx, actions); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	t.status = StatusCommitted
	if r.activeID == t.id {
		r.activeID = ""
	}
	r.mu.Unlock()

	return actions, nil
}

// Nop rolls back txnID (or the active transaction): buffered mutations are
// discarded and no engine state changes.
func (r *Recorder) Nop(txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.resolve(txnID)
	if err != nil {
		return err
	}
	if t.status != StatusPending {
		return brierrors.TxnStateError(t.id, string(t.status))
	}
	t.status = StatusAborted
	t.actions = nil
	if r.activeID == t.id {
		r.activeID = ""
	}
	return nil
}

// Pop removes and returns the most recently buffered action for txnID (or
// the active transaction), or false if the buffer is empty.
func (r *Recorder) Pop(txnID string) (Action, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.resolve(txnID)
	if err != nil {
		return Action{}, false, err
	}
	if t.status != StatusPending {
		return Action{}, false, brierrors.TxnStateError(t.id, string(t.status))
	}
	if len(t.actions) == 0 {
		return Action{}, false, nil
	}
	last := t.actions[len(t.actions)-1]
	t.actions = t.actions[:len(t.actions)-1]
	return last, true, nil
}

// StatusInfo is the introspection payload returned by Status.
type StatusInfo struct {
	TxnID       string
	CreatedAt   time.Time
	ActionCount int
	Status      Status
}

// Status reports txnID's (or the active transaction's) current state.
func (r *Recorder) Status(txnID string) (StatusInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.resolve(txnID)
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		TxnID:       t.id,
		CreatedAt:   t.createdAt,
		ActionCount: len(t.actions),
		Status:      t.status,
	}, nil
}
