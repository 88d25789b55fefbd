package bri

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/bri-db/bri/brilog"
	"github.com/bri-db/bri/doc"
	brierrors "github.com/bri-db/bri/errors"
	"github.com/bri-db/bri/ident"
	"github.com/bri-db/bri/jss"
	"github.com/bri-db/bri/kv"
	"github.com/bri-db/bri/middleware"
	"github.com/bri-db/bri/txn"
	"github.com/bri-db/bri/wal"
)

// Event is the broadcast payload for add/set/del/save, published on
// db:sub:<type>.
type Event struct {
	Action string // "add" | "set" | "del" | "save"
	Target string // $ID
	Actor  string
	Tag    string
}

// DB is BRI's CRUD router: the five verb methods plus the subscription
// façade over kv.Bus. Mutations are serialised through opQueue, a
// buffered channel of size 1 acting as a FIFO mutex.
type DB struct {
	engine  *kv.Engine
	chain   *middleware.Chain
	txns    *txn.Recorder
	log     *brilog.Logger
	opQueue chan struct{}
}

// Open starts the KV engine (replaying on-disk state) and returns a ready
// DB handle.
func Open(cfg Config) (*DB, error) {
	engine, err := kv.Open(cfg.KV)
	if err != nil {
		return nil, err
	}

	chain := cfg.Chain
	if chain == nil {
		chain = middleware.New()
	}

	log := cfg.KV.Logger
	if log == nil {
		log = brilog.New(brilog.Config{Level: brilog.InfoLevel})
	}

	db := &DB{
		engine:  engine,
		chain:   chain,
		log:     log.With("bri"),
		opQueue: make(chan struct{}, 1),
	}
	db.txns = txn.New(engineApplier{engine})
	return db, nil
}

// Close stops background timers, flushes the WAL, and snapshots.
func (db *DB) Close(ctx context.Context) error {
	return db.engine.Disconnect(ctx)
}

// engineApplier adapts *kv.Engine to txn.Applier, translating each
// committed Action into the primitive WAL ops that carry it out, then
// flushing the whole transaction through the engine as one batch.
type engineApplier struct{ e *kv.Engine }

func (a engineApplier) ApplyBatch(ctx context.Context, actions []txn.Action) error {
	var ops []kv.BatchOp
	for _, act := range actions {
		switch act.Op {
		case "add":
			ops = append(ops, kv.BatchOp{Kind: wal.OpSet, Key: act.Key, Value: act.Value})
			if act.SetKey != "" {
				ops = append(ops, kv.BatchOp{Kind: wal.OpSAdd, SetKey: act.SetKey, Member: act.Member})
			}
		case "set":
			ops = append(ops, kv.BatchOp{Kind: wal.OpSet, Key: act.Key, Value: act.Value})
		case "del":
			ops = append(ops, kv.BatchOp{Kind: wal.OpSet, Key: act.Key, Value: act.Value})
			ops = append(ops, kv.BatchOp{Kind: wal.OpRename, Key: act.Key, Value: act.RenameTo})
			if act.SetKey != "" {
				ops = append(ops, kv.BatchOp{Kind: wal.OpSRem, SetKey: act.SetKey, Member: act.Member})
			}
		}
	}
	return a.e.ApplyBatch(ctx, ops)
}

func (db *DB) acquire(ctx context.Context) error {
	select {
	case db.opQueue <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) release() {
	<-db.opQueue
}

// AddOpts configures Add.
type AddOpts struct {
	SaveBy       string
	SaveByIsSelf bool
	Tag          string
	// TxnID routes the mutation through that recording context instead of
	// the engine. Empty joins whatever transaction is currently active,
	// if any.
	TxnID string
}

// Add creates a new document of typ. data must not carry $ID. The call
// runs through the middleware chain first: an interceptor may replace or
// mutate data (Ctx.Args), or short-circuit by setting Ctx.Result. Changes
// to Ctx.Opts are not read back; Add uses opts as passed.
func (db *DB) Add(ctx context.Context, typ string, data map[string]any, opts AddOpts) (*doc.Handle, error) {
	mctx := &middleware.Ctx{Operation: "add", Type: typ, Args: data, Opts: optsMap(opts), DB: db}
	err := db.chain.Run(ctx, mctx, func(ctx context.Context) error {
		h, err := db.addCore(ctx, typ, mctx.Args, opts)
		if err != nil {
			return err
		}
		mctx.Result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := mctx.Result.(*doc.Handle)
	return h, nil
}

func (db *DB) addCore(ctx context.Context, typ string, data map[string]any, opts AddOpts) (*doc.Handle, error) {
	if err := ident.ValidateCollectionName(typ); err != nil {
		return nil, err
	}
	if existingID, has := data["$ID"]; has {
		id, _ := existingID.(string)
		return nil, brierrors.DuplicateAdd(id)
	}

	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	defer db.release()

	id, err := ident.NewID(typ)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	full := cloneMap(data)
	full["$ID"] = id
	full["createdAt"] = now
	full["updatedAt"] = now

	actor := resolveActor(opts.SaveBy, opts.SaveByIsSelf, id)

	txnID, inScope := db.txnScope(opts.TxnID)
	if err := db.persist(ctx, typ, id, full, true, txnID, inScope); err != nil {
		return nil, err
	}

	if !inScope {
		db.publish(typ, Event{Action: "add", Target: id, Actor: actor, Tag: opts.Tag})
	}
	return doc.New(typ, full, db), nil
}

// GetOpts configures Get/GetAll.
type GetOpts struct {
	Limit int // 0 means unlimited for GetAll
	// TxnID reads through that recording context's buffered mutations
	// before falling back to the engine. Empty joins whatever
	// transaction is currently active, if any.
	TxnID string
}

// Get fetches a single document of typ. where may be a string $ID, a
// map carrying $ID, a predicate func(map[string]any) bool, or a plain
// object (first exact-match scan of the collection). The call runs
// through the middleware chain first.
func (db *DB) Get(ctx context.Context, typ string, where any, opts GetOpts) (*doc.Handle, error) {
	mctx := &middleware.Ctx{Operation: "get", Type: typ, Opts: optsMap(opts), DB: db}
	err := db.chain.Run(ctx, mctx, func(ctx context.Context) error {
		h, err := db.getCore(ctx, typ, where, opts)
		if err != nil {
			return err
		}
		mctx.Result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := mctx.Result.(*doc.Handle)
	return h, nil
}

func (db *DB) getCore(ctx context.Context, typ string, where any, opts GetOpts) (*doc.Handle, error) {
	if err := ident.ValidateCollectionName(typ); err != nil {
		return nil, err
	}
	if where == nil {
		return nil, brierrors.MissingSelector()
	}

	txnID, inScope := db.txnScope(opts.TxnID)

	switch sel := where.(type) {
	case string:
		return db.getByID(ctx, typ, sel, txnID, inScope)
	case map[string]any:
		if id, ok := sel["$ID"].(string); ok {
			return db.getByID(ctx, typ, id, txnID, inScope)
		}
		return db.scanFirst(ctx, typ, func(d map[string]any) bool { return isMatch(sel, d) }, txnID, inScope)
	case func(map[string]any) bool:
		return db.scanFirst(ctx, typ, sel, txnID, inScope)
	default:
		return nil, brierrors.MissingSelector()
	}
}

// GetAll fetches every (or filtered) document of typ — the group form
// reached by a trailing "S" on the type name. The call runs through the
// middleware chain first.
func (db *DB) GetAll(ctx context.Context, typ string, where any, opts GetOpts) ([]*doc.Handle, error) {
	mctx := &middleware.Ctx{Operation: "get", Type: typ, Opts: optsMap(opts), DB: db}
	err := db.chain.Run(ctx, mctx, func(ctx context.Context) error {
		docs, err := db.getAllCore(ctx, typ, where, opts)
		if err != nil {
			return err
		}
		mctx.Result = docs
		return nil
	})
	if err != nil {
		return nil, err
	}
	docs, _ := mctx.Result.([]*doc.Handle)
	return docs, nil
}

func (db *DB) getAllCore(ctx context.Context, typ string, where any, opts GetOpts) ([]*doc.Handle, error) {
	stem, _ := ident.SplitGroup(typ)
	if err := ident.ValidateCollectionName(stem); err != nil {
		return nil, err
	}

	var pred func(map[string]any) bool
	switch sel := where.(type) {
	case nil:
		pred = func(map[string]any) bool { return true }
	case func(map[string]any) bool:
		pred = sel
	case map[string]any:
		pred = func(d map[string]any) bool { return isMatch(sel, d) }
	default:
		return nil, brierrors.MissingSelector()
	}

	members, err := db.engine.SMembers(ctx, ident.CollectionKey(stem))
	if err != nil {
		return nil, err
	}

	var out []*doc.Handle
	for _, id := range members {
		d, ok, err := db.loadDoc(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || !pred(d) {
			continue
		}
		out = append(out, doc.New(stem, d, db))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (db *DB) getByID(ctx context.Context, typ, id, txnID string, inScope bool) (*doc.Handle, error) {
	idType, err := ident.TypeOf(id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(idType, typ) {
		return nil, brierrors.TypeMismatch(typ, idType)
	}
	d, ok, err := db.loadDocScoped(ctx, id, txnID, inScope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return doc.New(typ, d, db), nil
}

func (db *DB) scanFirst(ctx context.Context, typ string, pred func(map[string]any) bool, txnID string, inScope bool) (*doc.Handle, error) {
	members, err := db.engine.SMembers(ctx, ident.CollectionKey(typ))
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		d, ok, err := db.loadDocScoped(ctx, id, txnID, inScope)
		if err != nil {
			return nil, err
		}
		if ok && pred(d) {
			return doc.New(typ, d, db), nil
		}
	}
	return nil, nil
}

// txnScope decides whether an operation should route through a recording
// context's buffer: an explicit opts.TxnID always does; otherwise it
// joins whatever transaction is currently active, if any.
func (db *DB) txnScope(explicit string) (txnID string, inScope bool) {
	if explicit != "" {
		return explicit, true
	}
	return "", db.txns.HasActive()
}

func (db *DB) loadDoc(ctx context.Context, id string) (map[string]any, bool, error) {
	return db.loadDocScoped(ctx, id, "", false)
}

// loadDocScoped reads id, preferring a transaction's own buffered writes
// over what is currently on disk, so an in-scope Get observes its own
// prior writes before Fin makes them visible to everyone else.
func (db *DB) loadDocScoped(ctx context.Context, id, txnID string, inScope bool) (map[string]any, bool, error) {
	if inScope {
		if raw, ok := db.txns.ReadThrough(txnID, id); ok {
			d, err := jss.UnmarshalDoc([]byte(raw))
			if err != nil {
				return nil, false, brierrors.StorageFailure(err, "decode document %q", id)
			}
			return d, true, nil
		}
	}
	raw, ok, err := db.engine.Get(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	d, err := jss.UnmarshalDoc([]byte(raw))
	if err != nil {
		return nil, false, brierrors.StorageFailure(err, "decode document %q", id)
	}
	return d, true, nil
}

// SetOpts configures Set.
type SetOpts struct {
	Tag string
	// TxnID routes the mutation through that recording context instead
	// of the engine. Empty joins whatever transaction is currently
	// active, if any.
	TxnID string
}

// Set wholesale-replaces an existing document, preserving createdAt and
// refreshing updatedAt. The call runs through the middleware chain first.
func (db *DB) Set(ctx context.Context, typ string, data map[string]any, opts SetOpts) (*doc.Handle, error) {
	mctx := &middleware.Ctx{Operation: "set", Type: typ, Args: data, Opts: optsMap(opts), DB: db}
	err := db.chain.Run(ctx, mctx, func(ctx context.Context) error {
		h, err := db.setCore(ctx, typ, mctx.Args, opts)
		if err != nil {
			return err
		}
		mctx.Result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := mctx.Result.(*doc.Handle)
	return h, nil
}

func (db *DB) setCore(ctx context.Context, typ string, data map[string]any, opts SetOpts) (*doc.Handle, error) {
	if err := ident.ValidateCollectionName(typ); err != nil {
		return nil, err
	}
	id, ok := data["$ID"].(string)
	if !ok || id == "" {
		return nil, brierrors.MissingSelector()
	}
	idType, err := ident.TypeOf(id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(idType, typ) {
		return nil, brierrors.TypeMismatch(typ, idType)
	}

	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	defer db.release()

	txnID, inScope := db.txnScope(opts.TxnID)

	existing, ok, err := db.loadDocScoped(ctx, id, txnID, inScope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brierrors.NotFound(id)
	}

	full := cloneMap(data)
	full["$ID"] = id
	full["createdAt"] = existing["createdAt"]
	full["updatedAt"] = time.Now().UTC()

	if err := db.persist(ctx, typ, id, full, false, txnID, inScope); err != nil {
		return nil, err
	}

	if !inScope {
		db.publish(typ, Event{Action: "set", Target: id})
	}
	return doc.New(typ, full, db), nil
}

// DelOpts configures Del.
type DelOpts struct {
	DeletedBy string
	// TxnID routes the mutation through that recording context instead
	// of the engine. Empty joins whatever transaction is currently
	// active, if any.
	TxnID string
}

// Del soft-deletes a document: renames $ID to X:$ID:X and removes it from
// the collection set. The returned handle carries the pre-tombstone
// document without deletedAt/deletedBy. The call runs through the
// middleware chain first.
func (db *DB) Del(ctx context.Context, typ string, idOrObject any, opts DelOpts) (*doc.Handle, error) {
	mctx := &middleware.Ctx{Operation: "del", Type: typ, Opts: optsMap(opts), DB: db}
	err := db.chain.Run(ctx, mctx, func(ctx context.Context) error {
		h, err := db.delCore(ctx, typ, idOrObject, opts)
		if err != nil {
			return err
		}
		mctx.Result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := mctx.Result.(*doc.Handle)
	return h, nil
}

func (db *DB) delCore(ctx context.Context, typ string, idOrObject any, opts DelOpts) (*doc.Handle, error) {
	deletedBy := opts.DeletedBy
	if err := ident.ValidateCollectionName(typ); err != nil {
		return nil, err
	}

	var id string
	switch v := idOrObject.(type) {
	case string:
		id = v
	case map[string]any:
		id, _ = v["$ID"].(string)
	}
	if id == "" {
		return nil, brierrors.MissingSelector()
	}
	idType, err := ident.TypeOf(id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(idType, typ) {
		return nil, brierrors.TypeMismatch(typ, idType)
	}

	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	defer db.release()

	txnID, inScope := db.txnScope(opts.TxnID)

	existing, ok, err := db.loadDocScoped(ctx, id, txnID, inScope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brierrors.NotFound(id)
	}

	returned := cloneMap(existing)

	if deletedBy == "" {
		db.log.Warn("del called without deletedBy", "id", id)
	}

	tombstoned := cloneMap(existing)
	tombstoned["deletedAt"] = time.Now().UTC()
	tombstoned["deletedBy"] = deletedBy

	raw, err := jss.MarshalDoc(tombstoned)
	if err != nil {
		return nil, brierrors.StorageFailure(err, "encode document %q", id)
	}
	tombKey := ident.TombstoneKey(id)

	if inScope {
		action := txn.Action{
			Op:       "del",
			Key:      id,
			Value:    string(raw),
			RenameTo: tombKey,
			SetKey:   ident.CollectionKey(typ),
			Member:   id,
		}
		if err := db.txns.Buffer(txnID, action); err != nil {
			return nil, err
		}
	} else {
		if err := db.engine.Set(ctx, id, string(raw)); err != nil {
			return nil, err
		}
		if err := db.engine.Rename(ctx, id, tombKey); err != nil {
			return nil, err
		}
		if err := db.engine.SRem(ctx, ident.CollectionKey(typ), id); err != nil {
			return nil, err
		}
	}

	if !inScope {
		db.publish(typ, Event{Action: "del", Target: id, Actor: deletedBy})
	}
	return doc.New(typ, returned, db), nil
}

// Sub subscribes cb to channel db:sub:<type>, delivered synchronously in
// registration order.
func (db *DB) Sub(typ string, cb func(Event)) (unsubscribe func()) {
	return db.engine.Subscribe(channelFor(typ), func(channel, payload string) {
		cb(decodeEvent(payload))
	})
}

func channelFor(typ string) string {
	stem, _ := ident.SplitGroup(typ)
	return "db:sub:" + strings.ToLower(stem)
}

func (db *DB) publish(typ string, ev Event) {
	db.engine.Publish(channelFor(typ), encodeEvent(ev))
}

// persist encodes full as JSS and writes it, adding it to the collection
// set for a new document. When inScope, the write and its membership delta
// are buffered as a single Action against txnID instead of reaching the
// engine, and only become visible on Fin.
func (db *DB) persist(ctx context.Context, typ, id string, full map[string]any, isNew bool, txnID string, inScope bool) error {
	raw, err := jss.MarshalDoc(full)
	if err != nil {
		return brierrors.StorageFailure(err, "encode document %q", id)
	}

	if inScope {
		action := txn.Action{Op: "set", Key: id, Value: string(raw)}
		if isNew {
			action.Op = "add"
			action.SetKey = ident.CollectionKey(typ)
			action.Member = id
		}
		return db.txns.Buffer(txnID, action)
	}

	if err := db.engine.Set(ctx, id, string(raw)); err != nil {
		return err
	}
	if isNew {
		if err := db.engine.SAdd(ctx, ident.CollectionKey(typ), id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveRef implements doc.Resolver: fetches the document named by id
// with no type check (the caller already knows what it asked for).
func (db *DB) ResolveRef(ctx context.Context, id string) (map[string]any, error) {
	d, ok, err := db.loadDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brierrors.NotFound(id)
	}
	return d, nil
}

// SaveChange implements doc.Resolver: merges changeSet into the currently
// persisted document key-wise at the top level, refreshes updatedAt,
// persists, and broadcasts {action:'save'}.
func (db *DB) SaveChange(ctx context.Context, typ, id string, changeSet map[string]any, opts doc.SaveOpts) (map[string]any, error) {
	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	defer db.release()

	existing, ok, err := db.loadDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, brierrors.NotFound(id)
	}

	merged := cloneMap(existing)
	for k, v := range changeSet {
		if immutableFields[k] {
			continue
		}
		if v == doc.Deleted {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	merged["updatedAt"] = time.Now().UTC()

	if err := db.persist(ctx, typ, id, merged, false, "", false); err != nil {
		return nil, err
	}

	db.publish(typ, Event{Action: "save", Target: id, Actor: opts.SaveBy, Tag: opts.Tag})
	return merged, nil
}

var immutableFields = map[string]bool{"$ID": true, "createdAt": true}

func resolveActor(saveBy string, saveByIsSelf bool, selfID string) string {
	if saveByIsSelf {
		return selfID
	}
	return saveBy
}

// optsMap renders a verb's Opts struct as the generic map middleware.Ctx
// carries, so an interceptor can inspect it without importing every
// verb-specific opts type. The verbs read their options from the original
// struct, so changes an interceptor makes to this map have no effect.
func optsMap(opts any) map[string]any {
	switch o := opts.(type) {
	case AddOpts:
		return map[string]any{"saveBy": o.SaveBy, "saveByIsSelf": o.SaveByIsSelf, "tag": o.Tag, "txnId": o.TxnID}
	case SetOpts:
		return map[string]any{"tag": o.Tag, "txnId": o.TxnID}
	case GetOpts:
		return map[string]any{"limit": o.Limit, "txnId": o.TxnID}
	case DelOpts:
		return map[string]any{"deletedBy": o.DeletedBy, "txnId": o.TxnID}
	default:
		return map[string]any{}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// isMatch reports whether every key in pattern is present in candidate
// with a strictly equal value (exact deep match); unspecified keys on
// candidate are ignored.
func isMatch(pattern, candidate map[string]any) bool {
	for k, want := range pattern {
		got, ok := candidate[k]
		if !ok {
			return false
		}
		if !deepEqual(want, got) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(v, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
