package kv

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bri-db/bri/brilog"
	brierrors "github.com/bri-db/bri/errors"
	"github.com/bri-db/bri/jss"
	"github.com/bri-db/bri/wal"
)

// Stats reports a point-in-time snapshot of engine health, mirrored as
// prometheus gauges when Config.Registerer is set.
type Stats struct {
	HotBytes       int64
	Keys           int
	WALSegments    int
	LastSnapshotAt time.Time
}

// Engine is BRI's storage core: a hot tier backed by a cold tier, a WAL for
// durability, periodic snapshots, crash recovery and an in-process bus.
// One Engine owns one data directory.
type Engine struct {
	cfg Config
	log *brilog.Logger

	mu   sync.Mutex
	hot  *hotTier
	sets map[string]map[string]struct{} // setKey -> member set, mirrors cold tier

	cold     *coldTier
	snapshot *snapshotStore
	walDir   string
	wal      *wal.Writer
	lsn      atomic.Uint64

	bus *Bus

	metrics  *engineMetrics
	sentry   sentryReporter
	lastSnap atomic.Int64 // unix seconds

	fsyncTicker    *time.Ticker
	snapshotTicker *time.Ticker
	done           chan struct{}
	closeOnce      sync.Once
}

type engineMetrics struct {
	hotBytes    prometheus.Gauge
	keys        prometheus.Gauge
	walSegments prometheus.Gauge
	lastSnap    prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		return nil
	}
	m := &engineMetrics{
		hotBytes:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "bri_kv_hot_bytes", Help: "Bytes held in the hot tier."}),
		keys:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "bri_kv_keys", Help: "Live keys tracked by the engine."}),
		walSegments: prometheus.NewGauge(prometheus.GaugeOpts{Name: "bri_kv_wal_segments", Help: "WAL segment files on disk."}),
		lastSnap:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "bri_kv_last_snapshot_unixtime", Help: "Unix time of the last successful snapshot."}),
	}
	reg.MustRegister(m.hotBytes, m.keys, m.walSegments, m.lastSnap)
	return m
}

// Open acquires cfg.DataDir, replays the newest usable snapshot plus any
// WAL tail beyond it, and starts the fsync/snapshot background tickers.
func Open(cfg Config) (*Engine, error) {
	log := cfg.logger().With("kv")

	cold, err := newColdTier(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	snaps, err := newSnapshotStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		hot:      newHotTier(),
		sets:     make(map[string]map[string]struct{}),
		cold:     cold,
		snapshot: snaps,
		bus:      newBus(log),
		metrics:  newEngineMetrics(cfg.Registerer),
		sentry:   newSentryReporter(cfg.SentryDSN),
		done:     make(chan struct{}),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}

	walOpts := wal.DefaultOptions()
	walOpts.SegmentSize = cfg.WALSegmentSize
	if cfg.FsyncMode == FsyncImmediate {
		walOpts.SyncPolicy = wal.SyncImmediate
	} else {
		walOpts.SyncPolicy = wal.SyncBatched
		walOpts.FsyncInterval = cfg.fsyncInterval()
	}

	w, err := wal.NewWriter(e.walDir, e.lsn.Load()+1, walOpts)
	if err != nil {
		return nil, brierrors.StorageFailure(err, "open wal writer")
	}
	e.wal = w

	if cfg.SnapshotIntervalMs > 0 {
		e.snapshotTicker = time.NewTicker(cfg.snapshotInterval())
		go e.snapshotLoop()
	}

	e.refreshMetrics()
	return e, nil
}

// recover loads the newest usable snapshot (falling back to older ones on
// corruption) then replays WAL segments with lsn > snapshot.lsn.
func (e *Engine) recover() error {
	e.walDir = filepath.Join(e.cfg.DataDir, "wal")

	doc, found, err := e.snapshot.loadLatest()
	if err != nil {
		return brierrors.StorageFailure(err, "load snapshot")
	}
	baseLSN := uint64(0)
	if found {
		baseLSN = doc.LSN
		for k, v := range doc.Documents {
			e.hot.put(k, v)
		}
		for setKey, members := range doc.Sets {
			set := make(map[string]struct{}, len(members))
			for _, m := range members {
				set[m] = struct{}{}
			}
			e.sets[setKey] = set
		}
	}

	segs, err := wal.ListSegments(e.walDir)
	if err != nil {
		return brierrors.StorageFailure(err, "list wal segments")
	}

	maxLSN := baseLSN
	for _, seg := range segs {
		n, err := e.replaySegment(seg.Path, baseLSN, &maxLSN)
		if err != nil {
			return brierrors.StorageFailure(err, "replay wal segment %s", seg.Path)
		}
		_ = n
	}
	e.lsn.Store(maxLSN)
	return nil
}

func (e *Engine) replaySegment(path string, baseLSN uint64, maxLSN *uint64) (int, error) {
	r, err := wal.NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		entry, err := r.ReadEntry()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			e.log.Warn("discarding unreadable wal record", "path", path, "error", err.Error())
			break
		}

		if entry.Header.LSN > baseLSN {
			e.applyRecord(entry.Header.Opcode, entry.Payload)
			if entry.Header.LSN > *maxLSN {
				*maxLSN = entry.Header.LSN
			}
		}
		wal.ReleaseEntry(entry)
		count++
	}
	return count, nil
}

func (e *Engine) applyRecord(opcode wal.Opcode, payload []byte) {
	switch opcode {
	case wal.OpSet:
		p, err := decodeSet(payload)
		if err != nil {
			e.log.Warn("skipping malformed SET record", "error", err.Error())
			return
		}
		e.hot.put(p.Key, p.Value)
	case wal.OpRename:
		p, err := decodeRename(payload)
		if err != nil {
			e.log.Warn("skipping malformed RENAME record", "error", err.Error())
			return
		}
		if v, ok := e.hot.get(p.From); ok {
			e.hot.delete(p.From)
			e.hot.put(p.To, v)
		}
	case wal.OpSAdd:
		p, err := decodeSetOp(payload)
		if err != nil {
			e.log.Warn("skipping malformed SADD record", "error", err.Error())
			return
		}
		set, ok := e.sets[p.SetKey]
		if !ok {
			set = make(map[string]struct{})
			e.sets[p.SetKey] = set
		}
		set[p.Member] = struct{}{}
	case wal.OpSRem:
		p, err := decodeSetOp(payload)
		if err != nil {
			e.log.Warn("skipping malformed SREM record", "error", err.Error())
			return
		}
		if set, ok := e.sets[p.SetKey]; ok {
			delete(set, p.Member)
		}
	}
}

// Get returns the current value for key, rehydrating it from the cold
// tier into the hot tier on a miss.
func (e *Engine) Get(ctx context.Context, key string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.hot.get(key); ok {
		return v, true, nil
	}

	v, ok, err := e.cold.readDoc(key)
	if err != nil {
		return "", false, brierrors.StorageFailure(err, "read cold tier for %q", key)
	}
	if !ok {
		return "", false, nil
	}
	e.hot.put(key, v)
	return v, true, nil
}

// Set durably writes key=value: WAL first, then hot tier, then cold tier,
// then publish. A WAL append failure aborts the write and is returned to
// the caller; a cold-tier flush failure is logged/reported but does not
// fail the call, since the hot tier and WAL already have the value.
func (e *Engine) Set(ctx context.Context, key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lsn := e.lsn.Add(1)
	payload, err := encodeSet(key, value)
	if err != nil {
		return brierrors.StorageFailure(err, "encode SET payload")
	}
	if err := appendEntry(e.wal, wal.OpSet, lsn, payload); err != nil {
		return brierrors.StorageFailure(err, "append SET to wal")
	}

	e.hot.put(key, value)
	e.maybeEvictLocked()

	if err := e.cold.writeDoc(key, value); err != nil {
		e.reportBackgroundFailure("cold tier flush failed", err)
	}

	e.refreshMetrics()
	e.bus.Publish(key, value)
	return nil
}

// BatchOp is one primitive WAL-logged mutation applied as part of
// ApplyBatch. Kind selects which fields are meaningful: OpSet uses
// Key/Value, OpRename uses Key (from) and Value (to), OpSAdd/OpSRem use
// SetKey/Member.
type BatchOp struct {
	Kind   wal.Opcode
	Key    string
	Value  string
	SetKey string
	Member string
}

// ApplyBatch durably applies every op in ops through one Writer.WriteBatch
// call under the engine lock: all records are appended and one fsync
// closes the batch. Used by the transaction log to commit a Fin as one
// unit instead of one WAL append (and fsync, under SyncImmediate) per
// buffered action. Replay has no batch marker: if part of a batch reached
// the segment file before a crash (see Writer.WriteBatch), that prefix is
// replayed on recovery.
func (e *Engine) ApplyBatch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]*wal.Entry, len(ops))
	releasePending := func(upto int) {
		for _, pending := range entries[:upto] {
			if pending != nil {
				wal.ReleaseEntry(pending)
			}
		}
	}

	for i, op := range ops {
		var payload []byte
		var err error
		switch op.Kind {
		case wal.OpSet:
			payload, err = encodeSet(op.Key, op.Value)
		case wal.OpRename:
			payload, err = encodeRename(op.Key, op.Value)
		case wal.OpSAdd, wal.OpSRem:
			payload, err = encodeSetOp(op.SetKey, op.Member)
		default:
			releasePending(i)
			return brierrors.New(brierrors.KindStorageFailure, "unknown batch op kind %v", op.Kind)
		}
		if err != nil {
			releasePending(i)
			return brierrors.StorageFailure(err, "encode batch payload")
		}

		entry := wal.AcquireEntry()
		entry.Header = wal.Header{
			Magic:      wal.Magic,
			Version:    wal.Version,
			Opcode:     op.Kind,
			LSN:        e.lsn.Add(1),
			PayloadLen: uint32(len(payload)),
			CRC32:      wal.CalculateCRC32(payload),
		}
		entry.Payload = append(entry.Payload[:0], payload...)
		entries[i] = entry
	}

	if err := e.wal.WriteBatch(entries); err != nil {
		releasePending(len(entries))
		return brierrors.StorageFailure(err, "append batch to wal")
	}

	for i, op := range ops {
		e.applyBatchOpLocked(op)
		wal.ReleaseEntry(entries[i])
	}

	e.refreshMetrics()
	return nil
}

// applyBatchOpLocked mutates the in-memory/cold-tier state for one already
// WAL-durable op. Mirrors the per-verb logic in Set/Rename/setOp, minus the
// WAL append each of those does on its own.
func (e *Engine) applyBatchOpLocked(op BatchOp) {
	switch op.Kind {
	case wal.OpSet:
		e.hot.put(op.Key, op.Value)
		e.maybeEvictLocked()
		if err := e.cold.writeDoc(op.Key, op.Value); err != nil {
			e.reportBackgroundFailure("cold tier flush failed", err)
		}
		e.bus.Publish(op.Key, op.Value)
	case wal.OpRename:
		v, ok := e.hot.get(op.Key)
		if !ok {
			var err error
			v, ok, err = e.cold.readDoc(op.Key)
			if err != nil {
				e.reportBackgroundFailure("cold tier read failed", err)
				return
			}
			if !ok {
				return
			}
		}
		e.hot.delete(op.Key)
		e.hot.put(op.Value, v)
		if err := e.cold.removeDoc(op.Key); err != nil {
			e.reportBackgroundFailure("cold tier remove failed", err)
		}
		if err := e.cold.writeDoc(op.Value, v); err != nil {
			e.reportBackgroundFailure("cold tier flush failed", err)
		}
	case wal.OpSAdd, wal.OpSRem:
		set, ok := e.sets[op.SetKey]
		if !ok {
			set = make(map[string]struct{})
			e.sets[op.SetKey] = set
		}
		if op.Kind == wal.OpSAdd {
			set[op.Member] = struct{}{}
		} else {
			delete(set, op.Member)
		}
		if err := e.flushSetLocked(op.SetKey); err != nil {
			e.reportBackgroundFailure("cold tier set flush failed", err)
		}
	}
}

// Rename moves the value at from to to, used by soft-delete (X:$ID:X) and
// by any future key-level rename operation.
func (e *Engine) Rename(ctx context.Context, from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.hot.get(from)
	if !ok {
		var err error
		v, ok, err = e.cold.readDoc(from)
		if err != nil {
			return brierrors.StorageFailure(err, "read cold tier for %q", from)
		}
		if !ok {
			return brierrors.NotFound(from)
		}
	}

	lsn := e.lsn.Add(1)
	payload, err := encodeRename(from, to)
	if err != nil {
		return brierrors.StorageFailure(err, "encode RENAME payload")
	}
	if err := appendEntry(e.wal, wal.OpRename, lsn, payload); err != nil {
		return brierrors.StorageFailure(err, "append RENAME to wal")
	}

	e.hot.delete(from)
	e.hot.put(to, v)

	if err := e.cold.removeDoc(from); err != nil {
		e.reportBackgroundFailure("cold tier remove failed", err)
	}
	if err := e.cold.writeDoc(to, v); err != nil {
		e.reportBackgroundFailure("cold tier flush failed", err)
	}

	e.refreshMetrics()
	return nil
}

// SAdd adds member to the set named by setKey.
func (e *Engine) SAdd(ctx context.Context, setKey, member string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setOp(wal.OpSAdd, setKey, member, true)
}

// SRem removes member from the set named by setKey.
func (e *Engine) SRem(ctx context.Context, setKey, member string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setOp(wal.OpSRem, setKey, member, false)
}

func (e *Engine) setOp(opcode wal.Opcode, setKey, member string, add bool) error {
	lsn := e.lsn.Add(1)
	payload, err := encodeSetOp(setKey, member)
	if err != nil {
		return brierrors.StorageFailure(err, "encode set-op payload")
	}
	if err := appendEntry(e.wal, opcode, lsn, payload); err != nil {
		return brierrors.StorageFailure(err, "append set-op to wal")
	}

	set, ok := e.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		e.sets[setKey] = set
	}
	if add {
		set[member] = struct{}{}
	} else {
		delete(set, member)
	}

	if err := e.flushSetLocked(setKey); err != nil {
		e.reportBackgroundFailure("cold tier set flush failed", err)
	}
	return nil
}

func (e *Engine) flushSetLocked(setKey string) error {
	set := e.sets[setKey]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)

	arr := make([]interface{}, len(members))
	for i, m := range members {
		arr[i] = m
	}
	data, err := jss.Marshal(arr)
	if err != nil {
		return err
	}
	return e.cold.writeSet(setKey, data)
}

// SMembers returns the current member list of setKey, sorted for a stable
// read order.
func (e *Engine) SMembers(ctx context.Context, setKey string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.sets[setKey]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Publish delivers payload on channel via the engine's bus.
func (e *Engine) Publish(channel, payload string) {
	e.bus.Publish(channel, payload)
}

// Subscribe registers fn on channel.
func (e *Engine) Subscribe(channel string, fn Listener) (unsubscribe func()) {
	return e.bus.Subscribe(channel, fn)
}

// CreateSnapshot writes a whole-engine snapshot at the current LSN and
// prunes old ones beyond Config.KeepSnapshots.
func (e *Engine) CreateSnapshot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() error {
	docs := make(map[string]string, e.hot.len())
	for k, el := range e.hot.index {
		docs[k] = el.Value.(*hotEntry).value
	}
	sets := make(map[string][]string, len(e.sets))
	for setKey, set := range e.sets {
		members := make([]string, 0, len(set))
		for m := range set {
			members = append(members, m)
		}
		sort.Strings(members)
		sets[setKey] = members
	}

	lsn := e.lsn.Load()
	if _, err := e.snapshot.write(snapshotDoc{
		Version:   snapshotVersion,
		LSN:       lsn,
		Documents: docs,
		Sets:      sets,
	}); err != nil {
		return brierrors.StorageFailure(err, "write snapshot")
	}
	if err := e.snapshot.prune(e.cfg.KeepSnapshots); err != nil {
		e.log.Warn("snapshot prune failed", "error", err.Error())
	}
	if err := wal.Prune(e.walDir, lsn); err != nil {
		e.log.Warn("wal prune failed", "error", err.Error())
	}

	e.lastSnap.Store(time.Now().Unix())
	e.refreshMetrics()
	return nil
}

func (e *Engine) snapshotLoop() {
	for {
		select {
		case <-e.snapshotTicker.C:
			e.mu.Lock()
			err := e.snapshotLocked()
			e.mu.Unlock()
			if err != nil {
				e.reportBackgroundFailure("background snapshot failed", err)
			}
		case <-e.done:
			return
		}
	}
}

func (e *Engine) maybeEvictLocked() {
	ceiling := e.cfg.evictionCeiling()
	if ceiling <= 0 || e.hot.bytes < ceiling {
		return
	}
	target := e.cfg.evictionTarget()
	evicted := e.hot.evictLRU(target)
	for _, key := range evicted {
		e.log.Debug("evicted key from hot tier", "key", key)
	}
}

func (e *Engine) reportBackgroundFailure(msg string, err error) {
	e.log.Error(msg, err)
	e.sentry.captureException(err)
}

func (e *Engine) refreshMetrics() {
	if e.metrics == nil {
		return
	}
	e.metrics.hotBytes.Set(float64(e.hot.bytes))
	e.metrics.keys.Set(float64(e.hot.len()))
	if segs, err := wal.ListSegments(e.walDir); err == nil {
		e.metrics.walSegments.Set(float64(len(segs)))
	}
	e.metrics.lastSnap.Set(float64(e.lastSnap.Load()))
}

// GetStats returns a point-in-time view of engine health.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	segs, err := wal.ListSegments(e.walDir)
	if err != nil {
		return Stats{}, brierrors.StorageFailure(err, "list wal segments")
	}

	var lastSnap time.Time
	if ts := e.lastSnap.Load(); ts > 0 {
		lastSnap = time.Unix(ts, 0).UTC()
	}

	return Stats{
		HotBytes:       e.hot.bytes,
		Keys:           e.hot.len(),
		WALSegments:    len(segs),
		LastSnapshotAt: lastSnap,
	}, nil
}

// Disconnect stops background timers, flushes the WAL, writes a final
// snapshot, and closes file handles.
func (e *Engine) Disconnect(ctx context.Context) error {
	var outerErr error
	e.closeOnce.Do(func() {
		close(e.done)
		if e.snapshotTicker != nil {
			e.snapshotTicker.Stop()
		}

		e.mu.Lock()
		if err := e.snapshotLocked(); err != nil {
			e.log.Warn("final snapshot failed", "error", err.Error())
		}
		e.mu.Unlock()

		if err := e.wal.Close(); err != nil {
			outerErr = fmt.Errorf("kv: close wal: %w", err)
		}
	})
	return outerErr
}
