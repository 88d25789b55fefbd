// Package kv implements BRI's key-value engine: a hot in-memory tier backed
// by a cold one-file-per-key tier, a write-ahead log, periodic snapshots,
// crash recovery, and an in-process publish/subscribe bus.
package kv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bri-db/bri/brilog"
)

// FsyncMode selects how aggressively WAL writes are made durable.
type FsyncMode string

const (
	FsyncImmediate FsyncMode = "immediate"
	FsyncBatched   FsyncMode = "batched"
)

// Config configures an Engine. It carries the documented tuning knobs
// plus the ambient additions (logging, metrics, error reporting) every
// long-running component in this codebase accepts.
type Config struct {
	// DataDir is the root directory holding docs/, sets/, wal/ and
	// snapshots/. Created on first use if missing.
	DataDir string

	// MaxMemoryMB bounds the hot tier's target working set.
	MaxMemoryMB int

	// EvictionThreshold is the fraction of MaxMemoryMB at which eviction
	// begins (e.g. 0.9).
	EvictionThreshold float64

	// MemoryTargetPercent is the fraction of MaxMemoryMB eviction drains
	// down to once triggered (e.g. 0.7).
	MemoryTargetPercent float64

	// WALSegmentSize is the byte threshold for WAL segment rotation.
	WALSegmentSize int64

	// FsyncMode selects immediate or batched durability.
	FsyncMode FsyncMode

	// FsyncIntervalMs is the batched-fsync tick, in milliseconds.
	FsyncIntervalMs int

	// SnapshotIntervalMs is the period between background snapshots. Zero
	// disables automatic snapshotting (CreateSnapshot remains callable).
	SnapshotIntervalMs int

	// KeepSnapshots bounds how many recent snapshots are retained.
	KeepSnapshots int

	// Logger receives structured diagnostics. Defaults to a console
	// logger at info level if nil.
	Logger *brilog.Logger

	// Registerer, if non-nil, is where engine gauges are registered.
	// Nil disables metrics entirely.
	Registerer prometheus.Registerer

	// SentryDSN, if non-empty, routes background-failure reports to
	// Sentry in addition to the log.
	SentryDSN string
}

// DefaultConfig returns sensible defaults for everything except DataDir,
// which the caller must always set.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		MaxMemoryMB:         256,
		EvictionThreshold:   0.9,
		MemoryTargetPercent: 0.7,
		WALSegmentSize:      10 * 1024 * 1024,
		FsyncMode:           FsyncBatched,
		FsyncIntervalMs:     100,
		SnapshotIntervalMs:  60_000,
		KeepSnapshots:       3,
	}
}

func (c Config) fsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

func (c Config) snapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

func (c Config) maxMemoryBytes() int64 {
	return int64(c.MaxMemoryMB) * 1_000_000
}

func (c Config) evictionCeiling() int64 {
	return int64(float64(c.maxMemoryBytes()) * c.EvictionThreshold)
}

func (c Config) evictionTarget() int64 {
	return int64(float64(c.maxMemoryBytes()) * c.MemoryTargetPercent)
}

func (c Config) logger() *brilog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return brilog.New(brilog.Config{Level: brilog.InfoLevel})
}
