package wal

import "time"

// SyncPolicy controls when a write becomes durable.
type SyncPolicy int

const (
	// SyncImmediate fsyncs after every record.
	SyncImmediate SyncPolicy = iota

	// SyncBatched fsyncs on a timer, every FsyncInterval.
	SyncBatched
)

// Options configures a Writer.
type Options struct {
	// DirPath is the directory segment files live in (<dataDir>/wal/).
	DirPath string

	// BufferSize is the in-memory bufio buffer size before data reaches
	// the OS page cache.
	BufferSize int

	// SegmentSize is the byte threshold at which the active segment is
	// rotated, default 10 MiB.
	SegmentSize int64

	// SyncPolicy selects immediate or batched fsync.
	SyncPolicy SyncPolicy

	// FsyncInterval is the batched-fsync tick, default 100ms.
	FsyncInterval time.Duration
}

// DefaultOptions returns BRI's documented defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:    64 * 1024,
		SegmentSize:   10 * 1024 * 1024,
		SyncPolicy:    SyncBatched,
		FsyncInterval: 100 * time.Millisecond,
	}
}
