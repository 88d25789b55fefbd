package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer owns the WAL's append offset and segment rotation. Only one
// Writer may be active against a given directory at a time: callers must
// not share a Writer across goroutines without external synchronization
// beyond what Writer itself provides. A new segment is started before a
// write that would take the current one past SegmentSize (default 10MiB).
type Writer struct {
	mu      sync.Mutex
	dir     string
	options Options

	file        *os.File
	buffered    *bufio.Writer
	segStartLSN uint64
	segBytes    int64

	batchBytes int64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWriter opens (creating if needed) the WAL directory at dir and
// prepares to append new segments starting at firstLSN (the LSN of the
// next record that will be written).
func NewWriter(dir string, firstLSN uint64, opts Options) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &Writer{
		dir:     dir,
		options: opts,
		done:    make(chan struct{}),
	}

	if err := w.openSegment(firstLSN); err != nil {
		return nil, err
	}

	if opts.SyncPolicy == SyncBatched && opts.FsyncInterval > 0 {
		w.ticker = time.NewTicker(opts.FsyncInterval)
		go w.backgroundSync()
	}

	return w, nil
}

func (w *Writer) openSegment(startLSN uint64) error {
	path := SegmentPath(w.dir, startLSN)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	w.file = f
	w.buffered = bufio.NewWriterSize(f, w.options.BufferSize)
	w.segStartLSN = startLSN
	w.segBytes = 0
	return nil
}

// Path returns the path of the currently active segment file.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Name()
}

// WriteEntry appends entry to the active segment, rotating first if the
// entry would take a non-empty segment past options.SegmentSize.
func (w *Writer) WriteEntry(entry *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entrySize := int64(HeaderSize + len(entry.Payload))
	if w.segBytes > 0 && w.segBytes+entrySize > w.options.SegmentSize {
		if err := w.rotateLocked(entry.Header.LSN); err != nil {
			return err
		}
	}

	n, err := entry.WriteTo(w.buffered)
	if err != nil {
		return err
	}
	w.segBytes += n
	w.batchBytes += n

	if w.options.SyncPolicy == SyncImmediate {
		return w.syncLocked()
	}
	return nil
}

// WriteBatch appends every entry in entries to the active segment under
// one lock hold and fsyncs once after the last entry, regardless of
// SyncPolicy. Entries that fit in the write buffer reach the file only at
// that final flush. A batch larger than the buffer is partly written to
// the file as the buffer fills, and a rotation in mid-batch flushes and
// fsyncs the entries before it, so a crash can leave a prefix of the
// batch in the log.
func (w *Writer) WriteBatch(entries []*Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, entry := range entries {
		entrySize := int64(HeaderSize + len(entry.Payload))
		if w.segBytes > 0 && w.segBytes+entrySize > w.options.SegmentSize {
			if err := w.rotateLocked(entry.Header.LSN); err != nil {
				return err
			}
		}
		n, err := entry.WriteTo(w.buffered)
		if err != nil {
			return err
		}
		w.segBytes += n
		w.batchBytes += n
	}
	return w.syncLocked()
}

func (w *Writer) rotateLocked(nextLSN uint64) error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment for rotation: %w", err)
	}
	return w.openSegment(nextLSN)
}

// Sync flushes the in-memory buffer and fsyncs the active segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.buffered.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.batchBytes = 0
	return nil
}

// Close flushes, fsyncs, stops the background ticker, and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}

// SegmentPath returns the canonical path of the segment starting at lsn.
func SegmentPath(dir string, lsn uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%020d.log", lsn))
}
