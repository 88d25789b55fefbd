package wal

import "sync"

// entryPool and bufferPool keep WAL record allocation off the GC's back on
// the hot append path.

var entryPool = sync.Pool{
	New: func() interface{} {
		return &Entry{Payload: make([]byte, 0, 4096)}
	},
}

// AcquireEntry obtains a pooled Entry.
func AcquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

// ReleaseEntry returns e to the pool after zeroing its header and
// truncating (but not discarding the capacity of) its payload.
func ReleaseEntry(e *Entry) {
	e.Header = Header{}
	e.Payload = e.Payload[:0]
	entryPool.Put(e)
}
