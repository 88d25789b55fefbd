package wal

import (
	"io"
	"os"
	"testing"
)

func TestHeaderEncoding(t *testing.T) {
	original := Header{
		Magic:      Magic,
		Version:    Version,
		Opcode:     OpSet,
		LSN:        1024,
		PayloadLen: 50,
		CRC32:      0x12345678,
	}

	var buf [HeaderSize]byte
	original.Encode(buf[:])

	var decoded Header
	decoded.Decode(buf[:])

	if decoded != original {
		t.Fatalf("header round-trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestCRC32(t *testing.T) {
	data := []byte("hello wal")
	crc := CalculateCRC32(data)

	if !ValidateCRC32(data, crc) {
		t.Error("expected checksum to validate")
	}
	if ValidateCRC32([]byte("corrupted"), crc) {
		t.Error("expected checksum to reject corrupted data")
	}
}

func TestPool(t *testing.T) {
	entry := AcquireEntry()
	if cap(entry.Payload) < 4096 {
		t.Errorf("expected payload cap >= 4096, got %d", cap(entry.Payload))
	}
	entry.Header.LSN = 7
	entry.Payload = append(entry.Payload, []byte("x")...)
	ReleaseEntry(entry)

	entry2 := AcquireEntry()
	if len(entry2.Payload) != 0 {
		t.Error("released entry should come back with zero length payload")
	}
	if entry2.Header.LSN != 0 {
		t.Error("released entry should come back with a zeroed header")
	}
}

func TestWriterReadBack(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 1, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := uint64(1); i <= 5; i++ {
		payload := []byte("payload")
		entry := AcquireEntry()
		entry.Header = Header{
			Magic:      Magic,
			Version:    Version,
			Opcode:     OpSet,
			LSN:        i,
			PayloadLen: uint32(len(payload)),
			CRC32:      CalculateCRC32(payload),
		}
		entry.Payload = append(entry.Payload, payload...)
		if err := w.WriteEntry(entry); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		ReleaseEntry(entry)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}

	r, err := NewReader(segs[0].Path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var count int
	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadEntry: %v", err)
		}
		count++
		if entry.Header.LSN != uint64(count) {
			t.Errorf("entry %d: got LSN %d", count, entry.Header.LSN)
		}
		ReleaseEntry(entry)
	}
	if count != 5 {
		t.Fatalf("expected 5 entries, got %d", count)
	}
}

func TestWriterRotatesSegments(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.SegmentSize = HeaderSize + 8 // force rotation on every write

	w, err := NewWriter(dir, 1, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		payload := []byte("12345678")
		entry := AcquireEntry()
		entry.Header = Header{
			Magic: Magic, Version: Version, Opcode: OpSet,
			LSN: i, PayloadLen: uint32(len(payload)), CRC32: CalculateCRC32(payload),
		}
		entry.Payload = append(entry.Payload, payload...)
		if err := w.WriteEntry(entry); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		ReleaseEntry(entry)
	}
	w.Close()

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments after rotation, got %d", len(segs))
	}
}

func TestTruncatedTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	payload := []byte("abc")
	entry := AcquireEntry()
	entry.Header = Header{Magic: Magic, Version: Version, Opcode: OpSet, LSN: 1, PayloadLen: uint32(len(payload)), CRC32: CalculateCRC32(payload)}
	entry.Payload = append(entry.Payload, payload...)
	w.WriteEntry(entry)
	ReleaseEntry(entry)
	w.Close()

	path := SegmentPath(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	truncated := data[:len(data)-1]
	if err := os.WriteFile(path, truncated, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadEntry(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF for truncated tail, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	for _, lsn := range []uint64{1, 10, 20, 30} {
		f, err := os.Create(SegmentPath(dir, lsn))
		if err != nil {
			t.Fatalf("create segment: %v", err)
		}
		f.Close()
	}

	if err := Prune(dir, 15); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	// Segment 10 may hold LSNs 16-19, which lie above 15, so only segment
	// 1 is removed.
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments remaining, got %d", len(segs))
	}
	if segs[0].StartLSN != 10 {
		t.Fatalf("expected remaining segments to start at 10, got %d", segs[0].StartLSN)
	}
}
