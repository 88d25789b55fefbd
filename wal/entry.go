// Package wal implements BRI's append-only write-ahead log:
// length-prefixed, CRC32-checksummed records, segment rotation, and a
// pluggable fsync policy.
package wal

import (
	"encoding/binary"
	"io"
)

const (
	// HeaderSize is the fixed size, in bytes, of every record's header.
	HeaderSize = 24

	// Version is the current on-disk record format version.
	Version = 1

	// Magic identifies a valid WAL record header.
	Magic = 0xDEADBEEF
)

// Opcode identifies the kind of mutation a record replays.
type Opcode uint8

const (
	OpSet Opcode = iota + 1
	OpRename
	OpSAdd
	OpSRem
)

func (o Opcode) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpRename:
		return "RENAME"
	case OpSAdd:
		return "SADD"
	case OpSRem:
		return "SREM"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed 24-byte prefix of every record.
type Header struct {
	Magic      uint32
	Version    uint8
	Opcode     Opcode
	Reserved   uint16
	LSN        uint64
	PayloadLen uint32
	CRC32      uint32
}

// Entry is one full WAL record: header plus its opaque payload (the kv
// engine encodes payloads as BSON).
type Entry struct {
	Header  Header
	Payload []byte
}

// Encode serialises h into buf, which must be at least HeaderSize bytes.
func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = uint8(h.Opcode)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

// Decode populates h from buf, which must be at least HeaderSize bytes.
func (h *Header) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Opcode = Opcode(buf[5])
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// WriteTo writes the header followed by the payload to w.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}

	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
