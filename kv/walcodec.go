package kv

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bri-db/bri/wal"
)

// setPayload, renamePayload and setOpPayload are the bson-encoded WAL
// record bodies for each opcode, one named struct per record kind.

type setPayload struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

type renamePayload struct {
	From string `bson:"from"`
	To   string `bson:"to"`
}

type setOpPayload struct {
	SetKey string `bson:"set_key"`
	Member string `bson:"member"`
}

func encodeSet(key, value string) ([]byte, error) {
	return bson.Marshal(setPayload{Key: key, Value: value})
}

func decodeSet(payload []byte) (setPayload, error) {
	var p setPayload
	err := bson.Unmarshal(payload, &p)
	return p, err
}

func encodeRename(from, to string) ([]byte, error) {
	return bson.Marshal(renamePayload{From: from, To: to})
}

func decodeRename(payload []byte) (renamePayload, error) {
	var p renamePayload
	err := bson.Unmarshal(payload, &p)
	return p, err
}

func encodeSetOp(setKey, member string) ([]byte, error) {
	return bson.Marshal(setOpPayload{SetKey: setKey, Member: member})
}

func decodeSetOp(payload []byte) (setOpPayload, error) {
	var p setOpPayload
	err := bson.Unmarshal(payload, &p)
	return p, err
}

// appendEntry acquires a pooled wal.Entry, fills it from opcode/lsn/payload
// and hands it to w, releasing it afterward regardless of outcome.
func appendEntry(w *wal.Writer, opcode wal.Opcode, lsn uint64, payload []byte) error {
	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)

	entry.Header = wal.Header{
		Magic:      wal.Magic,
		Version:    wal.Version,
		Opcode:     opcode,
		LSN:        lsn,
		PayloadLen: uint32(len(payload)),
		CRC32:      wal.CalculateCRC32(payload),
	}
	entry.Payload = append(entry.Payload[:0], payload...)
	return w.WriteEntry(entry)
}
