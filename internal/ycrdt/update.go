package ycrdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// opKind discriminates the two mutation kinds an update can carry.
type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

// op is one CRDT mutation. Updates are sequences of ops; this is the
// engine's own private wire format for CRDT state (spec treats it as
// opaque bytes), so there is no external codec dependency to bind here —
// see DESIGN.md for why gob, not a third-party serializer, is used for
// this internal-only format.
type op struct {
	Kind        opKind
	ID          NodeID
	InsertAfter NodeID
	Char        rune
}

// update is a batch of ops produced by EncodeStateAsUpdate or by folding
// one or more local mutations for broadcast.
type update struct {
	Ops []op
}

func encodeUpdate(u update) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		// ops are all plain value types; Encode cannot fail in practice.
		panic(fmt.Sprintf("ycrdt: encode update: %v", err))
	}
	return buf.Bytes()
}

func decodeUpdate(b []byte) (update, error) {
	var u update
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&u); err != nil {
		return update{}, fmt.Errorf("ycrdt: decode update: %w", err)
	}
	return u, nil
}
