package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Polqt/yrelay/internal/broker"
)

// ErrMalformed signals a record whose shape or checkpoint encoding is
// invalid, distinct from "absent" (Store.Get returning ok=false). The
// Document Actor clears the key and restarts from earliest on this error.
var ErrMalformed = errors.New("snapshot: malformed record")

// Record is the durable snapshot of one document: CRDT state bytes, the
// broker checkpoint folded into that state, a running fold count, and a
// creation timestamp for observability.
type Record struct {
	State        []byte
	Checkpoint   broker.MessageID
	MessageCount uint64
	Timestamp    time.Time
}

// wireRecord is the on-the-wire JSON shape; Checkpoint is base64'd
// explicitly (rather than relying on json's implicit []byte-as-base64) so
// the encoding is documented and stable regardless of how Record's Go
// type evolves.
type wireRecord struct {
	State        []byte `json:"state"`
	Checkpoint   string `json:"checkpoint"`
	MessageCount uint64 `json:"messageCount"`
	Timestamp    int64  `json:"timestamp"`
}

// Encode serialises r into its durable form.
func Encode(r Record) []byte {
	w := wireRecord{
		State:        r.State,
		Checkpoint:   base64.StdEncoding.EncodeToString(r.Checkpoint),
		MessageCount: r.MessageCount,
		Timestamp:    r.Timestamp.UnixMilli(),
	}
	// wireRecord's fields are all directly marshalable; this cannot fail.
	data, _ := json.Marshal(w)
	return data
}

// Decode parses a durable record, returning ErrMalformed for any shape or
// checkpoint-encoding failure so the caller can distinguish it from
// "absent" and clear the stored key.
func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	checkpoint, err := base64.StdEncoding.DecodeString(w.Checkpoint)
	if err != nil {
		return Record{}, fmt.Errorf("%w: checkpoint: %v", ErrMalformed, err)
	}
	return Record{
		State:        w.State,
		Checkpoint:   checkpoint,
		MessageCount: w.MessageCount,
		Timestamp:    time.UnixMilli(w.Timestamp),
	}, nil
}

// Key returns the object store key for a document name.
func Key(docName string) string {
	return "snapshots/" + docName + ".snapshot"
}
