package ycrdt

import "fmt"

// SyncMsgKind discriminates the two shapes a SYNC frame can carry across
// the peer socket: a sync-step-1 state vector (offering/requesting a
// diff) or an update to fold in directly. EncodeSyncStep1's vector-clock
// gob and encodeUpdate's op-list gob have no shape in common, so without
// this tag a receiver can't tell which decoder to reach for. Broker
// payloads and snapshot state never carry this tag: both contexts only
// ever exchange updates, unambiguously.
type SyncMsgKind uint8

const (
	SyncMsgStep1 SyncMsgKind = iota
	SyncMsgUpdate
)

// EncodePeerFrame tags payload for transmission over a peer SYNC frame.
func EncodePeerFrame(kind SyncMsgKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

// DecodePeerFrame splits a peer SYNC frame body into its tag and payload.
func DecodePeerFrame(b []byte) (SyncMsgKind, []byte, error) {
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("ycrdt: empty peer sync frame")
	}
	return SyncMsgKind(b[0]), b[1:], nil
}
