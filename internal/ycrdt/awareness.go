package ycrdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// AwarenessState is opaque per-client ephemeral data (cursor position,
// user metadata, ...); the engine never interprets it.
type AwarenessState []byte

// AwarenessChanges reports the client ids affected by one applied diff, in
// the shape the Document Actor's awareness update hook needs to build its
// broadcast frame.
type AwarenessChanges struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c AwarenessChanges) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type awarenessDiff struct {
	Set    map[uint64]AwarenessState
	Remove []uint64
}

// Awareness holds the ephemeral presence map for one document.
type Awareness struct {
	states map[uint64]AwarenessState
}

func newAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]AwarenessState)}
}

// Apply decodes and folds a diff into the awareness map, returning which
// client ids were added, updated, or removed. Applying the same diff twice
// leaves the map as one application would: the second application reports
// its set ids as updated and does not report ids that were already
// removed. Callers compare against their own notion of "is this new" when
// at-least-once redelivery matters.
func (a *Awareness) Apply(diffBytes []byte) (AwarenessChanges, error) {
	var d awarenessDiff
	if err := gob.NewDecoder(bytes.NewReader(diffBytes)).Decode(&d); err != nil {
		return AwarenessChanges{}, fmt.Errorf("ycrdt: decode awareness diff: %w", err)
	}
	var changes AwarenessChanges
	for id, state := range d.Set {
		if _, existed := a.states[id]; existed {
			changes.Updated = append(changes.Updated, id)
		} else {
			changes.Added = append(changes.Added, id)
		}
		a.states[id] = state
	}
	for _, id := range d.Remove {
		if _, existed := a.states[id]; existed {
			delete(a.states, id)
			changes.Removed = append(changes.Removed, id)
		}
	}
	return changes, nil
}

// EncodeAwarenessSet builds a diff frame setting a single client id's state.
func EncodeAwarenessSet(id uint64, state AwarenessState) []byte {
	return encodeAwarenessDiff(awarenessDiff{Set: map[uint64]AwarenessState{id: state}})
}

// EncodeAwarenessRemove builds a diff frame removing the given client ids.
func EncodeAwarenessRemove(ids ...uint64) []byte {
	return encodeAwarenessDiff(awarenessDiff{Remove: ids})
}

func encodeAwarenessDiff(d awarenessDiff) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		panic(fmt.Sprintf("ycrdt: encode awareness diff: %v", err))
	}
	return buf.Bytes()
}

// EncodeSnapshot returns a single diff frame that sets every currently
// known client id, suitable for sending to a newly attached peer.
func (a *Awareness) EncodeSnapshot() []byte {
	if len(a.states) == 0 {
		return nil
	}
	set := make(map[uint64]AwarenessState, len(a.states))
	for id, st := range a.states {
		set[id] = st
	}
	return encodeAwarenessDiff(awarenessDiff{Set: set})
}

// Len reports how many client ids currently have awareness state.
func (a *Awareness) Len() int {
	return len(a.states)
}

// Has reports whether id currently has awareness state.
func (a *Awareness) Has(id uint64) bool {
	_, ok := a.states[id]
	return ok
}
