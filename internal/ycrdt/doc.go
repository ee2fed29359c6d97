package ycrdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// UpdateHook fires whenever the CRDT state mutates, whatever the origin.
// The Document Actor is responsible for broadcast and for deciding,
// from origin, whether to publish to the broker (never when origin is
// OriginBroker).
type UpdateHook func(updateBytes []byte, origin Origin)

// AwarenessHook is the type of Doc.OnAwarenes. Awareness.Apply does not
// call it; callers act on the AwarenessChanges that Apply returns.
type AwarenessHook func(changes AwarenessChanges, origin Origin)

// Doc is one document's full CRDT state: text via RGA, causal history via
// a vector clock, and ephemeral presence via Awareness. It has no
// knowledge of sockets, brokers, or storage — it only applies updates and
// fires hooks, per the "no I/O in the CRDT layer" design note.
type Doc struct {
	rga       *RGA
	clock     VClock
	awareness *Awareness
	history   []op

	OnUpdate   UpdateHook
	OnAwarenes AwarenessHook
}

// NewDoc creates an empty document whose locally-originated node ids are
// stamped with site.
func NewDoc(site string) *Doc {
	return &Doc{
		rga:       NewRGA(site),
		clock:     make(VClock),
		awareness: newAwareness(),
	}
}

// Awareness exposes the presence map for read access (e.g. EncodeSnapshot
// from the Peer Session handshake).
func (d *Doc) Awareness() *Awareness { return d.awareness }

// InsertLocal applies a local insertion, appends it to history, updates
// the vector clock, and fires OnUpdate with a PeerOrigin.
func (d *Doc) InsertLocal(origin PeerOrigin, afterID NodeID, ch rune) (NodeID, error) {
	id, err := d.rga.LocalInsert(afterID, ch)
	if err != nil {
		return NodeID{}, err
	}
	o := op{Kind: opInsert, ID: id, InsertAfter: afterID, Char: ch}
	d.record(o, origin)
	return id, nil
}

// DeleteLocal tombstones id locally and fires OnUpdate with a PeerOrigin.
func (d *Doc) DeleteLocal(origin PeerOrigin, id NodeID) {
	d.rga.Delete(id)
	o := op{Kind: opDelete, ID: id}
	d.record(o, origin)
}

func (d *Doc) record(o op, origin Origin) {
	d.history = append(d.history, o)
	if o.Kind == opInsert {
		d.clock.Observe(o.ID.Site, o.ID.Seq)
	}
	if d.OnUpdate != nil {
		d.OnUpdate(encodeUpdate(update{Ops: []op{o}}), origin)
	}
}

// ApplyUpdate decodes and folds a remote update (from a peer's SYNC frame
// or the broker ingress loop) into the document, tagging the resulting
// mutation with origin. Applying an update whose ops are all already
// known is a no-op: RGA.Insert and RGA.Delete are both idempotent.
func (d *Doc) ApplyUpdate(b []byte, origin Origin) error {
	u, err := decodeUpdate(b)
	if err != nil {
		return err
	}
	var applied []op
	for _, o := range u.Ops {
		switch o.Kind {
		case opInsert:
			if _, known := d.lookupApplied(o.ID); known {
				continue
			}
			if err := d.rga.Insert(o.InsertAfter, o.ID, o.Char); err != nil {
				return fmt.Errorf("ycrdt: apply insert %+v: %w", o.ID, err)
			}
			d.clock.Observe(o.ID.Site, o.ID.Seq)
			applied = append(applied, o)
		case opDelete:
			if n, known := d.rga.index[o.ID]; known && n.deleted {
				continue
			}
			d.rga.Delete(o.ID)
			applied = append(applied, o)
		default:
			return fmt.Errorf("ycrdt: unknown op kind %d", o.Kind)
		}
	}
	if len(applied) == 0 {
		return nil
	}
	d.history = append(d.history, applied...)
	if d.OnUpdate != nil {
		d.OnUpdate(encodeUpdate(update{Ops: applied}), origin)
	}
	return nil
}

func (d *Doc) lookupApplied(id NodeID) (op, bool) {
	if _, ok := d.rga.index[id]; ok {
		return op{}, true
	}
	return op{}, false
}

// EncodeStateAsUpdate returns the full op history as a single update,
// sufficient to reconstruct the document from scratch. Used both for
// snapshot state bytes and as the fallback full-state frame.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return encodeUpdate(update{Ops: append([]op(nil), d.history...)})
}

// LoadState folds every op in a previously encoded state into the
// document without firing OnUpdate (it is not a local edit and must not be
// republished).
func (d *Doc) LoadState(stateBytes []byte) error {
	if len(stateBytes) == 0 {
		return nil
	}
	u, err := decodeUpdate(stateBytes)
	if err != nil {
		return err
	}
	for _, o := range u.Ops {
		switch o.Kind {
		case opInsert:
			if err := d.rga.Insert(o.InsertAfter, o.ID, o.Char); err != nil {
				return fmt.Errorf("ycrdt: load state insert %+v: %w", o.ID, err)
			}
			d.clock.Observe(o.ID.Site, o.ID.Seq)
		case opDelete:
			d.rga.Delete(o.ID)
		}
	}
	d.history = append(d.history, u.Ops...)
	return nil
}

// EncodeSyncStep1 returns this replica's vector clock, the first message
// of the two-step sync handshake: "here is what I've already seen."
func (d *Doc) EncodeSyncStep1() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.clock); err != nil {
		panic(fmt.Sprintf("ycrdt: encode sync step1: %v", err))
	}
	return buf.Bytes()
}

// SyncStep2 decodes a remote sync step 1 (its vector clock) and returns
// every insert this replica holds that the remote's clock does not cover,
// plus every delete (the clock does not track deletes, so they are always
// included), the second message of the handshake. A nil result means the
// remote has every insert and this replica holds no deletes.
func (d *Doc) SyncStep2(remoteStep1 []byte) ([]byte, error) {
	var remote VClock
	if err := gob.NewDecoder(bytes.NewReader(remoteStep1)).Decode(&remote); err != nil {
		return nil, fmt.Errorf("ycrdt: decode sync step1: %w", err)
	}
	var missing []op
	for _, o := range d.history {
		if o.Kind == opInsert && o.ID.Seq <= remote[o.ID.Site] {
			continue
		}
		missing = append(missing, o)
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return encodeUpdate(update{Ops: missing}), nil
}

// Text returns the document's current visible contents.
func (d *Doc) Text() string { return d.rga.Text() }

// NextLocalID previews the id the next local insert would receive.
func (d *Doc) NextLocalID() NodeID { return d.rga.NextID() }
