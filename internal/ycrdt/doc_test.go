package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLocalAppliesAndFiresHook(t *testing.T) {
	doc := NewDoc("A")
	var gotOrigin Origin
	var gotUpdate []byte
	doc.OnUpdate = func(u []byte, origin Origin) {
		gotUpdate = u
		gotOrigin = origin
	}

	id, err := doc.InsertLocal("peer-1", Zero, 'h')
	require.NoError(t, err)
	assert.Equal(t, "h", doc.Text())
	assert.Equal(t, PeerOrigin("peer-1"), gotOrigin)
	assert.NotEmpty(t, gotUpdate)
	assert.Equal(t, uint64(1), id.Seq)
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc("A")
	_, err := a.InsertLocal("p", Zero, 'h')
	require.NoError(t, err)
	_, err = a.InsertLocal("p", a.NextLocalID(), 'i')
	require.NoError(t, err)

	b := NewDoc("B")
	upd := a.EncodeStateAsUpdate()
	require.NoError(t, b.ApplyUpdate(upd, OriginBroker))
	require.NoError(t, b.ApplyUpdate(upd, OriginBroker))
	assert.Equal(t, a.Text(), b.Text())
}

func TestSyncHandshakeConverges(t *testing.T) {
	a := NewDoc("A")
	_, err := a.InsertLocal("p", Zero, 'h')
	require.NoError(t, err)
	lastID := a.NextLocalID()
	_, err = a.InsertLocal("p", NodeID{Seq: lastID.Seq - 1, Site: "A"}, 'i')
	require.NoError(t, err)

	b := NewDoc("B")
	step1 := b.EncodeSyncStep1()
	resp, err := a.SyncStep2(step1)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.NoError(t, b.ApplyUpdate(resp, OriginBroker))
	assert.Equal(t, a.Text(), b.Text())

	// A second round trip once converged yields no further ops.
	resp2, err := a.SyncStep2(b.EncodeSyncStep1())
	require.NoError(t, err)
	assert.Nil(t, resp2)
}

func TestDeleteLocalRemovesCharacter(t *testing.T) {
	doc := NewDoc("A")
	id, err := doc.InsertLocal("p", Zero, 'x')
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Text())
	doc.DeleteLocal("p", id)
	assert.Equal(t, "", doc.Text())
}

func TestAwarenessApplyAndRemove(t *testing.T) {
	doc := NewDoc("A")
	changes, err := doc.Awareness().Apply(EncodeAwarenessSet(42, []byte("cursor:1")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, changes.Added)
	assert.True(t, doc.Awareness().Has(42))

	changes, err = doc.Awareness().Apply(EncodeAwarenessRemove(42))
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, changes.Removed)
	assert.False(t, doc.Awareness().Has(42))
}

func TestAwarenessRemoveTwiceIsIdempotent(t *testing.T) {
	doc := NewDoc("A")
	_, err := doc.Awareness().Apply(EncodeAwarenessSet(7, []byte("x")))
	require.NoError(t, err)
	_, err = doc.Awareness().Apply(EncodeAwarenessRemove(7))
	require.NoError(t, err)
	changes, err := doc.Awareness().Apply(EncodeAwarenessRemove(7))
	require.NoError(t, err)
	assert.Empty(t, changes.Removed)
}
