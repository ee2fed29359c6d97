package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{
		State:        []byte("crdt-state"),
		Checkpoint:   []byte{1, 2, 3, 4},
		MessageCount: 42,
		Timestamp:    time.UnixMilli(1700000000000),
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	assert.Equal(t, r.State, got.State)
	assert.Equal(t, r.Checkpoint, got.Checkpoint)
	assert.Equal(t, r.MessageCount, got.MessageCount)
	assert.True(t, r.Timestamp.Equal(got.Timestamp))
}

func TestDecodeMalformedShape(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformedCheckpoint(t *testing.T) {
	_, err := Decode([]byte(`{"state":"aGk=","checkpoint":"not-base64!!","messageCount":1,"timestamp":0}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "snapshots/my-doc.snapshot", Key("my-doc"))
}
