package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/broker"
	"github.com/Polqt/yrelay/internal/broker/brokertest"
	"github.com/Polqt/yrelay/internal/config"
	"github.com/Polqt/yrelay/internal/frame"
	"github.com/Polqt/yrelay/internal/snapshot"
	"github.com/Polqt/yrelay/internal/snapshot/storetest"
	"github.com/Polqt/yrelay/internal/ycrdt"
)

var errFakeSend = errors.New("fakePeer: send failed")

type fakePeer struct {
	id   string
	mu   sync.Mutex
	recv []frame.Frame
	fail bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(f frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errFakeSend
	}
	p.recv = append(p.recv, f)
	return nil
}

func (p *fakePeer) frames() []frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.Frame(nil), p.recv...)
}

func (p *fakePeer) hasKind(k frame.Kind) bool {
	for _, f := range p.frames() {
		if f.Kind == k {
			return true
		}
	}
	return false
}

func newTestActor(t *testing.T, gw *brokertest.Gateway, name string, mode config.StorageMode) (*Actor, *storetest.Store) {
	t.Helper()
	store := storetest.New()
	brokerCfg := config.Broker{Tenant: "public", Namespace: "default", TopicPrefix: "doc-"}
	registry := NewRegistry(nil)
	a, err := New(context.Background(), name, gw, store, mode, brokerCfg, TestConfig(), registry, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, store
}

// clientUpdate builds a tagged SYNC frame body the way a real peer would:
// insert one character into a throwaway ycrdt document, capture the
// resulting update bytes via its OnUpdate hook, and wrap them the way the
// peer wire requires.
func clientUpdate(t *testing.T, site string, ch rune) []byte {
	t.Helper()
	doc := ycrdt.NewDoc(site)
	var captured []byte
	doc.OnUpdate = func(u []byte, _ ycrdt.Origin) { captured = u }
	_, err := doc.InsertLocal("local", ycrdt.Zero, ch)
	require.NoError(t, err)
	require.NotEmpty(t, captured)
	return ycrdt.EncodePeerFrame(ycrdt.SyncMsgUpdate, captured)
}

// clientStep1 builds the tagged SYNC frame body a real peer sends to
// request whatever the server has that the peer's own clock (rep) hasn't
// seen yet — the second leg of the attach handshake.
func clientStep1(rep *ycrdt.Doc) []byte {
	return ycrdt.EncodePeerFrame(ycrdt.SyncMsgStep1, rep.EncodeSyncStep1())
}

func TestAttachSendsHandshake(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-1", config.StorageNone)
	peer := newFakePeer("p1")
	require.NoError(t, a.Attach(context.Background(), peer))

	require.Eventually(t, func() bool { return len(peer.frames()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, frame.Sync, peer.frames()[0].Kind)
}

func TestLocalInsertBroadcastsToOtherPeerOnly(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-2", config.StorageNone)
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	require.NoError(t, a.Attach(context.Background(), p1))
	require.NoError(t, a.Attach(context.Background(), p2))

	update := clientUpdate(t, "p1-site", 'h')
	a.IngestLocalFrame(p1, frame.Frame{Kind: frame.Sync, Body: update})

	require.Eventually(t, func() bool { return a.Text() == "h" }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return p2.hasKind(frame.Sync) }, time.Second, time.Millisecond)
	// p1 only ever receives its own initial handshake frame, never its
	// own edit echoed back.
	for _, f := range p1.frames() {
		assert.NotEqual(t, update, f.Body)
	}
}

func TestAwarenessBroadcastToOtherPeer(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-3", config.StorageNone)
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	require.NoError(t, a.Attach(context.Background(), p1))
	require.NoError(t, a.Attach(context.Background(), p2))

	a.IngestLocalFrame(p1, frame.Frame{Kind: frame.Awareness, Body: ycrdt.EncodeAwarenessSet(42, []byte("x"))})

	require.Eventually(t, func() bool { return p2.hasKind(frame.Awareness) }, time.Second, time.Millisecond)
}

func TestDetachRemovesOwnedAwareness(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-4", config.StorageNone)
	p1 := newFakePeer("p1")
	p2 := newFakePeer("p2")
	require.NoError(t, a.Attach(context.Background(), p1))
	require.NoError(t, a.Attach(context.Background(), p2))

	a.IngestLocalFrame(p1, frame.Frame{Kind: frame.Awareness, Body: ycrdt.EncodeAwarenessSet(7, []byte("x"))})
	require.Eventually(t, func() bool { return p2.hasKind(frame.Awareness) }, time.Second, time.Millisecond)

	before := len(p2.frames())
	a.Detach(p1)

	require.Eventually(t, func() bool { return len(p2.frames()) > before }, time.Second, time.Millisecond)
}

func TestMalformedFrameDoesNotMutateOrPanic(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-5", config.StorageNone)
	p1 := newFakePeer("p1")
	require.NoError(t, a.Attach(context.Background(), p1))

	a.IngestLocalFrame(p1, frame.Frame{Kind: frame.Sync, Body: []byte("not a gob update")})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "", a.Text())
	assert.Equal(t, 1, a.PeerCount())
}

func TestPeerCountReachesZeroTriggersClose(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-solo", config.StorageNone)

	p1 := newFakePeer("solo")
	require.NoError(t, a.Attach(context.Background(), p1))
	a.Detach(p1)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not close after last peer detached")
	}
}

// TestLateJoinerReceivesExistingContentViaSyncStep2 is E2E scenario 1
// (spec §8): peer A inserts into a document, then peer B attaches. B's
// own step-1 handshake frame carries an empty vector clock, so the
// actor's SyncStep2 reply must carry every op A made, not just a bare
// clock.
func TestLateJoinerReceivesExistingContentViaSyncStep2(t *testing.T) {
	gw := brokertest.New()
	a, _ := newTestActor(t, gw, "doc-latejoin", config.StorageNone)

	p1 := newFakePeer("p1")
	require.NoError(t, a.Attach(context.Background(), p1))
	a.IngestLocalFrame(p1, frame.Frame{Kind: frame.Sync, Body: clientUpdate(t, "p1-site", 'h')})
	require.Eventually(t, func() bool { return a.Text() == "h" }, time.Second, time.Millisecond)

	p2 := newFakePeer("p2")
	require.NoError(t, a.Attach(context.Background(), p2))
	require.Eventually(t, func() bool { return len(p2.frames()) == 1 }, time.Second, time.Millisecond)

	// p2's client replies to the server's step-1 handshake with its own
	// (empty) vector clock, the second leg of the attach handshake.
	rep := ycrdt.NewDoc("p2-site")
	a.IngestLocalFrame(p2, frame.Frame{Kind: frame.Sync, Body: clientStep1(rep)})

	require.Eventually(t, func() bool { return len(p2.frames()) == 2 }, time.Second, time.Millisecond)
	kind, payload, err := ycrdt.DecodePeerFrame(p2.frames()[1].Body)
	require.NoError(t, err)
	assert.Equal(t, ycrdt.SyncMsgUpdate, kind)

	require.NoError(t, rep.ApplyUpdate(payload, ycrdt.OriginBroker))
	assert.Equal(t, "h", rep.Text())
}

// TestReplayFoldsBrokerHistoryOnStartup is E2E scenario 3 (spec §8):
// messages already on a document's topic (written by a prior instance)
// reach a freshly constructed actor. Its startup replay folds the first
// SnapshotInterval of them and writes a snapshot before New returns; the
// remaining ones arrive through its live subscription shortly after.
func TestReplayFoldsBrokerHistoryOnStartup(t *testing.T) {
	gw := brokertest.New()
	brokerCfg := config.Broker{Tenant: "public", Namespace: "default", TopicPrefix: "doc-"}
	topic := broker.TopicName(brokerCfg.Tenant, brokerCfg.Namespace, brokerCfg.TopicPrefix, "doc-replay")

	// Simulate a prior instance's 8 successive insert frames, chained so
	// the folded text reads "abcdefgh" in order.
	doc := ycrdt.NewDoc("prior-instance")
	var updates [][]byte
	doc.OnUpdate = func(u []byte, _ ycrdt.Origin) { updates = append(updates, u) }
	want := "abcdefgh"
	after := ycrdt.Zero
	for _, ch := range want {
		id, err := doc.InsertLocal("local", after, ch)
		require.NoError(t, err)
		after = id
	}
	require.Len(t, updates, len(want))
	for _, u := range updates {
		gw.Publish(topic, frame.EncodeBrokerPayload(frame.Frame{Kind: frame.Sync, Body: u}), map[string]string{"messageType": "sync", "docName": "doc-replay"})
	}

	store := storetest.New()
	cfg := TestConfig()
	cfg.SnapshotInterval = 5
	registry := NewRegistry(nil)
	a, err := New(context.Background(), "doc-replay", gw, store, config.StorageBrokerObject, brokerCfg, cfg, registry, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})

	require.Eventually(t, func() bool { return a.Text() == want }, time.Second, time.Millisecond)

	data, ok, err := store.Get(context.Background(), snapshot.Key("doc-replay"))
	require.NoError(t, err)
	require.True(t, ok)
	rec, err := snapshot.Decode(data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.MessageCount, uint64(5))
}

func TestBrokerOriginNotRepublished(t *testing.T) {
	gw := brokertest.New()
	brokerCfg := config.Broker{Tenant: "public", Namespace: "default", TopicPrefix: "doc-"}
	a, _ := newTestActor(t, gw, "doc-loop", config.StorageNone)

	topic := broker.TopicName(brokerCfg.Tenant, brokerCfg.Namespace, brokerCfg.TopicPrefix, "doc-loop")
	payload := append([]byte{0x01}, ycrdt.EncodeAwarenessSet(99, []byte("x"))...)
	gw.Publish(topic, payload, map[string]string{"messageType": "awareness", "docName": "doc-loop"})

	time.Sleep(150 * time.Millisecond)

	count := 0
	r, err := gw.CreateReader(context.Background(), topic, nil, false)
	require.NoError(t, err)
	for {
		_, err := r.ReadNext(context.Background())
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 1, count)
}
