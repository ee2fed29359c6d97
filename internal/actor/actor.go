package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Polqt/yrelay/internal/broker"
	"github.com/Polqt/yrelay/internal/config"
	"github.com/Polqt/yrelay/internal/frame"
	"github.com/Polqt/yrelay/internal/snapshot"
	"github.com/Polqt/yrelay/internal/ycrdt"
)

// Actor owns one document's canonical in-process state: CRDT text,
// awareness, local peers, and its broker producer/consumer. It is the
// single logical writer for all three, realised as one goroutine draining
// a command channel (design option (i) from the source material: an
// explicit-origin command channel rather than a re-entrant mutex guard).
type Actor struct {
	name string
	cfg  Config
	mode config.StorageMode

	gw    broker.Gateway
	store snapshot.Store
	log   *zap.Logger

	registry *Registry

	doc         *ycrdt.Doc
	peers       map[string]Peer
	awarenessOf map[string]map[uint64]struct{}

	producer broker.Producer
	consumer broker.Consumer

	topic        string
	subscription string

	publishCh  chan publishMsg
	publishWG  sync.WaitGroup
	ingressCtx context.Context
	ingressCxl context.CancelFunc

	cmdCh chan cmd

	state          State
	lastCheckpoint broker.MessageID
	messageCount   uint64

	doneCh chan struct{}
}

type publishMsg struct {
	kind frame.Kind
	body []byte
}

// New runs the Document Actor's full creation sequence synchronously:
// INIT -> LOADING_SNAPSHOT -> OPENING_BROKER -> [REPLAYING] -> RUNNING.
// On any unrecoverable failure it returns an error and the actor is never
// started (mirrors "actor enters CLOSED and propagates the failure to
// whoever awaited creation").
func New(ctx context.Context, name string, gw broker.Gateway, store snapshot.Store, mode config.StorageMode, brokerCfg config.Broker, cfg Config, registry *Registry, log *zap.Logger) (*Actor, error) {
	a := &Actor{
		name:         name,
		cfg:          cfg,
		mode:         mode,
		gw:           gw,
		store:        store,
		log:          log.With(zap.String("doc", name)),
		registry:     registry,
		doc:          ycrdt.NewDoc(uuid.NewString()),
		peers:        make(map[string]Peer),
		awarenessOf:  make(map[string]map[uint64]struct{}),
		topic:        broker.TopicName(brokerCfg.Tenant, brokerCfg.Namespace, brokerCfg.TopicPrefix, name),
		subscription: broker.SubscriptionName(name),
		cmdCh:        make(chan cmd, 32),
		doneCh:       make(chan struct{}),
		state:        StateInit,
	}
	a.doc.OnUpdate = a.onCRDTUpdate

	var checkpoint broker.MessageID
	var baseCount uint64

	a.state = StateLoadingSnapshot
	if mode != config.StorageNone {
		data, ok, err := store.Get(ctx, snapshot.Key(name))
		if err != nil {
			a.state = StateClosed
			return nil, fmt.Errorf("actor %s: snapshot get: %w", name, err)
		}
		if ok {
			rec, decErr := snapshot.Decode(data)
			if decErr != nil {
				a.log.Warn("snapshot malformed, clearing", zap.Error(decErr))
				if delErr := store.Delete(ctx, snapshot.Key(name)); delErr != nil {
					a.log.Warn("snapshot clear failed", zap.Error(delErr))
				}
			} else if loadErr := a.doc.LoadState(rec.State); loadErr != nil {
				a.log.Warn("snapshot state rejected, clearing", zap.Error(loadErr))
				if delErr := store.Delete(ctx, snapshot.Key(name)); delErr != nil {
					a.log.Warn("snapshot clear failed", zap.Error(delErr))
				}
			} else {
				checkpoint = rec.Checkpoint
				baseCount = rec.MessageCount
			}
		}
	}

	a.state = StateOpeningBroker
	if err := broker.RetryCreate(ctx, cfg.BrokerRetryAttempts, cfg.BrokerRetryBackoff, func() error {
		p, err := gw.CreateProducer(ctx, a.topic)
		if err != nil {
			return err
		}
		a.producer = p
		return nil
	}); err != nil {
		a.state = StateClosed
		return nil, fmt.Errorf("actor %s: open producer: %w", name, err)
	}
	if err := broker.RetryCreate(ctx, cfg.BrokerRetryAttempts, cfg.BrokerRetryBackoff, func() error {
		c, err := gw.Subscribe(ctx, a.topic, a.subscription)
		if err != nil {
			return err
		}
		a.consumer = c
		return nil
	}); err != nil {
		a.producer.Close()
		a.state = StateClosed
		return nil, fmt.Errorf("actor %s: subscribe: %w", name, err)
	}

	if mode == config.StorageBrokerObject {
		a.state = StateReplaying
		if err := a.replay(ctx, checkpoint, baseCount); err != nil {
			a.producer.Close()
			a.consumer.Close()
			a.state = StateClosed
			return nil, fmt.Errorf("actor %s: replay: %w", name, err)
		}
	} else {
		a.lastCheckpoint = checkpoint
		a.messageCount = baseCount
	}

	a.state = StateRunning
	a.publishCh = make(chan publishMsg, 64)
	a.publishWG.Add(1)
	go a.publisherLoop()

	a.ingressCtx, a.ingressCxl = context.WithCancel(context.Background())
	go a.ingressLoop(a.ingressCtx)

	go a.run()

	return a, nil
}

// replay folds broker history into doc per the replay policy: forward
// reads bounded by a per-read timeout, a consecutive-timeout cap, a
// fold-count cap, and an overall wall-clock cap, whichever comes first.
// Only SYNC frames are applied; awareness is ephemeral and ignored.
func (a *Actor) replay(ctx context.Context, checkpoint broker.MessageID, baseCount uint64) error {
	// Every message on this document's topic shares one partition key
	// (the document name), so a compacted read would collapse the whole
	// op log down to its single latest message. Replay needs every op
	// since the checkpoint, so it always reads the uncompacted log.
	reader, err := a.gw.CreateReader(ctx, a.topic, checkpoint, false)
	if err != nil {
		return err
	}
	defer reader.Close()

	wallCtx, cancel := context.WithTimeout(ctx, a.cfg.ReplayWallClockCap)
	defer cancel()

	folded := 0
	consecutiveTimeouts := 0
	last := checkpoint

	for folded < a.cfg.SnapshotInterval && consecutiveTimeouts < a.cfg.ReplayMaxConsecutiveTimeouts {
		if wallCtx.Err() != nil {
			break
		}
		readCtx, readCancel := context.WithTimeout(wallCtx, a.cfg.ReplayReadTimeout)
		msg, err := reader.ReadNext(readCtx)
		readCancel()
		if err != nil {
			if errors.Is(err, broker.ErrDisconnected) {
				return err
			}
			// ErrTimeout, or the wall clock context expiring underneath
			// ReadNext: either way this counts toward the consecutive cap.
			consecutiveTimeouts++
			continue
		}
		consecutiveTimeouts = 0
		f, decErr := frame.DecodeBrokerPayload(msg.Payload)
		if decErr != nil {
			continue
		}
		if f.Kind != frame.Sync {
			continue
		}
		if err := a.doc.ApplyUpdate(f.Body, ycrdt.OriginBroker); err != nil {
			a.log.Warn("replay: rejected update", zap.Error(err))
			continue
		}
		folded++
		last = msg.ID
	}

	a.lastCheckpoint = last
	a.messageCount = baseCount + uint64(folded)

	if folded >= a.cfg.SnapshotInterval {
		a.writeSnapshot(context.Background())
	}
	return nil
}

func (a *Actor) writeSnapshot(ctx context.Context) {
	if a.mode == config.StorageNone {
		return
	}
	rec := snapshot.Record{
		State:        a.doc.EncodeStateAsUpdate(),
		Checkpoint:   a.lastCheckpoint,
		MessageCount: a.messageCount,
		Timestamp:    time.Now(),
	}
	if err := a.store.Put(ctx, snapshot.Key(a.name), snapshot.Encode(rec)); err != nil {
		a.log.Warn("snapshot write failed", zap.Error(err))
	}
}

// run is the single-writer goroutine: every mutation to doc, peers, and
// awarenessOf happens here and only here.
func (a *Actor) run() {
	for c := range a.cmdCh {
		switch c.kind {
		case cmdAttach:
			a.doAttach(c.peer)
			reply(c.result, nil)
		case cmdDetach:
			a.doDetach(c.peer)
			reply(c.result, nil)
			if len(a.peers) == 0 {
				a.doClose()
				return
			}
		case cmdFromPeer:
			a.doFromPeer(c.peer, c.in)
			reply(c.result, nil)
		case cmdFromBroker:
			a.doFromBroker(c.brokerRaw)
			reply(c.result, nil)
		case cmdClose:
			a.doClose()
			reply(c.result, nil)
			return
		}
	}
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func (a *Actor) doAttach(p Peer) {
	a.peers[p.ID()] = p
	a.awarenessOf[p.ID()] = make(map[uint64]struct{})

	step1 := ycrdt.EncodePeerFrame(ycrdt.SyncMsgStep1, a.doc.EncodeSyncStep1())
	if err := p.Send(frame.Frame{Kind: frame.Sync, Body: step1}); err != nil {
		a.log.Warn("handshake send failed", zap.String("peer", p.ID()), zap.Error(err))
	}
	if a.doc.Awareness().Len() > 0 {
		snap := a.doc.Awareness().EncodeSnapshot()
		if err := p.Send(frame.Frame{Kind: frame.Awareness, Body: snap}); err != nil {
			a.log.Warn("awareness handshake send failed", zap.String("peer", p.ID()), zap.Error(err))
		}
	}
}

func (a *Actor) doDetach(p Peer) {
	ids := a.awarenessOf[p.ID()]
	delete(a.peers, p.ID())
	delete(a.awarenessOf, p.ID())
	if len(ids) == 0 {
		return
	}
	idList := make([]uint64, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	diff := ycrdt.EncodeAwarenessRemove(idList...)
	changes, err := a.doc.Awareness().Apply(diff)
	if err != nil {
		a.log.Warn("awareness removal on detach failed", zap.Error(err))
		return
	}
	a.onAwarenessUpdate(changes, diff, ycrdt.PeerOrigin(p.ID()))
}

// doFromPeer's SYNC case is the sync protocol reader the spec describes:
// a step-1 body (the peer's state vector) is answered with step 2 — any
// ops the peer hasn't seen — sent back to that peer only; an update body
// is folded straight into the document, which broadcasts via the CRDT
// update hook.
func (a *Actor) doFromPeer(p Peer, f frame.Frame) {
	switch f.Kind {
	case frame.Sync:
		kind, payload, err := ycrdt.DecodePeerFrame(f.Body)
		if err != nil {
			a.log.Warn("malformed sync frame", zap.String("peer", p.ID()), zap.Error(err))
			return
		}
		switch kind {
		case ycrdt.SyncMsgStep1:
			reply, err := a.doc.SyncStep2(payload)
			if err != nil {
				a.log.Warn("sync step1 rejected", zap.String("peer", p.ID()), zap.Error(err))
				return
			}
			if reply == nil {
				return
			}
			out := frame.Frame{Kind: frame.Sync, Body: ycrdt.EncodePeerFrame(ycrdt.SyncMsgUpdate, reply)}
			if err := p.Send(out); err != nil {
				a.log.Warn("sync step2 reply send failed", zap.String("peer", p.ID()), zap.Error(err))
			}
		case ycrdt.SyncMsgUpdate:
			if err := a.doc.ApplyUpdate(payload, ycrdt.PeerOrigin(p.ID())); err != nil {
				a.log.Warn("sync frame rejected", zap.String("peer", p.ID()), zap.Error(err))
			}
		default:
			a.log.Warn("unknown sync frame kind", zap.String("peer", p.ID()), zap.Uint8("kind", uint8(kind)))
		}
	case frame.Awareness:
		changes, err := a.doc.Awareness().Apply(f.Body)
		if err != nil {
			a.log.Warn("awareness frame rejected", zap.String("peer", p.ID()), zap.Error(err))
			return
		}
		for _, id := range changes.Added {
			a.awarenessOf[p.ID()][id] = struct{}{}
		}
		for _, id := range changes.Updated {
			a.awarenessOf[p.ID()][id] = struct{}{}
		}
		for _, id := range changes.Removed {
			for _, set := range a.awarenessOf {
				delete(set, id)
			}
		}
		a.onAwarenessUpdate(changes, f.Body, ycrdt.PeerOrigin(p.ID()))
	}
}

func (a *Actor) doFromBroker(raw []byte) {
	f, err := frame.DecodeBrokerPayload(raw)
	if err != nil {
		a.log.Warn("malformed broker frame, dropping", zap.Error(err))
		return
	}
	switch f.Kind {
	case frame.Sync:
		if err := a.doc.ApplyUpdate(f.Body, ycrdt.OriginBroker); err != nil {
			a.log.Warn("broker sync frame rejected", zap.Error(err))
		}
	case frame.Awareness:
		changes, err := a.doc.Awareness().Apply(f.Body)
		if err != nil {
			a.log.Warn("broker awareness frame rejected", zap.Error(err))
			return
		}
		a.onAwarenessUpdate(changes, f.Body, ycrdt.OriginBroker)
	}
}

// onCRDTUpdate is ycrdt.Doc's UpdateHook: broadcast locally, and publish
// to the broker unless this mutation itself came from the broker (the
// loop-breaker).
func (a *Actor) onCRDTUpdate(updateBytes []byte, origin ycrdt.Origin) {
	exclude := originPeerID(origin)
	out := frame.Frame{Kind: frame.Sync, Body: ycrdt.EncodePeerFrame(ycrdt.SyncMsgUpdate, updateBytes)}
	for id, p := range a.peers {
		if id == exclude {
			continue
		}
		if err := p.Send(out); err != nil {
			a.log.Warn("broadcast send failed", zap.String("peer", id), zap.Error(err))
		}
	}
	if !ycrdt.IsBroker(origin) {
		a.enqueuePublish(frame.Sync, updateBytes)
	}
}

func (a *Actor) onAwarenessUpdate(changes ycrdt.AwarenessChanges, diffBytes []byte, origin ycrdt.Origin) {
	out := frame.Frame{Kind: frame.Awareness, Body: diffBytes}
	for _, p := range a.peers {
		if err := p.Send(out); err != nil {
			a.log.Warn("awareness broadcast send failed", zap.String("peer", p.ID()), zap.Error(err))
		}
	}
	if !ycrdt.IsBroker(origin) {
		a.enqueuePublish(frame.Awareness, diffBytes)
	}
}

func originPeerID(o ycrdt.Origin) string {
	if po, ok := o.(ycrdt.PeerOrigin); ok {
		return string(po)
	}
	return ""
}

// enqueuePublish hands a message to the publisher loop. It blocks when
// the outbox is full: the producer's bounded queue and block-when-full
// policy back-pressure the publish path without ever touching local
// delivery, which has already completed by the time this is called.
func (a *Actor) enqueuePublish(kind frame.Kind, body []byte) {
	a.publishCh <- publishMsg{kind: kind, body: body}
}

func (a *Actor) publisherLoop() {
	defer a.publishWG.Done()
	for msg := range a.publishCh {
		payload := frame.EncodeBrokerPayload(frame.Frame{Kind: msg.kind, Body: msg.body})
		props := map[string]string{"messageType": messageTypeName(msg.kind), "docName": a.name}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.producer.Send(ctx, payload, props, a.name)
		cancel()
		if err != nil {
			a.log.Warn("broker publish failed (transient, local delivery already proceeded)", zap.Error(err))
		}
	}
}

func messageTypeName(k frame.Kind) string {
	if k == frame.Awareness {
		return "awareness"
	}
	return "sync"
}

// ingressLoop receives from the broker consumer and forwards decoded
// payloads into the command channel, waiting for the run loop to finish
// applying each before acknowledging it.
func (a *Actor) ingressLoop(ctx context.Context) {
	for {
		msg, err := a.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, broker.ErrDisconnected) {
				a.log.Info("broker consumer disconnected, ingress loop exiting")
				return
			}
			a.log.Warn("broker receive error", zap.Error(err))
			continue
		}
		result := make(chan error, 1)
		select {
		case a.cmdCh <- cmd{kind: cmdFromBroker, brokerRaw: msg.Payload, result: result}:
		case <-ctx.Done():
			return
		}
		select {
		case <-result:
		case <-ctx.Done():
			return
		}
		if err := a.consumer.Ack(ctx, msg); err != nil {
			a.log.Warn("broker ack failed", zap.Error(err))
		}
	}
}

func (a *Actor) doClose() {
	if a.state == StateClosed || a.state == StateClosing {
		return
	}
	a.state = StateClosing
	if a.ingressCxl != nil {
		a.ingressCxl()
	}
	close(a.publishCh)
	a.publishWG.Wait()
	if a.producer != nil {
		a.producer.Close()
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	a.writeSnapshot(context.Background())
	if a.registry != nil {
		a.registry.remove(a.name, a)
	}
	a.state = StateClosed
	close(a.doneCh)
}

// Attach adds peer to the actor and runs its server-initiated handshake.
func (a *Actor) Attach(ctx context.Context, p Peer) error {
	result := make(chan error, 1)
	select {
	case a.cmdCh <- cmd{kind: cmdAttach, peer: p, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach removes peer. Fire-and-forget: callers do not need the result,
// only the guarantee it runs at most once per peer lifetime.
func (a *Actor) Detach(p Peer) {
	select {
	case a.cmdCh <- cmd{kind: cmdDetach, peer: p}:
	case <-a.doneCh:
	}
}

// IngestLocalFrame applies a frame received from an attached peer.
func (a *Actor) IngestLocalFrame(p Peer, f frame.Frame) {
	select {
	case a.cmdCh <- cmd{kind: cmdFromPeer, peer: p, in: f}:
	case <-a.doneCh:
	}
}

// Close tears the actor down idempotently and waits for completion.
func (a *Actor) Close(ctx context.Context) error {
	result := make(chan error, 1)
	select {
	case a.cmdCh <- cmd{kind: cmdClose, result: result}:
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-a.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports the channel closed when the actor finishes teardown.
func (a *Actor) Done() <-chan struct{} { return a.doneCh }

// State returns the current lifecycle state, for diagnostics/tests.
func (a *Actor) State() State { return a.state }

// Text returns the document's current contents, for diagnostics/tests.
func (a *Actor) Text() string { return a.doc.Text() }

// PeerCount returns the number of currently attached peers.
func (a *Actor) PeerCount() int { return len(a.peers) }
