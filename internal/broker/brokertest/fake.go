// Package brokertest provides an in-memory broker.Gateway for unit tests,
// standing in for a live Pulsar cluster so the Document Actor's loop-
// breaking and replay logic can be exercised without network I/O.
package brokertest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/Polqt/yrelay/internal/broker"
)

// Gateway is a single-process fake broker: each topic is an append-only
// in-memory log shared by every consumer/reader opened against it, with a
// shared-subscription offset per subscription name.
type Gateway struct {
	mu     sync.Mutex
	topics map[string]*topicLog
	closed bool

	// FailHealthCheck, when true, makes HealthCheck return an error, for
	// exercising Supervisor rebuild paths.
	FailHealthCheck bool
	// FailNextCreateProducer, when > 0, makes the next N CreateProducer
	// calls fail, for exercising the actor's retry-with-backoff path.
	FailNextCreateProducer int
}

type topicLog struct {
	mu       sync.Mutex
	messages []broker.Message
	cond     *sync.Cond
	subs     map[string]int // subscription name -> next unread index
}

// New creates an empty fake gateway.
func New() *Gateway {
	return &Gateway{topics: make(map[string]*topicLog)}
}

func (g *Gateway) topic(name string) *topicLog {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.topics[name]
	if !ok {
		t = &topicLog{subs: make(map[string]int)}
		t.cond = sync.NewCond(&t.mu)
		g.topics[name] = t
	}
	return t
}

func (g *Gateway) CreateProducer(ctx context.Context, topicName string) (broker.Producer, error) {
	g.mu.Lock()
	if g.FailNextCreateProducer > 0 {
		g.FailNextCreateProducer--
		g.mu.Unlock()
		return nil, errFakeTransient
	}
	g.mu.Unlock()
	return &fakeProducer{gw: g, topicName: topicName}, nil
}

func (g *Gateway) Subscribe(ctx context.Context, topicName, subscription string) (broker.Consumer, error) {
	t := g.topic(topicName)
	t.mu.Lock()
	if _, ok := t.subs[subscription]; !ok {
		t.subs[subscription] = 0
	}
	t.mu.Unlock()
	return &fakeConsumer{topic: t, subscription: subscription}, nil
}

func (g *Gateway) CreateReader(ctx context.Context, topicName string, from broker.MessageID, compacted bool) (broker.Reader, error) {
	t := g.topic(topicName)
	start := 0
	if len(from) == 8 {
		start = int(binary.BigEndian.Uint64(from)) + 1
	}
	if compacted {
		return &fakeCompactedReader{topic: t, pos: start}, nil
	}
	return &fakeReader{topic: t, pos: start}, nil
}

func (g *Gateway) HealthCheck(ctx context.Context, healthTopic string) error {
	if g.FailHealthCheck {
		return errFakeHealthDown
	}
	return nil
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// Publish lets a test inject a message directly, simulating a message
// published by another instance.
func (g *Gateway) Publish(topicName string, payload []byte, properties map[string]string) {
	t := g.topic(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	id := make(broker.MessageID, 8)
	binary.BigEndian.PutUint64(id, uint64(len(t.messages)))
	t.messages = append(t.messages, broker.Message{ID: id, Payload: payload, Properties: properties})
	t.cond.Broadcast()
}
