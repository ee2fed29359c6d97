package brokertest

import (
	"context"
	"errors"

	"github.com/Polqt/yrelay/internal/broker"
)

var (
	errFakeTransient  = errors.New("brokertest: transient create failure")
	errFakeHealthDown = errors.New("brokertest: health check down")
	errFakeClosed     = errors.New("brokertest: closed")
)

type fakeProducer struct {
	gw        *Gateway
	topicName string
}

func (p *fakeProducer) Send(ctx context.Context, payload []byte, properties map[string]string, partitionKey string) error {
	p.gw.Publish(p.topicName, payload, properties)
	return nil
}

func (p *fakeProducer) Close() {}

type fakeConsumer struct {
	topic        *topicLog
	subscription string
}

func (c *fakeConsumer) Receive(ctx context.Context) (broker.Message, error) {
	c.topic.mu.Lock()
	defer c.topic.mu.Unlock()
	for c.topic.subs[c.subscription] >= len(c.topic.messages) {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.topic.cond.Broadcast()
			case <-done:
			}
		}()
		c.topic.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return broker.Message{}, broker.ErrTimeout
			}
			return broker.Message{}, broker.ErrDisconnected
		}
	}
	idx := c.topic.subs[c.subscription]
	m := c.topic.messages[idx]
	c.topic.subs[c.subscription] = idx + 1
	return m, nil
}

func (c *fakeConsumer) Ack(ctx context.Context, m broker.Message) error { return nil }

func (c *fakeConsumer) Close() {}

type fakeReader struct {
	topic *topicLog
	pos   int
}

func (r *fakeReader) ReadNext(ctx context.Context) (broker.Message, error) {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	if r.pos >= len(r.topic.messages) {
		return broker.Message{}, broker.ErrTimeout
	}
	m := r.topic.messages[r.pos]
	r.pos++
	return m, nil
}

func (r *fakeReader) Close() {}

// fakeCompactedReader returns only the latest message per properties["key"]
// (the fake's stand-in for a broker partition key), approximating a
// compacted-view read.
type fakeCompactedReader struct {
	topic    *topicLog
	pos      int
	compiled []broker.Message
	done     bool
}

func (r *fakeCompactedReader) compile() {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	latest := make(map[string]broker.Message)
	var order []string
	for _, m := range r.topic.messages[min(r.pos, len(r.topic.messages)):] {
		key := m.Properties["key"]
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}
		latest[key] = m
	}
	for _, k := range order {
		r.compiled = append(r.compiled, latest[k])
	}
	r.done = true
}

func (r *fakeCompactedReader) ReadNext(ctx context.Context) (broker.Message, error) {
	if !r.done {
		r.compile()
	}
	if len(r.compiled) == 0 {
		return broker.Message{}, broker.ErrTimeout
	}
	m := r.compiled[0]
	r.compiled = r.compiled[1:]
	return m, nil
}

func (r *fakeCompactedReader) Close() {}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
