// Package broker abstracts the message broker: producer, subscribing
// consumer, replay reader, and a supervised shared client, so the
// Document Actor and the rest of the relay never import a broker SDK
// directly.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected is returned by Consumer.Receive and Reader.ReadNext when
// the underlying connection has been confirmed dead (as opposed to a
// per-call timeout, which is not an error).
var ErrDisconnected = errors.New("broker: disconnected")

// ErrTimeout is returned by Reader.ReadNext when no message arrived within
// the caller's deadline. It bounds the replay window; it is not a failure.
var ErrTimeout = errors.New("broker: read timeout")

// MessageID is a broker message id in its canonical binary encoding, used
// verbatim as the Snapshot Record's checkpoint field (base64'd by the
// codec before storage).
type MessageID []byte

// Message is one broker message as delivered to a consumer or reader.
type Message struct {
	ID         MessageID
	Payload    []byte
	Properties map[string]string
}

// Producer publishes to one topic. Send returns once the broker has
// acknowledged the message (or ctx ends); the actor calls it from its own
// publisher goroutine so the local hot path never waits on broker ack,
// per the egress policy.
type Producer interface {
	Send(ctx context.Context, payload []byte, properties map[string]string, partitionKey string) error
	Close()
}

// Consumer receives from a shared subscription on one topic.
type Consumer interface {
	Receive(ctx context.Context) (Message, error)
	Ack(ctx context.Context, m Message) error
	Close()
}

// Reader replays a topic from a given position, used only during actor
// startup. ReadNext respects ctx's deadline and returns ErrTimeout (not an
// error to the caller's retry logic) when nothing arrives in time.
type Reader interface {
	ReadNext(ctx context.Context) (Message, error)
	Close()
}

// Gateway is the factory abstraction over the broker (C1 in the design).
// Implementations: PulsarGateway (production) and brokertest.Gateway
// (tests).
type Gateway interface {
	// CreateProducer opens a producer bound to topic with a unique
	// producer name for this open.
	CreateProducer(ctx context.Context, topic string) (Producer, error)
	// Subscribe opens a shared-subscription consumer.
	Subscribe(ctx context.Context, topic, subscription string) (Consumer, error)
	// CreateReader opens a replay reader. If from is nil, reading starts
	// at the earliest message. compacted requests the broker's
	// latest-message-per-key view where supported.
	CreateReader(ctx context.Context, topic string, from MessageID, compacted bool) (Reader, error)
	// HealthCheck creates a short-lived producer on a dedicated
	// health-check topic, sends one byte, and closes it.
	HealthCheck(ctx context.Context, healthTopic string) error
	// Close releases the underlying client connection. Idempotent.
	Close()
}

// TopicName builds the persistent topic path for a document name.
func TopicName(tenant, namespace, topicPrefix, docName string) string {
	return fmt.Sprintf("persistent://%s/%s/%s%s", tenant, namespace, topicPrefix, docName)
}

// SubscriptionName builds the shared-subscription name for a document.
func SubscriptionName(docName string) string {
	return docName + "-subscription"
}

// RetryCreate retries fn up to attempts times with a fixed backoff between
// attempts, matching the actor's broker-creation retry policy (3 attempts,
// 1s backoff in production; callers pass their own values so tests can use
// a shorter backoff).
func RetryCreate(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("broker: retry exhausted after %d attempts: %w", attempts, lastErr)
}
