package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PulsarGateway is the production Gateway, backed by a single shared
// pulsar.Client. Config shape (tenant/namespace/topicPrefix) lives in
// internal/config; this package only needs URL and optional token.
type PulsarGateway struct {
	client pulsar.Client
	log    *zap.Logger
}

// PulsarOptions configures the underlying client connection.
type PulsarOptions struct {
	URL   string
	Token string
}

// NewPulsarGateway dials the broker and returns a ready Gateway.
func NewPulsarGateway(opts PulsarOptions, log *zap.Logger) (*PulsarGateway, error) {
	clientOpts := pulsar.ClientOptions{URL: opts.URL}
	if opts.Token != "" {
		clientOpts.Authentication = pulsar.NewAuthenticationToken(opts.Token)
	}
	client, err := pulsar.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("broker: dial pulsar: %w", err)
	}
	return &PulsarGateway{client: client, log: log}, nil
}

func (g *PulsarGateway) CreateProducer(ctx context.Context, topic string) (Producer, error) {
	p, err := g.client.CreateProducer(pulsar.ProducerOptions{
		Topic: topic,
		// Unique per open, per the external-interface contract that each
		// instance's producer uses a distinct producer name.
		Name:                    "yrelay-" + uuid.NewString(),
		DisableBatching:         false,
		MaxPendingMessages:      1000,
		BlockIfQueueFull:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create producer for %s: %w", topic, err)
	}
	return &pulsarProducer{p: p}, nil
}

func (g *PulsarGateway) Subscribe(ctx context.Context, topic, subscription string) (Consumer, error) {
	c, err := g.client.Subscribe(pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: subscription,
		Type:             pulsar.Shared,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe %s/%s: %w", topic, subscription, err)
	}
	return &pulsarConsumer{c: c}, nil
}

func (g *PulsarGateway) CreateReader(ctx context.Context, topic string, from MessageID, compacted bool) (Reader, error) {
	startID := pulsar.EarliestMessageID()
	if len(from) > 0 {
		id, err := pulsar.DeserializeMessageID(from)
		if err != nil {
			return nil, fmt.Errorf("broker: deserialize checkpoint: %w", err)
		}
		startID = id
	}
	r, err := g.client.CreateReader(pulsar.ReaderOptions{
		Topic:                   topic,
		StartMessageID:          startID,
		StartMessageIDInclusive: false,
		ReadCompacted:           compacted,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create reader for %s: %w", topic, err)
	}
	return &pulsarReader{r: r}, nil
}

func (g *PulsarGateway) HealthCheck(ctx context.Context, healthTopic string) error {
	p, err := g.client.CreateProducer(pulsar.ProducerOptions{
		Topic: healthTopic,
		Name:  "yrelay-health-" + uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("broker: health check create producer: %w", err)
	}
	defer p.Close()
	_, err = p.Send(ctx, &pulsar.ProducerMessage{Payload: []byte{0x00}})
	if err != nil {
		return fmt.Errorf("broker: health check send: %w", err)
	}
	return nil
}

func (g *PulsarGateway) Close() {
	g.client.Close()
}

type pulsarProducer struct{ p pulsar.Producer }

func (p *pulsarProducer) Send(ctx context.Context, payload []byte, properties map[string]string, partitionKey string) error {
	_, err := p.p.Send(ctx, &pulsar.ProducerMessage{
		Payload:    payload,
		Properties: properties,
		Key:        partitionKey,
	})
	return err
}

func (p *pulsarProducer) Close() { p.p.Close() }

type pulsarConsumer struct{ c pulsar.Consumer }

func (c *pulsarConsumer) Receive(ctx context.Context) (Message, error) {
	m, err := c.c.Receive(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, ErrTimeout
		}
		return Message{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return Message{
		ID:         m.ID().Serialize(),
		Payload:    m.Payload(),
		Properties: m.Properties(),
	}, nil
}

func (c *pulsarConsumer) Ack(ctx context.Context, m Message) error {
	id, err := pulsar.DeserializeMessageID(m.ID)
	if err != nil {
		return fmt.Errorf("broker: ack deserialize id: %w", err)
	}
	return c.c.AckID(id)
}

func (c *pulsarConsumer) Close() { c.c.Close() }

type pulsarReader struct{ r pulsar.Reader }

func (r *pulsarReader) ReadNext(ctx context.Context) (Message, error) {
	m, err := r.r.Next(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, ErrTimeout
		}
		return Message{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return Message{
		ID:         m.ID().Serialize(),
		Payload:    m.Payload(),
		Properties: m.Properties(),
	}, nil
}

func (r *pulsarReader) Close() { r.r.Close() }
