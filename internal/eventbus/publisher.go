package eventbus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	jsonCodec "github.com/goccy/go-json"
)

// Publisher wraps a Watermill/NATS publisher bound to core NATS (no
// JetStream) — this bus is observability, not a durable event log, so
// there is nothing worth the extra JetStream provisioning cost the
// teacher's eventprocessor.Publisher pays for its playback-event stream.
type Publisher struct {
	publisher message.Publisher
}

// NewPublisher dials url and returns a Publisher bound to core NATS pub/sub.
func NewPublisher(url string, logger watermill.LoggerAdapter) (*Publisher, error) {
	cfg := wmNats.PublisherConfig{
		URL: url,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
		},
		Marshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: true,
		},
	}

	pub, err := wmNats.NewPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating watermill NATS publisher: %w", err)
	}

	return &Publisher{publisher: pub}, nil
}

// PublishEvent serializes evt as JSON and publishes it to subject.
func (p *Publisher) PublishEvent(ctx context.Context, subject string, evt Event) error {
	data, err := jsonCodec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	return p.publisher.Publish(subject, msg)
}

// Close shuts down the underlying publisher.
func (p *Publisher) Close() error {
	return p.publisher.Close()
}
