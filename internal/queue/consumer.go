package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/fpmatch/internal/models"
)

type EventHandler func(ctx context.Context, ev models.FingerprintEvent) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, err := connect(natsURL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeEvents delivers new fingerprint events to handler until ctx is
// done. Undecodable messages are acked and dropped.
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler EventHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: EventsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				var ev models.FingerprintEvent
				if err := json.Unmarshal(msg.Data(), &ev); err != nil {
					slog.Error("decode fingerprint event", "error", err, "subject", msg.Subject())
					_ = msg.Ack()
					continue
				}
				if err := handler(ctx, ev); err != nil {
					slog.Error("process fingerprint event", "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
