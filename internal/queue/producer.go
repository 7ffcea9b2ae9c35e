package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sethvargo/go-retry"

	"github.com/your-org/fpmatch/internal/models"
)

const (
	EventsStreamName  = "FINGERPRINTS"
	EventsSubjectBase = "fingerprints"
)

// Subject returns the subject an event of type t is published on.
func Subject(t models.EventType) string {
	return EventsSubjectBase + "." + string(t)
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, err := connect(natsURL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

func connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// EnsureStreams creates the event stream if it doesn't exist, retrying
// while NATS starts up.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        EventsStreamName,
		Subjects:    []string{EventsSubjectBase + ".>"},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      24 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Description: "Fingerprint registration and match decisions",
	}

	attempt := 0
	backoff := retry.WithMaxRetries(29, retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := p.js.CreateOrUpdateStream(opCtx, cfg); err != nil {
			slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, attempt)
	}
	slog.Info("ensured NATS stream", "name", cfg.Name)
	return nil
}

// PublishEvent publishes a registration or match decision.
func (p *Producer) PublishEvent(ctx context.Context, ev models.FingerprintEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, Subject(ev.Type), payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
