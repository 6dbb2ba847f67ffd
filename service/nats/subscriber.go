package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// SubscribeOptions selects which purchase events are delivered.
type SubscribeOptions struct {
	// Account limits delivery to one account. Empty means all accounts.
	Account string
	// Replay delivers every retained event before new ones.
	Replay bool
}

// Subscribe delivers purchase events to handler until ctx is done. Events
// that cannot be decoded are logged and skipped.
func Subscribe(ctx context.Context, natsURL string, opts SubscribeOptions, logger *slog.Logger, handler func(*PurchaseEvent)) error {
	nc, err := Connect(natsURL, "idosale-subscriber")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := StreamSubjects
	if opts.Account != "" {
		subject = Subject(opts.Account)
	}
	policy := jetstream.DeliverNewPolicy
	if opts.Replay {
		policy = jetstream.DeliverAllPolicy
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  policy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event PurchaseEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("skipping malformed purchase event", "subject", msg.Subject(), "error", err)
			return
		}
		handler(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	logger.Debug("subscribed to purchase events", "subject", subject, "replay", opts.Replay)
	<-ctx.Done()
	return nil
}
