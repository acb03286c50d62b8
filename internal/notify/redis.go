package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tispace-dev/tispace/internal/reconciler"
)

const lifecycleChannel = "tispace:lifecycle"

// NewRedisClient creates a Redis client from a connection URL and verifies
// connectivity before returning it.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// eventWire is the JSON shape published to the lifecycle channel.
type eventWire struct {
	Owner   string `json:"owner"`
	Name    string `json:"name"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

// Publisher publishes reconciler.Event values to a Redis pub/sub channel.
// It implements reconciler.EventPublisher. Publish failures are logged,
// never returned — a notification backlog must never slow the reconciler.
type Publisher struct {
	client *redis.Client
	log    *slog.Logger
}

// NewPublisher builds a Redis-backed event publisher.
func NewPublisher(client *redis.Client, log *slog.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// Publish fires the event to the lifecycle channel without blocking the
// caller on delivery.
func (p *Publisher) Publish(ctx context.Context, ev reconciler.Event) {
	data, err := json.Marshal(eventWire{
		Owner: ev.Owner, Name: ev.Name,
		From: string(ev.From), To: string(ev.To), Message: ev.Message,
	})
	if err != nil {
		if p.log != nil {
			p.log.Error("marshaling lifecycle event", "error", err)
		}
		return
	}
	if err := p.client.Publish(ctx, lifecycleChannel, data).Err(); err != nil {
		if p.log != nil {
			p.log.Warn("publishing lifecycle event", "error", err)
		}
	}
}

// Subscriber drains the lifecycle channel and forwards each event to a
// SlackNotifier. Run blocks until ctx is canceled.
type Subscriber struct {
	client   *redis.Client
	notifier *SlackNotifier
	log      *slog.Logger
}

// NewSubscriber builds a subscriber that forwards lifecycle events to Slack.
func NewSubscriber(client *redis.Client, notifier *SlackNotifier, log *slog.Logger) *Subscriber {
	return &Subscriber{client: client, notifier: notifier, log: log}
}

// Run subscribes to the lifecycle channel and posts each event to Slack
// until ctx is canceled. Only transitions worth an operator's attention —
// Missing, first reach of Running, and any event carrying a message (a
// permanent error) — are forwarded; routine Creating/Starting churn is not.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, lifecycleChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload string) {
	var ev eventWire
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		if s.log != nil {
			s.log.Error("unmarshaling lifecycle event", "error", err)
		}
		return
	}

	if !worthNotifying(ev) {
		return
	}

	text := fmt.Sprintf("%s → %s", ev.From, ev.To)
	if ev.Message != "" {
		text = ev.Message
	}
	if err := s.notifier.Notify(ctx, ev.Owner, ev.Name, text); err != nil {
		if s.log != nil {
			s.log.Warn("delivering slack notification", "error", err)
		}
	}
}

func worthNotifying(ev eventWire) bool {
	if ev.Message != "" {
		return true
	}
	return ev.To == "Missing" || ev.To == "Running"
}
