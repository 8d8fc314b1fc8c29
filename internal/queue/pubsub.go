package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Source   string
}

type wakeEvent struct {
	Source string    `json:"source"`
	SentAt time.Time `json:"sent_at"`
}

// RedisNotifier publishes wake signals on a Redis channel so a submission in
// any process wakes every subscribed worker loop.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	source  string
	logger  zerolog.Logger
}

func NewRedisNotifier(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisNotifier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisNotifierFromClient(client, cfg.Channel, cfg.Source, logger), nil
}

func NewRedisNotifierFromClient(client *redis.Client, channel, source string, logger zerolog.Logger) *RedisNotifier {
	if channel == "" {
		channel = "content_worker:wake"
	}
	if source == "" {
		source, _ = os.Hostname()
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		source:  source,
		logger:  logger.With().Str("component", "wake").Str("channel", channel).Logger(),
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) NotifyWorkAvailable(ctx context.Context) error {
	payload, err := sonic.Marshal(wakeEvent{Source: n.source, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode wake event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish wake event: %w", err)
	}
	return nil
}

// Subscribe calls target.Notify for every wake event until ctx is done. The
// subscription is confirmed before Subscribe starts delivering.
func (n *RedisNotifier) Subscribe(ctx context.Context, target Waker) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return errors.New("wake subscription closed")
			}
			var event wakeEvent
			if err := sonic.UnmarshalString(message.Payload, &event); err != nil {
				n.logger.Warn().Err(err).Msg("ignoring malformed wake event")
				continue
			}
			n.logger.Debug().Str("source", event.Source).Msg("wake event received")
			target.Notify()
		}
	}
}
