package events

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisConfig holds Redis Streams settings for the events transport.
type redisConfig struct {
	URL      string
	Password string
	DB       int
	Stream   string // stream name prefix
	Group    string // consumer group name
	Consumer string // consumer name, defaults to hostname
}

// redisTransport moves payloads over Redis Streams with a consumer
// group, so each event is handled by one consumer per group.
type redisTransport struct {
	client        *redis.Client
	config        redisConfig
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newRedisTransport(cfg redisConfig) (*redisTransport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.Stream == "" {
		cfg.Stream = "stratum"
	}
	if cfg.Group == "" {
		cfg.Group = "stratum-group"
	}
	if cfg.Consumer == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "consumer-1"
		}
		cfg.Consumer = hostname
	}

	return &redisTransport{
		client:        client,
		config:        cfg,
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (t *redisTransport) streamName(subject string) string {
	return fmt.Sprintf("%s:%s", t.config.Stream, subject)
}

func (t *redisTransport) Publish(ctx context.Context, subject string, data []byte) error {
	stream := t.streamName(subject)

	_, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis stream %s: %w", stream, err)
	}

	return nil
}

func (t *redisTransport) PublishBatch(ctx context.Context, messages []message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	pipe := t.client.Pipeline()
	for _, msg := range messages {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: t.streamName(msg.subject),
			ID:     "*",
			Values: map[string]interface{}{
				"data": msg.data,
			},
		})
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to execute batch publish: %w", err)
	}

	successCount := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			successCount++
		}
	}

	return successCount, nil
}

func (t *redisTransport) Subscribe(subject string, handler func(data []byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	stream := t.streamName(subject)
	ctx, cancel := context.WithCancel(context.Background())

	err := t.client.XGroupCreateMkStream(ctx, stream, t.config.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		cancel()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go t.readStream(ctx, stream, handler)

	t.subscriptions[subject] = cancel
	return nil
}

func (t *redisTransport) readStream(ctx context.Context, stream string, handler func(data []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.config.Group,
			Consumer: t.config.Consumer,
			Streams:  []string{stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			// redis.Nil means no new messages, anything else retries too.
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					t.client.XAck(ctx, stream, t.config.Group, msg.ID)
					continue
				}

				if err := handler([]byte(data)); err != nil {
					// No ACK, the message will be redelivered.
					continue
				}

				t.client.XAck(ctx, stream, t.config.Group, msg.ID)
			}
		}
	}
}

func (t *redisTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cancel, exists := t.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	cancel()
	delete(t.subscriptions, subject)
	return nil
}

func (t *redisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for subject, cancel := range t.subscriptions {
		cancel()
		delete(t.subscriptions, subject)
	}

	return t.client.Close()
}
