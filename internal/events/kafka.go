package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaConfig holds Kafka settings for the events transport.
type kafkaConfig struct {
	Brokers      []string
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// kafkaTransport moves payloads over Kafka topics with a consumer
// group.
type kafkaTransport struct {
	config        kafkaConfig
	writers       map[string]*kafka.Writer
	readers       map[string]*kafka.Reader
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newKafkaTransport(cfg kafkaConfig) (*kafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	if cfg.GroupID == "" {
		cfg.GroupID = "stratum-group"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	return &kafkaTransport{
		config:        cfg,
		writers:       make(map[string]*kafka.Writer),
		readers:       make(map[string]*kafka.Reader),
		subscriptions: make(map[string]context.CancelFunc),
	}, nil
}

func (t *kafkaTransport) getOrCreateWriter(topic string) *kafka.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if writer, exists := t.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(t.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    t.config.BatchSize,
		BatchTimeout: t.config.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  t.config.MaxRetries,
	}

	t.writers[topic] = writer
	return writer
}

func (t *kafkaTransport) Publish(ctx context.Context, subject string, data []byte) error {
	writer := t.getOrCreateWriter(subject)

	err := writer.WriteMessages(ctx, kafka.Message{
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", subject, err)
	}

	return nil
}

func (t *kafkaTransport) PublishBatch(ctx context.Context, messages []message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	topicMessages := make(map[string][]kafka.Message)
	for _, msg := range messages {
		topicMessages[msg.subject] = append(topicMessages[msg.subject], kafka.Message{
			Value: msg.data,
			Time:  time.Now(),
		})
	}

	successCount := 0
	var lastErr error
	for topic, msgs := range topicMessages {
		writer := t.getOrCreateWriter(topic)
		if err := writer.WriteMessages(ctx, msgs...); err != nil {
			lastErr = err
			continue
		}
		successCount += len(msgs)
	}

	if lastErr != nil && successCount == 0 {
		return 0, fmt.Errorf("failed to publish batch: %w", lastErr)
	}

	return successCount, nil
}

func (t *kafkaTransport) Subscribe(subject string, handler func(data []byte) error) error {
	t.mu.Lock()
	if _, exists := t.subscriptions[subject]; exists {
		t.mu.Unlock()
		return fmt.Errorf("already subscribed to topic: %s", subject)
	}
	t.mu.Unlock()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.config.Brokers,
		GroupID:        t.config.GroupID,
		Topic:          subject,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.readers[subject] = reader
	t.subscriptions[subject] = cancel
	t.mu.Unlock()

	go t.consumeMessages(ctx, reader, handler)

	return nil
}

func (t *kafkaTransport) consumeMessages(ctx context.Context, reader *kafka.Reader, handler func(data []byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := handler(msg.Value); err != nil {
			// No commit, the message will be redelivered.
			continue
		}

		for i := 0; i < t.config.MaxRetries; i++ {
			if err := reader.CommitMessages(ctx, msg); err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(t.config.RetryBackoff)
		}
	}
}

func (t *kafkaTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cancel, exists := t.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", subject)
	}

	cancel()

	if reader, ok := t.readers[subject]; ok {
		_ = reader.Close()
		delete(t.readers, subject)
	}

	delete(t.subscriptions, subject)
	return nil
}

func (t *kafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastErr error

	for subject, cancel := range t.subscriptions {
		cancel()
		if reader, ok := t.readers[subject]; ok {
			if err := reader.Close(); err != nil {
				lastErr = err
			}
		}
		delete(t.subscriptions, subject)
		delete(t.readers, subject)
	}

	for topic, writer := range t.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
		}
		delete(t.writers, topic)
	}

	return lastErr
}
