package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsTransport moves payloads over NATS JetStream. Events are persisted
// to a file-backed stream so a subscriber that joins late still sees the
// full migration history.
type natsTransport struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subscriptions map[string]*nats.Subscription
	mu            sync.RWMutex
}

func newNATSTransport(url string) (*natsTransport, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &natsTransport{
		conn:          conn,
		js:            js,
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

// newNATSTransportWithConn wires a transport over an existing connection
// (used in tests with an embedded server).
func newNATSTransportWithConn(conn *nats.Conn) (*natsTransport, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &natsTransport{
		conn:          conn,
		js:            js,
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

func (t *natsTransport) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := t.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

// PublishBatch queues all messages asynchronously and waits for the
// server to acknowledge the batch.
func (t *natsTransport) PublishBatch(ctx context.Context, messages []message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	futures := make([]nats.PubAckFuture, 0, len(messages))
	for _, msg := range messages {
		future, err := t.js.PublishAsync(msg.subject, msg.data)
		if err != nil {
			continue
		}
		futures = append(futures, future)
	}

	select {
	case <-t.js.PublishAsyncComplete():
	case <-ctx.Done():
		return len(futures), fmt.Errorf("timeout waiting for batch publish: %w", ctx.Err())
	}

	successCount := 0
	for _, future := range futures {
		select {
		case <-future.Ok():
			successCount++
		case <-future.Err():
		default:
			// Acked as part of PublishAsyncComplete.
			successCount++
		}
	}

	return successCount, nil
}

func (t *natsTransport) Subscribe(subject string, handler func(data []byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	streamName := "stratum-" + sanitizeName(subject)
	_, err := t.js.StreamInfo(streamName)
	if err != nil {
		_, err = t.js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream for subject %s: %w", subject, err)
		}
	}

	durableName := "consumer-" + sanitizeName(subject)

	sub, err := t.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.MaxAckPending(100),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	t.subscriptions[subject] = sub
	return nil
}

func (t *natsTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", subject, err)
	}

	delete(t.subscriptions, subject)
	return nil
}

func (t *natsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for subject, sub := range t.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			continue
		}
		delete(t.subscriptions, subject)
	}

	t.conn.Close()
	return nil
}

// sanitizeName replaces characters that are invalid in stream and
// consumer names. Only A-Z, a-z, 0-9, dash and underscore survive.
func sanitizeName(subject string) string {
	result := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
