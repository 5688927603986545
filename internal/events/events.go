// Package events publishes migration lifecycle notifications so operators
// and other cluster components can follow protocol migrations without
// polling the admin API. Several transports are supported; the memory
// transport exists for tests and single-node development.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/logging"
)

// Type classifies a migration event.
type Type string

const (
	TypeMigrationStarted  Type = "migration_started"
	TypeRepairStarted     Type = "repair_started"
	TypeRepairCompleted   Type = "repair_completed"
	TypePhaseChanged      Type = "phase_changed"
	TypeMigrationFinished Type = "migration_finished"
)

// Event is one migration lifecycle notification. Range, Target and Phase
// are rendered strings so consumers do not need this module's types to
// decode the payload.
type Event struct {
	Type     Type      `json:"type"`
	Keyspace string    `json:"keyspace"`
	Table    string    `json:"table,omitempty"`
	Range    string    `json:"range,omitempty"`
	Target   string    `json:"target,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Epoch    uint64    `json:"epoch,omitempty"`
	Time     time.Time `json:"time"`
}

// Handler consumes decoded events. Returning an error requests redelivery
// on transports that support it.
type Handler func(Event) error

// message is one raw payload for batch publishing.
type message struct {
	subject string
	data    []byte
}

// transport moves raw payloads. Implementations are the in-memory bus,
// NATS JetStream, Redis Streams and Kafka.
type transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishBatch(ctx context.Context, messages []message) (int, error)
	Subscribe(subject string, handler func(data []byte) error) error
	Unsubscribe(subject string) error
	Close() error
}

// Bus publishes and consumes migration events over a configured
// transport.
type Bus struct {
	transport transport
	subject   string
	logger    *logging.Logger
}

// New creates a bus from configuration. The transport type defaults to
// NATS when unset.
func New(cfg config.EventsConfig, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.Global()
	}

	eventsType := cfg.Type
	if eventsType == "" {
		eventsType = "nats"
	}

	var (
		t   transport
		err error
	)
	switch eventsType {
	case "nats":
		t, err = newNATSTransport(cfg.URL)
	case "redis":
		t, err = newRedisTransport(redisConfig{
			URL:    cfg.URL,
			DB:     cfg.RedisDB,
			Stream: cfg.RedisStream,
		})
	case "kafka":
		t, err = newKafkaTransport(kafkaConfig{Brokers: cfg.KafkaBrokers})
	case "memory":
		t = newMemoryTransport()
	default:
		return nil, fmt.Errorf("unsupported events transport: %s (supported: nats, redis, kafka, memory)", eventsType)
	}
	if err != nil {
		return nil, err
	}

	subject := cfg.KafkaTopic
	if eventsType != "kafka" || subject == "" {
		subject = "stratum.migration.events"
	}

	return &Bus{transport: t, subject: subject, logger: logger}, nil
}

// newBusWithTransport wires a bus over an existing transport (used in
// tests).
func newBusWithTransport(t transport, subject string, logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Global()
	}
	return &Bus{transport: t, subject: subject, logger: logger}
}

// Publish emits one event. A zero Time is stamped with the current time.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := b.transport.Publish(ctx, b.subject, data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Type, err)
	}
	return nil
}

// PublishBatch emits a batch of events, returning how many were accepted
// by the transport.
func (b *Bus) PublishBatch(ctx context.Context, evs []Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	messages := make([]message, 0, len(evs))
	for _, ev := range evs {
		if ev.Time.IsZero() {
			ev.Time = now
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("failed to encode event: %w", err)
		}
		messages = append(messages, message{subject: b.subject, data: data})
	}

	return b.transport.PublishBatch(ctx, messages)
}

// Subscribe delivers decoded events to handler. Undecodable payloads are
// logged and acknowledged so they do not wedge the subscription.
func (b *Bus) Subscribe(handler Handler) error {
	return b.transport.Subscribe(b.subject, func(data []byte) error {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Warn("Dropping undecodable event payload", "error", err)
			return nil
		}
		return handler(ev)
	})
}

// Close releases the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}
