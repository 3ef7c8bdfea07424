// internal/event/nats.go
// Package event provides NATS JetStream implementation for pipeline event
// publishing. It streams chunk reports and registration events to support
// downstream consumers and audit trails, and subscribes to object-created
// notifications that trigger manifest processing.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/heliocloud/registration-go/internal/model"
)

// Subjects and streams used by the pipeline.
const (
	streamIngest  = "REG_INGEST"
	streamReports = "REG_REPORTS"

	subjectObjectCreated  = "reg.ingest.object.created"
	subjectChunkReport    = "reg.reports.chunk"
	subjectFileRegistered = "reg.reports.file.registered"

	ingestQueueGroup = "registrard"
)

// Publisher defines the event publishing operations used by the pipeline.
type Publisher interface {
	// PublishObjectCreated announces an object landing in the staging bucket.
	PublishObjectCreated(ctx context.Context, ev model.ObjectCreatedEvent) error

	// PublishChunkReport emits the fan-in record for one dispatched chunk.
	PublishChunkReport(ctx context.Context, report model.ChunkReport) error

	// PublishFileRegistered announces one file reaching its DONE state.
	PublishFileRegistered(ctx context.Context, rec model.RegisteredFile) error

	// Close closes the publisher connection.
	Close() error
}

// Subscriber receives object-created events and hands them to a callback.
type Subscriber interface {
	// SubscribeObjectCreated registers the handler on a queue group so that
	// each event is processed by exactly one daemon instance.
	SubscribeObjectCreated(handler func(ctx context.Context, ev model.ObjectCreatedEvent)) error
	Close() error
}

// noop is a no-op implementation of Publisher and Subscriber for when NATS is
// not configured. It lets the daemon run standalone, with manifest processing
// driven by polling or direct calls instead of events.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishObjectCreated(ctx context.Context, ev model.ObjectCreatedEvent) error {
	return nil
}

func (n *noop) PublishChunkReport(ctx context.Context, report model.ChunkReport) error {
	return nil
}

func (n *noop) PublishFileRegistered(ctx context.Context, rec model.RegisteredFile) error {
	return nil
}

func (n *noop) SubscribeObjectCreated(handler func(ctx context.Context, ev model.ObjectCreatedEvent)) error {
	return nil
}

// Bus is the NATS JetStream implementation of Publisher and Subscriber.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Chunk reports are idempotent but noisy under retries; publishes for the
	// same chunk key are deduplicated within a short window.
	reportDedup map[string]time.Time
	mutex       sync.RWMutex

	subs []*nats.Subscription
}

// NewBus connects to NATS at the given URL. An empty URL, a failed
// connection, or failed stream initialization all degrade to the no-op
// implementation so the pipeline keeps working without an event bus.
func NewBus(url string) (Publisher, Subscriber) {
	if url == "" {
		n := &noop{}
		return n, n
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop event bus", "error", err)
		n := &noop{}
		return n, n
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop event bus", "error", err)
		nc.Close()
		n := &noop{}
		return n, n
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop event bus", "error", err)
		nc.Close()
		n := &noop{}
		return n, n
	}

	b := &Bus{
		nc:          nc,
		js:          js,
		reportDedup: make(map[string]time.Time),
	}
	return b, b
}

// initStreams creates the pipeline streams if they do not already exist.
func initStreams(js nats.JetStreamContext) error {
	// REG_INGEST carries bucket notifications that trigger manifest runs.
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamIngest,
		Subjects:  []string{"reg.ingest.*.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamIngest, err)
	}

	// REG_REPORTS carries chunk reports and per-file registration events.
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamReports,
		Subjects:  []string{"reg.reports.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamReports, err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure. All events
// published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close drains subscriptions and closes the NATS connection.
func (b *Bus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// shouldDedup reports whether an event under key was published within the
// 2-minute dedup window.
func (b *Bus) shouldDedup(key string) bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if lastTime, exists := b.reportDedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish for key and prunes stale entries.
func (b *Bus) updateDedup(key string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range b.reportDedup {
		if t.Before(cutoff) {
			delete(b.reportDedup, k)
		}
	}
	b.reportDedup[key] = time.Now()
}

func (b *Bus) publish(subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(subject, data)
	return err
}

// PublishObjectCreated publishes a staging-bucket notification.
func (b *Bus) PublishObjectCreated(ctx context.Context, ev model.ObjectCreatedEvent) error {
	return b.publish(subjectObjectCreated, subjectObjectCreated, ev)
}

// PublishChunkReport publishes the terminal report for one chunk.
func (b *Bus) PublishChunkReport(ctx context.Context, report model.ChunkReport) error {
	if b.shouldDedup(report.ChunkKey) {
		return nil
	}
	if err := b.publish(subjectChunkReport, subjectChunkReport, report); err != nil {
		return err
	}
	b.updateDedup(report.ChunkKey)
	return nil
}

// PublishFileRegistered publishes a per-file registration event.
func (b *Bus) PublishFileRegistered(ctx context.Context, rec model.RegisteredFile) error {
	return b.publish(subjectFileRegistered, subjectFileRegistered, rec)
}

// SubscribeObjectCreated consumes staging-bucket notifications on a queue
// group. The handler receives the unwrapped payload; undecodable messages are
// logged and dropped rather than redelivered forever.
func (b *Bus) SubscribeObjectCreated(handler func(ctx context.Context, ev model.ObjectCreatedEvent)) error {
	sub, err := b.js.QueueSubscribe(subjectObjectCreated, ingestQueueGroup, func(msg *nats.Msg) {
		var envelope struct {
			Payload model.ObjectCreatedEvent `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			slog.Error("dropping undecodable object-created event", "error", err)
			_ = msg.Ack()
			return
		}
		handler(context.Background(), envelope.Payload)
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subjectObjectCreated, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}
