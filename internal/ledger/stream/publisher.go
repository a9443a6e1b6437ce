// Package stream publishes committed audit events to Kafka for downstream
// consumers (SIEM pipelines, reporting warehouses).
//
// The ledger's Postgres row is the source of truth; this publisher is
// best-effort fan-out. Records are produced asynchronously and failures are
// logged and counted, never propagated into the append path.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"attest/internal/ledger"
)

// Publisher produces audit events onto a Kafka topic keyed by chain, so one
// chain's events land in one partition in order.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New builds a Kafka publisher. Brokers in host:port form.
func New(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish produces one event record, fire-and-forget.
func (p *Publisher) Publish(ctx context.Context, ev *ledger.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(ev.ChainID.String()),
		Value: payload,
		Topic: p.topic,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("audit event produce failed",
				"event_id", ev.ID.String(),
				"chain_id", ev.ChainID.String(),
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes pending records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	p.client.Close()
	return nil
}
