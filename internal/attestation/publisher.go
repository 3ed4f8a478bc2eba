package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbd888/finaiguard/internal/report"
)

// Publisher delivers attestations to an external collaborator (an
// anchoring service, a ledger writer, an archive).
type Publisher interface {
	Name() string
	Publish(ctx context.Context, a *report.Attestation) error
}

// LogPublisher writes attestations to the structured log. It is the
// fallback when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, a *report.Attestation) error {
	p.logger.Info("chain head attested",
		"chain", a.ChainID,
		"length", a.Length,
		"head_hash", a.HeadHash,
		"proof_hash", a.ProofHash,
		"algorithm", a.Algorithm,
		"signer", a.Signer,
	)
	return nil
}

// Producer is the part of *kgo.Client the Kafka publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher produces one JSON record per attestation, keyed by chain
// ID so a chain's attestations stay ordered within a partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

// NewKafkaPublisher connects to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{producer: client, topic: topic}, nil
}

// NewKafkaPublisherWithProducer allows injecting a test producer.
func NewKafkaPublisherWithProducer(p Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, a *report.Attestation) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(a.ChainID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "algorithm", Value: []byte(a.Algorithm)},
		},
	}
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce attestation for %s: %w", a.ChainID, err)
	}
	return nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() {
	p.producer.Close()
}
