// Package sink delivers drained pull items downstream.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/puller"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "export_sink_messages_total",
		Help: "Total number of batches written downstream by result",
	}, []string{"result"})

	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_sink_write_duration_seconds",
		Help:    "Time spent writing one batch downstream",
		Buckets: prometheus.DefBuckets,
	})
)

// Message header keys.
const (
	HeaderTenant          = "tenant"
	HeaderType            = "type"
	HeaderSubtype         = "subtype"
	HeaderIndex           = "index"
	HeaderRecordCount     = "record_count"
	HeaderContentEncoding = "content_encoding"
)

// Sink receives one non-terminal item at a time.
type Sink interface {
	Deliver(ctx context.Context, it puller.Item) error
}

// Writer is the subset of *kafka.Writer used by KafkaSink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig configures a Kafka writer.
type WriterConfig struct {
	Brokers   []string
	Topic     string
	BatchSize int

	// Balancer is "hash" (default) or "roundrobin".
	Balancer string
}

// NewKafkaWriter creates a Kafka writer. Messages are keyed by tenant and
// subtype, so the hash balancer keeps each subtype's batches in order.
func NewKafkaWriter(cfg WriterConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		BatchSize:    cfg.BatchSize,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	if cfg.Balancer == "roundrobin" {
		w.Balancer = &kafka.RoundRobin{}
	}
	return w
}

// KafkaSink writes items to Kafka.
type KafkaSink struct {
	writer Writer
	tenant string
	logger zerolog.Logger
}

// NewKafkaSink creates a sink for one tenant.
func NewKafkaSink(w Writer, tenantName string, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, tenant: tenantName, logger: logger}
}

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, it puller.Item) error {
	msg, err := Message(s.tenant, it)
	if err != nil {
		return err
	}

	timer := prometheus.NewTimer(writeDuration)
	err = s.writer.WriteMessages(ctx, msg)
	timer.ObserveDuration()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			messagesTotal.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("write %s batch to kafka: %w", it.Subtype, err)
	}
	messagesTotal.WithLabelValues("success").Inc()
	s.logger.Debug().
		Str("subtype", it.Subtype).
		Int("records", it.RecordCount).
		Msg("Batch written to kafka")
	return nil
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Message renders an item as a Kafka message. Compressed payloads are
// passed through; uncompressed historical records become {"result": [...]}.
func Message(tenantName string, it puller.Item) (kafka.Message, error) {
	value := it.Payload
	encoding := "gzip"
	if value == nil {
		data, err := json.Marshal(map[string][]json.RawMessage{"result": it.Records})
		if err != nil {
			return kafka.Message{}, fmt.Errorf("encode records: %w", err)
		}
		value = data
		encoding = "identity"
	}

	return kafka.Message{
		Key:   []byte(tenantName + "/" + it.DataType + "/" + it.Subtype),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderTenant, Value: []byte(tenantName)},
			{Key: HeaderType, Value: []byte(it.DataType)},
			{Key: HeaderSubtype, Value: []byte(it.Subtype)},
			{Key: HeaderIndex, Value: []byte(it.Index)},
			{Key: HeaderRecordCount, Value: []byte(strconv.Itoa(it.RecordCount))},
			{Key: HeaderContentEncoding, Value: []byte(encoding)},
		},
	}, nil
}

// LogSink only logs items. It stands in when no broker is configured.
type LogSink struct {
	Logger zerolog.Logger
}

// Deliver implements Sink.
func (s LogSink) Deliver(_ context.Context, it puller.Item) error {
	s.Logger.Info().
		Str("subtype", it.Subtype).
		Str("index", it.Index).
		Int("records", it.RecordCount).
		Msg("Batch drained")
	return nil
}

// Summary describes one consumed drain.
type Summary struct {
	Batches int
	Records int
	Skipped int

	// Backoff lists the subtypes whose worker ended on an auth failure.
	Backoff []string
}

// NextRun is how long a scheduler should wait before the next cycle.
func (s Summary) NextRun(def time.Duration) time.Duration {
	if len(s.Backoff) > 0 {
		return puller.BackoffWait
	}
	return def
}

// Consume delivers every non-empty batch of items to sink. Terminal items
// only contribute their backoff flag. A delivery error stops consumption.
func Consume(ctx context.Context, items iter.Seq[puller.Item], sink Sink) (Summary, error) {
	var sum Summary
	for it := range items {
		if it.Terminal {
			if it.ApplyBackoff {
				sum.Backoff = append(sum.Backoff, it.Subtype)
			}
			continue
		}
		if !it.NonEmpty {
			sum.Skipped++
			continue
		}
		if err := sink.Deliver(ctx, it); err != nil {
			return sum, err
		}
		sum.Batches++
		sum.Records += it.RecordCount
	}
	return sum, nil
}
