package sink

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/puller"
)

type mockKafkaWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (m *mockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockKafkaWriter) Close() error {
	m.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name         string
		item         puller.Item
		wantValue    string
		wantEncoding string
	}{
		{
			name:         "compressed payload",
			item:         puller.Item{Payload: []byte("gz"), DataType: "event", Subtype: "audit", Index: "idx", RecordCount: 3},
			wantValue:    "gz",
			wantEncoding: "gzip",
		},
		{
			name: "historical records",
			item: puller.Item{
				Records:     []json.RawMessage{json.RawMessage(`{"timestamp":1}`)},
				DataType:    "event",
				Subtype:     "audit",
				RecordCount: 1,
			},
			wantValue:    `{"result":[{"timestamp":1}]}`,
			wantEncoding: "identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Message("acme", tt.item)
			if err != nil {
				t.Fatalf("Message() error = %v", err)
			}
			if string(msg.Value) != tt.wantValue {
				t.Errorf("Value = %q, want %q", msg.Value, tt.wantValue)
			}
			if string(msg.Key) != "acme/event/audit" {
				t.Errorf("Key = %q, want acme/event/audit", msg.Key)
			}
			if got := header(msg, HeaderContentEncoding); got != tt.wantEncoding {
				t.Errorf("content_encoding = %q, want %q", got, tt.wantEncoding)
			}
			if got := header(msg, HeaderRecordCount); got != "1" && got != "3" {
				t.Errorf("record_count = %q", got)
			}
		})
	}
}

func TestKafkaSink_Deliver(t *testing.T) {
	w := &mockKafkaWriter{}
	s := NewKafkaSink(w, "acme", zerolog.Nop())

	if err := s.Deliver(context.Background(), puller.Item{Payload: []byte("x"), Subtype: "audit"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(w.messages) != 1 {
		t.Errorf("messages = %d, want 1", len(w.messages))
	}

	w.err = errors.New("broker unavailable")
	if err := s.Deliver(context.Background(), puller.Item{Payload: []byte("y")}); err == nil {
		t.Error("Deliver() should surface writer errors")
	}

	if err := s.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed %v", err, w.closed)
	}
}

func TestConsume(t *testing.T) {
	items := []puller.Item{
		{Payload: []byte("a"), Subtype: "audit", NonEmpty: true, RecordCount: 3},
		{Payload: []byte("b"), Subtype: "audit", NonEmpty: false},
		{Payload: []byte("c"), Subtype: "page", NonEmpty: true, RecordCount: 2},
		{Subtype: "audit", Terminal: true},
		{Subtype: "page", Terminal: true, ApplyBackoff: true},
	}
	w := &mockKafkaWriter{}

	sum, err := Consume(context.Background(), slices.Values(items), NewKafkaSink(w, "acme", zerolog.Nop()))
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	want := Summary{Batches: 2, Records: 5, Skipped: 1, Backoff: []string{"page"}}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}
	if len(w.messages) != 2 {
		t.Errorf("messages = %d, want 2", len(w.messages))
	}
	if got := sum.NextRun(time.Minute); got != puller.BackoffWait {
		t.Errorf("NextRun() = %v, want %v", got, puller.BackoffWait)
	}
	if got := (Summary{}).NextRun(time.Minute); got != time.Minute {
		t.Errorf("NextRun() = %v, want 1m", got)
	}
}

func TestConsume_StopsOnError(t *testing.T) {
	w := &mockKafkaWriter{err: errors.New("broker unavailable")}
	var seq iter.Seq[puller.Item] = slices.Values([]puller.Item{
		{Payload: []byte("a"), NonEmpty: true},
		{Payload: []byte("b"), NonEmpty: true},
	})

	sum, err := Consume(context.Background(), seq, NewKafkaSink(w, "acme", zerolog.Nop()))
	if err == nil {
		t.Fatal("Consume() should fail")
	}
	if sum.Batches != 0 {
		t.Errorf("Batches = %d, want 0", sum.Batches)
	}
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter(WriterConfig{Brokers: []string{"kafka:9092"}, Topic: "tenant-events", BatchSize: 5, Balancer: "roundrobin"})
	defer w.Close()

	if w.Topic != "tenant-events" || w.BatchSize != 5 {
		t.Errorf("writer = %s/%d, want tenant-events/5", w.Topic, w.BatchSize)
	}
	if _, ok := w.Balancer.(*kafka.RoundRobin); !ok {
		t.Errorf("Balancer = %T, want *kafka.RoundRobin", w.Balancer)
	}
}
