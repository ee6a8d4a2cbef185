package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"mrindex/internal/model"
)

// Delta is one applied change to a company aggregate. OrderID and Mapped
// carry the map output of the order that caused it; Mapped is nil when the
// order was deleted.
type Delta struct {
	Index        string                     `json:"index"`
	Key          string                     `json:"key"`
	Seq          int64                      `json:"seq"`
	Delta        decimal.Decimal            `json:"delta"`
	DeltaEntries int64                      `json:"deltaEntries,omitempty"`
	OrderID      string                     `json:"orderId,omitempty"`
	Mapped       []model.CompanyOrdersTotal `json:"mapped"`
	TS           int64                      `json:"ts"`
}

// MessageKey is the Kafka key used for d; it keeps one partition per company.
func (d Delta) MessageKey() []byte { return []byte(d.Index + "|" + d.Key) }

type Writer interface {
	Append(ctx context.Context, d Delta) error
}

// Discard drops every delta; used when the changelog is disabled.
var Discard Writer = discard{}

type discard struct{}

func (discard) Append(context.Context, Delta) error { return nil }

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, d Delta) error {
	for _, w := range m.writers {
		if err := w.Append(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends deltas as JSON lines. Offset is the number of lines in
// the file, which is what manifests record as the replay starting point.
type FileWriter struct {
	path   string
	mu     sync.Mutex
	offset int64
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	w := &FileWriter{path: filepath.Join(dir, filename)}
	n, err := countLines(w.path)
	if err != nil {
		return nil, err
	}
	w.offset = n
	return w, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *FileWriter) Append(_ context.Context, d Delta) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	w.offset++
	return nil
}

// KafkaWriter publishes deltas to a Kafka topic. Pure-Go client (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer for the given brokers.
func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Append(ctx context.Context, d Delta) error {
	b, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: d.MessageKey(), Value: b})
}

// Close flushes and closes the underlying writer when it supports it.
func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
