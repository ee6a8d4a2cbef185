package feed

import (
	"context"
	"fmt"
	"strings"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// producer abstracts *ck.Producer for testability.
type producer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	InitTransactions(ctx context.Context) error
	BeginTransaction() error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	Close()
}

// Publisher produces feed events. With a transactional id every batch is
// committed atomically.
type Publisher struct {
	p     producer
	topic string
	tx    bool
}

func NewPublisher(brokers []string, topic, txID string) (*Publisher, error) {
	conf := &ck.ConfigMap{
		"bootstrap.servers":  joinBrokers(brokers),
		"enable.idempotence": true,
		"acks":               "all",
	}
	if txID != "" {
		_ = conf.SetKey("transactional.id", txID)
	}
	p, err := ck.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	pub, err := NewPublisherWith(p, topic, txID != "")
	if err != nil {
		p.Close()
		return nil, err
	}
	return pub, nil
}

// NewPublisherWith is used by tests to inject a fake producer.
func NewPublisherWith(p producer, topic string, transactional bool) (*Publisher, error) {
	if transactional {
		if err := p.InitTransactions(context.Background()); err != nil {
			return nil, fmt.Errorf("init tx: %w", err)
		}
	}
	return &Publisher{p: p, topic: topic, tx: transactional}, nil
}

func (p *Publisher) Close() {
	p.p.Flush(5000)
	p.p.Close()
}

// Publish produces events and waits for every delivery report.
func (p *Publisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	if p.tx {
		if err := p.p.BeginTransaction(); err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
	}
	if err := p.produce(ctx, events); err != nil {
		if p.tx {
			_ = p.p.AbortTransaction(ctx)
		}
		return err
	}
	if p.tx {
		if err := p.p.CommitTransaction(ctx); err != nil {
			_ = p.p.AbortTransaction(ctx)
			return fmt.Errorf("commit tx: %w", err)
		}
	}
	return nil
}

func (p *Publisher) produce(ctx context.Context, events []Event) error {
	msgs := make([]*ck.Message, 0, len(events))
	for _, e := range events {
		val, err := Encode(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, &ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &p.topic, Partition: ck.PartitionAny},
			Key:            []byte(e.Key()),
			Value:          val,
		})
	}
	return produceAndWait(ctx, p.p, msgs)
}

// produceAndWait produces msgs and waits for every delivery report.
func produceAndWait(ctx context.Context, p producer, msgs []*ck.Message) error {
	delivery := make(chan ck.Event, len(msgs))
	for _, msg := range msgs {
		if err := p.Produce(msg, delivery); err != nil {
			return fmt.Errorf("produce: %w", err)
		}
	}
	for range msgs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-delivery:
			m, ok := ev.(*ck.Message)
			if !ok {
				return fmt.Errorf("unexpected delivery event %v", ev)
			}
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
			}
		}
	}
	return nil
}

func joinBrokers(brokers []string) string { return strings.Join(brokers, ",") }
