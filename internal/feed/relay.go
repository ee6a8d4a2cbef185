package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"
)

// groupConsumer abstracts *ck.Consumer for testability.
type groupConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	GetConsumerGroupMetadata() (*ck.ConsumerGroupMetadata, error)
	Close() error
}

// txProducer abstracts a transactional *ck.Producer.
type txProducer interface {
	producer
	SendOffsetsToTransaction(ctx context.Context, offsets []ck.TopicPartition, consumerMetadata *ck.ConsumerGroupMetadata) error
}

type RelayConfig struct {
	Brokers    []string
	GroupID    string
	TopicIn    string
	TopicOut   string
	DeadLetter string // empty drops bad events
	TxID       string
}

// Relay validates raw events from an ingest topic and forwards them to the
// orders topic. Each message is produced and its consumer offset committed
// in one transaction, so a crash never forwards an event twice.
type Relay struct {
	c          groupConsumer
	p          txProducer
	out        string
	deadLetter string
	log        logrus.FieldLogger
	timeout    time.Duration
	backoff    time.Duration
}

func NewRelay(cfg RelayConfig, log logrus.FieldLogger) (*Relay, error) {
	if cfg.TxID == "" {
		return nil, errors.New("relay requires a transactional id")
	}
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  joinBrokers(cfg.Brokers),
		"enable.idempotence": true,
		"acks":               "all",
		"transactional.id":   cfg.TxID,
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  joinBrokers(cfg.Brokers),
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.TopicIn}, nil); err != nil {
		p.Close()
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.TopicIn, err)
	}
	r, err := NewRelayWith(c, p, cfg.TopicOut, cfg.DeadLetter, log)
	if err != nil {
		p.Close()
		_ = c.Close()
		return nil, err
	}
	return r, nil
}

// NewRelayWith is used by tests to inject fakes.
func NewRelayWith(c groupConsumer, p txProducer, topicOut, deadLetter string, log logrus.FieldLogger) (*Relay, error) {
	if err := p.InitTransactions(context.Background()); err != nil {
		return nil, fmt.Errorf("init tx: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		c:          c,
		p:          p,
		out:        topicOut,
		deadLetter: deadLetter,
		log:        log.WithField("component", "relay"),
		timeout:    5 * time.Second,
		backoff:    time.Second,
	}, nil
}

func (r *Relay) Close() error {
	r.p.Close()
	return r.c.Close()
}

// Run relays until ctx is done. A failed transaction is aborted and returned;
// the consumer group resumes from the last committed offset on restart.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Step(ctx); err != nil {
			return err
		}
	}
}

// Step relays at most one message and reports whether one was read.
func (r *Relay) Step(ctx context.Context) (bool, error) {
	msg, err := r.c.ReadMessage(r.timeout)
	if err != nil {
		return false, readError(ctx, r.log, err, r.backoff)
	}

	out := r.route(msg)
	if err := r.p.BeginTransaction(); err != nil {
		return true, fmt.Errorf("begin tx: %w", err)
	}
	if err := r.commit(ctx, msg, out); err != nil {
		_ = r.p.AbortTransaction(ctx)
		return true, err
	}
	return true, nil
}

// route returns the message to forward, or nil when a bad event is dropped.
func (r *Relay) route(msg *ck.Message) *ck.Message {
	log := r.log.WithField("offset", msg.TopicPartition.Offset.String())
	ev, err := Decode(msg.Value)
	if err == nil && ev.Type == OrderPut {
		if verr := ev.Order.Validate(); verr != nil {
			err = fmt.Errorf("%w: %v", ErrBadEvent, verr)
		}
	}
	if err != nil {
		if r.deadLetter == "" {
			log.WithError(err).Warn("dropping feed event")
			return nil
		}
		log.WithError(err).Warn("dead-lettering feed event")
		return &ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &r.deadLetter, Partition: ck.PartitionAny},
			Key:            msg.Key,
			Value:          msg.Value,
			Headers:        []ck.Header{{Key: "error", Value: []byte(err.Error())}},
		}
	}
	val, err := Encode(ev)
	if err != nil {
		return nil
	}
	return &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &r.out, Partition: ck.PartitionAny},
		Key:            []byte(ev.Key()),
		Value:          val,
	}
}

func (r *Relay) commit(ctx context.Context, in, out *ck.Message) error {
	if out != nil {
		if err := produceAndWait(ctx, r.p, []*ck.Message{out}); err != nil {
			return err
		}
	}
	meta, err := r.c.GetConsumerGroupMetadata()
	if err != nil {
		return fmt.Errorf("group metadata: %w", err)
	}
	next := in.TopicPartition
	next.Offset++
	if err := r.p.SendOffsetsToTransaction(ctx, []ck.TopicPartition{next}, meta); err != nil {
		return fmt.Errorf("send offsets: %w", err)
	}
	if err := r.p.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
