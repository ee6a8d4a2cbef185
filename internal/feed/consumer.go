package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"mrindex/internal/docstore"
)

// messageReader abstracts *ck.Consumer for testability.
type messageReader interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// Consumer writes order and company events from a Kafka topic into the
// document store. Offsets are committed only after the write is saved.
type Consumer struct {
	c       messageReader
	db      *docstore.DB
	log     logrus.FieldLogger
	timeout time.Duration
	backoff time.Duration
}

func NewConsumer(brokers []string, groupID, topic string, db *docstore.DB, log logrus.FieldLogger) (*Consumer, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  joinBrokers(brokers),
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return NewConsumerWith(c, db, log), nil
}

// NewConsumerWith is used by tests to inject a fake reader.
func NewConsumerWith(r messageReader, db *docstore.DB, log logrus.FieldLogger) *Consumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{c: r, db: db, log: log.WithField("component", "feed"), timeout: time.Second, backoff: time.Second}
}

func (c *Consumer) Close() error { return c.c.Close() }

// Run consumes until ctx is done or the client reports a fatal error.
// Undecodable events are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.Poll(ctx); err != nil {
			return err
		}
	}
}

// Poll reads at most one message and applies it. It reports whether a
// message was consumed.
func (c *Consumer) Poll(ctx context.Context) (bool, error) {
	msg, err := c.c.ReadMessage(c.timeout)
	if err != nil {
		return false, readError(ctx, c.log, err, c.backoff)
	}

	log := c.log.WithField("offset", msg.TopicPartition.Offset.String())
	ev, err := Decode(msg.Value)
	if err != nil {
		log.WithError(err).Warn("skipping feed event")
	} else if err := ApplyEvents(ctx, c.db, ev); err != nil {
		return false, fmt.Errorf("apply %s %s: %w", ev.Type, ev.ID, err)
	} else {
		log.WithFields(logrus.Fields{"type": ev.Type, "id": ev.ID}).Debug("feed event applied")
	}
	if _, err := c.c.CommitMessage(msg); err != nil {
		return true, fmt.Errorf("commit offset: %w", err)
	}
	return true, nil
}

// readError handles a ReadMessage failure. Timeouts are ignored and fatal
// client errors are returned; anything else is logged and waited out for
// backoff.
func readError(ctx context.Context, log logrus.FieldLogger, err error, backoff time.Duration) error {
	var kerr ck.Error
	if errors.As(err, &kerr) {
		if kerr.IsTimeout() {
			return nil
		}
		if kerr.IsFatal() {
			return fmt.Errorf("read message: %w", err)
		}
	}
	log.WithError(err).Warn("read message")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
