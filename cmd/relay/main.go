package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"mrindex/internal/config"
	"mrindex/internal/feed"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("env")
	}
	var (
		bootstrap string
		rc        feed.RelayConfig
	)
	flag.StringVar(&bootstrap, "kafka-bootstrap", os.Getenv(config.EnvPrefix+"KAFKA_BOOTSTRAP"), "kafka bootstrap servers")
	flag.StringVar(&rc.GroupID, "group-id", "mrindex-relay", "consumer group id")
	flag.StringVar(&rc.TopicIn, "topic-in", "mrindex.orders.raw", "input topic")
	flag.StringVar(&rc.TopicOut, "topic-out", "mrindex.orders", "output topic")
	flag.StringVar(&rc.DeadLetter, "dead-letter", "mrindex.orders.dlq", "topic for rejected events, empty drops them")
	flag.StringVar(&rc.TxID, "tx-id", "mrindex-relay-1", "transactional id")
	flag.Parse()
	rc.Brokers = config.SplitBrokers(bootstrap)

	log := logrus.WithFields(logrus.Fields{"in": rc.TopicIn, "out": rc.TopicOut})
	r, err := feed.NewRelay(rc, logrus.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	log.Info("relay started")
	err = r.Run(ctx)
	stop()
	r.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("relay stopped")
	}
}
