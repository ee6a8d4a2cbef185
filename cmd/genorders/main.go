package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"mrindex/internal/config"
	"mrindex/internal/docstore"
	"mrindex/internal/feed"
	"mrindex/internal/seed"
)

func main() {
	var (
		companies, orders, batch int
		seedVal                  int64
		outputFile, sink         string
		dataDir, bootstrap       string
		topic, txID              string
	)
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("env")
	}
	flag.IntVar(&companies, "companies", 20, "number of companies to generate")
	flag.IntVar(&orders, "count", 100, "number of orders to generate")
	flag.Int64Var(&seedVal, "seed", time.Now().UnixNano(), "random seed")
	flag.IntVar(&batch, "batch", 100, "events per transaction or unit of work")
	flag.StringVar(&sink, "sink", "file", "output: file|kafka|docstore")
	flag.StringVar(&outputFile, "output", "orders.events.jsonl", "output file for -sink=file")
	flag.StringVar(&dataDir, "data-dir", "./data", "data directory for -sink=docstore")
	flag.StringVar(&bootstrap, "kafka-bootstrap", os.Getenv(config.EnvPrefix+"KAFKA_BOOTSTRAP"), "kafka bootstrap servers for -sink=kafka")
	flag.StringVar(&topic, "topic-orders", "mrindex.orders", "kafka topic for order events")
	flag.StringVar(&txID, "tx-id", "", "transactional id; enables atomic batches when set")
	flag.Parse()

	c := seed.Generate(seed.Options{Companies: companies, Orders: orders, Seed: seedVal})
	ctx := context.Background()
	var err error
	switch sink {
	case "file":
		err = writeEvents(outputFile, events(c))
	case "kafka":
		err = publish(ctx, config.SplitBrokers(bootstrap), topic, txID, events(c), batch)
	case "docstore":
		err = loadDocstore(ctx, dataDir, c, batch)
	default:
		err = fmt.Errorf("unknown sink %q", sink)
	}
	if err != nil {
		logrus.WithError(err).Fatal("generation failed")
	}
	logrus.WithFields(logrus.Fields{
		"companies": len(c.Companies),
		"orders":    len(c.Orders),
		"sink":      sink,
		"seed":      seedVal,
	}).Info("generated corpus")
}

// events lists companies first so that orders reference stored companies.
func events(c seed.Corpus) []feed.Event {
	out := make([]feed.Event, 0, len(c.Companies)+len(c.Orders))
	for i := range c.Companies {
		co := c.Companies[i]
		out = append(out, feed.Event{Type: feed.CompanyPut, ID: co.ID, Company: &co})
	}
	for i := range c.Orders {
		o := c.Orders[i]
		out = append(out, feed.Event{Type: feed.OrderPut, ID: o.ID, Order: &o})
	}
	return out
}

func writeEvents(path string, evs []feed.Event) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	for i, e := range evs {
		if err := enc.Encode(&e); err != nil {
			return fmt.Errorf("encode event %d: %w", i+1, err)
		}
	}
	return file.Sync()
}

func publish(ctx context.Context, brokers []string, topic, txID string, evs []feed.Event, batch int) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka-bootstrap is required")
	}
	p, err := feed.NewPublisher(brokers, topic, txID)
	if err != nil {
		return err
	}
	defer p.Close()
	if batch <= 0 {
		batch = len(evs)
	}
	for len(evs) > 0 {
		n := batch
		if n > len(evs) {
			n = len(evs)
		}
		if err := p.Publish(ctx, evs[:n]...); err != nil {
			return err
		}
		evs = evs[n:]
	}
	return nil
}

func loadDocstore(ctx context.Context, dataDir string, c seed.Corpus, batch int) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	db, err := docstore.Open(filepath.Join(dataDir, "docs.db"), docstore.Options{})
	if err != nil {
		return err
	}
	defer db.Close()
	return seed.Load(ctx, db, c, batch)
}
