// Command recover periodically rebuilds the index state of a standby from
// the latest snapshot and changelog, exporting time to recover and changelog
// lag.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"mrindex/internal/config"
	"mrindex/internal/manifest"
	"mrindex/internal/metrics"
	"mrindex/internal/restore"
	"mrindex/internal/state"
)

func main() {
	cfg, err := config.Parse("recover", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mreg.Handler())
		if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
			logger.WithError(err).Error("metrics listener stopped")
		}
	}()

	var mReader manifest.Reader
	if cfg.ManifestSource == "kafka" {
		mReader = manifest.NewKafkaReader(cfg.Brokers(), cfg.TopicSnapshots, cfg.ManifestKey())
	} else {
		mReader = manifest.NewFilesystemManifest(cfg.SnapshotDir)
	}

	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := cycle(ctx, cfg, logger, mReader, mreg); err != nil {
			logger.WithError(err).Warn("recovery cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle restores into a fresh in-memory store each time.
func cycle(ctx context.Context, cfg config.Config, logger *logrus.Logger, mReader manifest.Reader, mreg *metrics.Registry) error {
	t1 := time.Now()
	st := state.NewInMemoryStore()
	r := restore.NewRestorer(st, mReader, cfg.SnapshotDir, cfg.ChangelogPath(), logger).WithMetrics(mreg)

	m, err := mReader.ReadLatest()
	if err != nil && !errors.Is(err, manifest.ErrNoManifest) {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	var res restore.RestoreResult
	if cfg.ChangelogSource == "kafka" {
		res = r.ReplayChangelogKafka(ctx, cfg.Brokers(), cfg.TopicChangelog, m.LastChangelogOffset)
	} else {
		res = r.ReplayChangelog(cfg.ChangelogPath(), m.LastChangelogOffset)
	}
	if res.Error != nil {
		return fmt.Errorf("replay: %w", res.Error)
	}

	mreg.TTRSec.Set(time.Since(t1).Seconds())
	if cfg.ChangelogSource == "kafka" {
		if head := headOffset(ctx, cfg.TopicChangelog, cfg.Brokers()); head >= 0 {
			mreg.Lag.Set(float64(head - res.LastAppliedOffset))
		}
	}
	if m.SnapshotID != "" {
		mreg.LastManifestAgeSec.Set(m.Age(time.Now()).Seconds())
	}

	var live int
	_ = st.Range(func(string, state.RecordState) error { live++; return nil })
	logger.WithFields(logrus.Fields{
		"applied":   res.Applied,
		"skipped":   res.Skipped,
		"companies": live,
		"ttr":       time.Since(t1).Seconds(),
	}).Info("recovery cycle")
	return nil
}

// headOffset returns the message count of partition 0, comparable with
// RestoreResult.LastAppliedOffset, or -1 when it cannot be read.
func headOffset(ctx context.Context, topic string, brokers []string) int64 {
	if len(brokers) == 0 {
		return -1
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off
}
