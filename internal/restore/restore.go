// Package restore rebuilds index state from the latest snapshot and replays
// the changelog written after it.
package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"mrindex/internal/changelog"
	"mrindex/internal/manifest"
	"mrindex/internal/metrics"
	"mrindex/internal/snapshot"
	"mrindex/internal/state"
)

type Restorer struct {
	stateStore      state.Store
	manifestReader  manifest.Reader
	snapshotBaseDir string
	changelogPath   string
	log             logrus.FieldLogger
	mreg            *metrics.Registry
	kafkaTimeout    time.Duration
}

func NewRestorer(st state.Store, mr manifest.Reader, snapshotBaseDir, changelogPath string, log logrus.FieldLogger) *Restorer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Restorer{
		stateStore:      st,
		manifestReader:  mr,
		snapshotBaseDir: snapshotBaseDir,
		changelogPath:   changelogPath,
		log:             log.WithField("component", "restore"),
		kafkaTimeout:    20 * time.Second,
	}
}

// WithMetrics records replay counters and time to recover in reg.
func (r *Restorer) WithMetrics(reg *metrics.Registry) *Restorer {
	r.mreg = reg
	return r
}

type RestoreResult struct {
	Applied int
	Skipped int
	// LastAppliedOffset is the changelog offset (line or message count) of
	// the last delta read, whether applied or skipped.
	LastAppliedOffset int64
	Error             error
}

// RestoreFromSnapshot loads a snapshot into the store. An empty id or a
// missing snapshot leaves the store untouched.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	dump, err := snapshot.Load(r.snapshotBaseDir, snapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		r.log.WithField("snapshot", snapshotID).Warn("snapshot not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.stateStore.LoadAll(dump); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"snapshot":   snapshotID,
		"aggregates": len(dump.Aggregates),
		"orders":     len(dump.Mapped),
	}).Info("snapshot restored")
	return nil
}

// applyDelta folds d into the store and, when it was applied, records the
// order's mapped output it carries.
func (r *Restorer) applyDelta(d changelog.Delta) (bool, error) {
	ok, _, err := r.stateStore.Apply(d.Key, d.Delta, d.DeltaEntries, d.Seq)
	if err != nil || !ok {
		return ok, err
	}
	if d.OrderID != "" {
		if err := r.stateStore.SetMapped(d.OrderID, d.Mapped); err != nil {
			return true, fmt.Errorf("set mapped %s: %w", d.OrderID, err)
		}
	}
	return true, nil
}

func (r *Restorer) count(ok bool, res *RestoreResult) {
	if ok {
		res.Applied++
		if r.mreg != nil {
			r.mreg.Applied.Inc()
		}
		return
	}
	res.Skipped++
	if r.mreg != nil {
		r.mreg.Skipped.Inc()
	}
}

// ReplayChangelog applies the JSONL changelog at path, skipping the first
// fromOffset lines. A changelog that was never written replays nothing when
// fromOffset is 0.
func (r *Restorer) ReplayChangelog(path string, fromOffset int64) RestoreResult {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && fromOffset == 0 {
			return RestoreResult{}
		}
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var res RestoreResult
	var lineNum int64

	for scanner.Scan() {
		lineNum++
		if lineNum <= fromOffset {
			continue
		}

		var d changelog.Delta
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			res.Error = fmt.Errorf("unmarshal line %d: %w", lineNum, err)
			return res
		}
		ok, err := r.applyDelta(d)
		if err != nil {
			res.Error = fmt.Errorf("apply line %d: %w", lineNum, err)
			return res
		}
		r.count(ok, &res)
		res.LastAppliedOffset = lineNum
	}

	if err := scanner.Err(); err != nil {
		res.Error = fmt.Errorf("scan changelog: %w", err)
	}
	return res
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReplayChangelogKafka consumes deltas from a Kafka topic (partition 0) and
// applies them. fromOffset counts messages, matching the file offsets.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	return r.replayKafka(ctx, rd, fromOffset)
}

// replayKafka reads until no message arrives within the replay timeout.
func (r *Restorer) replayKafka(parent context.Context, rd kafkaMessageReader, fromOffset int64) RestoreResult {
	defer rd.Close()

	ctx, cancel := context.WithTimeout(parent, r.kafkaTimeout)
	defer cancel()

	var res RestoreResult
	idx := int64(0)
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				if parent.Err() != nil {
					res.Error = parent.Err()
				}
				break
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var d changelog.Delta
		if err := json.Unmarshal(m.Value, &d); err != nil {
			res.Error = fmt.Errorf("unmarshal delta: %w", err)
			return res
		}
		ok, err := r.applyDelta(d)
		if err != nil {
			res.Error = fmt.Errorf("apply: %w", err)
			return res
		}
		r.count(ok, &res)
		res.LastAppliedOffset = idx
	}
	return res
}

// RestoreAndReplay restores the latest snapshot and replays the file
// changelog after the manifest offset. Without a manifest the whole
// changelog is replayed.
func (r *Restorer) RestoreAndReplay() (RestoreResult, error) {
	start := time.Now()
	m, err := r.manifestReader.ReadLatest()
	switch {
	case errors.Is(err, manifest.ErrNoManifest):
		r.log.Info("no manifest, replaying full changelog")
	case err != nil:
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	default:
		if r.mreg != nil {
			r.mreg.LastManifestAgeSec.Set(m.Age(time.Now()).Seconds())
		}
	}

	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}

	result := r.ReplayChangelog(r.changelogPath, m.LastChangelogOffset)
	if result.Error == nil {
		ttr := time.Since(start)
		if r.mreg != nil {
			r.mreg.TTRSec.Set(ttr.Seconds())
		}
		r.log.WithFields(logrus.Fields{
			"applied": result.Applied,
			"skipped": result.Skipped,
			"offset":  result.LastAppliedOffset,
			"ttr":     ttr,
		}).Info("restore complete")
	}
	return result, result.Error
}
