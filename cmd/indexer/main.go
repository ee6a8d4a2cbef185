package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mrindex/internal/changelog"
	"mrindex/internal/config"
	"mrindex/internal/docstore"
	"mrindex/internal/feed"
	"mrindex/internal/index"
	"mrindex/internal/manifest"
	"mrindex/internal/metrics"
	"mrindex/internal/query"
	"mrindex/internal/snapshot"
	"mrindex/internal/state"
)

func main() {
	cfg, err := config.Parse("indexer", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "indexer: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "indexer: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("indexer failed")
	}
}

func openState(cfg config.Config) (state.Store, func() error, error) {
	if cfg.StateBackend == "memory" {
		return state.NewInMemoryStore(), func() error { return nil }, nil
	}
	ps, err := state.NewPebbleStore(cfg.StateDir())
	if err != nil {
		return nil, nil, fmt.Errorf("init pebble: %w", err)
	}
	return ps, ps.Close, nil
}

// openChangelog returns the configured writer and the file sink, whose line
// count is the offset recorded in manifests.
func openChangelog(cfg config.Config) (changelog.Writer, *changelog.FileWriter, func() error, error) {
	var (
		writers []changelog.Writer
		fw      *changelog.FileWriter
		closers []func() error
	)
	if cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" {
		w, err := changelog.NewFileWriter(cfg.ChangelogDir, cfg.ChangelogFile())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init changelog file: %w", err)
		}
		fw = w
		writers = append(writers, w)
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" {
		kw := changelog.NewKafkaWriter(cfg.Brokers(), cfg.TopicChangelog)
		writers = append(writers, kw)
		closers = append(closers, kw.Close)
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	switch len(writers) {
	case 0:
		return changelog.Discard, nil, closeAll, nil
	case 1:
		return writers[0], fw, closeAll, nil
	default:
		return changelog.NewMultiWriter(writers...), fw, closeAll, nil
	}
}

func manifestPublisher(cfg config.Config) manifest.Publisher {
	fs := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	switch cfg.ManifestSink {
	case "kafka":
		return manifest.NewKafkaManifest(cfg.Brokers(), cfg.TopicSnapshots, cfg.ManifestKey())
	case "both":
		return manifest.MultiPublisher(fs, manifest.NewKafkaManifest(cfg.Brokers(), cfg.TopicSnapshots, cfg.ManifestKey()))
	default:
		return fs
	}
}

// startIndex rebuilds the index from db and snapshots the result. Changes
// committed after the etag read here are queued on the worker and applied on
// top of the rebuilt state. The rebuilt state is not in the changelog, so the
// snapshot is taken whatever the snapshot interval.
func startIndex(ctx context.Context, db *docstore.DB, ix *index.Indexer, worker *index.Worker, cp *checkpointer) error {
	worker.Attach(db)
	etag, err := db.LastEtag()
	if err != nil {
		return fmt.Errorf("read last etag: %w", err)
	}
	if _, err := ix.Rebuild(ctx, db); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	worker.ResumeFrom(etag)
	return cp.run()
}

type checkpointer struct {
	ix   *index.Indexer
	snap *snapshot.FilesystemSnapshotter
	mani manifest.Publisher
	fw   *changelog.FileWriter
	mreg *metrics.Registry
	log  logrus.FieldLogger
}

// run writes a snapshot and publishes it with the file changelog offset taken
// under the same lock.
func (c *checkpointer) run() error {
	id := time.Now().UTC().Format("20060102T150405.000Z")
	var offset int64
	err := c.ix.Checkpoint(func(st state.Store) error {
		if c.fw != nil {
			offset = c.fw.Offset()
		}
		return c.snap.WriteSnapshot(id, st)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := c.mani.PublishLatest(id, offset); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	c.mreg.SnapshotsWritten.Inc()
	c.log.WithFields(logrus.Fields{"snapshot": id, "offset": offset}).Info("snapshot and manifest published")
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	log := logger.WithField("index", cfg.Index)
	log.WithFields(logrus.Fields{
		"data_dir":          cfg.DataDir,
		"state_backend":     cfg.StateBackend,
		"changelog_sink":    cfg.ChangelogSink,
		"snapshot_interval": cfg.SnapshotInterval,
		"feed_source":       cfg.FeedSource,
	}).Info("starting indexer")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := docstore.Open(cfg.DocsPath(), docstore.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open docstore: %w", err)
	}
	defer db.Close()

	st, closeState, err := openState(cfg)
	if err != nil {
		return err
	}
	defer closeState()

	clog, fw, closeClog, err := openChangelog(cfg)
	if err != nil {
		return err
	}
	defer closeClog()

	mreg := metrics.NewRegistry()
	ix := index.New(cfg.Definition(), st, index.Options{Changelog: clog, Metrics: mreg, Logger: logger})
	worker := index.NewWorker(ix)

	cp := &checkpointer{
		ix:   ix,
		snap: snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir),
		mani: manifestPublisher(cfg),
		fw:   fw,
		mreg: mreg,
		log:  log,
	}
	if err := startIndex(ctx, db, ix, worker, cp); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })

	if cfg.FeedSource == "kafka" {
		c, err := feed.NewConsumer(cfg.Brokers(), cfg.GroupID, cfg.TopicOrders, db, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		g.Go(func() error { return c.Run(gctx) })
	}

	if cfg.SnapshotInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if err := cp.run(); err != nil {
						log.WithError(err).Error("checkpoint failed")
					}
				}
			}
		})
	}

	q := query.New(ix, query.Options{Worker: worker, DB: db, Metrics: mreg, Logger: logger})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: routes(mreg, worker, q)}
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func routes(mreg *metrics.Registry, worker *index.Worker, q *query.Querier) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            "ok",
			"last_indexed_etag": worker.LastIndexedEtag(),
			"stale":             worker.IsStale(),
		})
	})
	mux.HandleFunc("/top", func(w http.ResponseWriter, r *http.Request) {
		opts := query.TopOptions{Limit: 10, IncludeCompanies: r.URL.Query().Get("include") == "company"}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			opts.Limit = n
		}
		opts.WaitForNonStale = r.URL.Query().Get("wait") == "true"
		page, err := q.Top(r.Context(), opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	})
	return mux
}
