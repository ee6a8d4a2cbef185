// Package config reads process configuration from flags, with defaults taken
// from MRINDEX_* environment variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"mrindex/internal/mapreduce"
)

const EnvPrefix = "MRINDEX_"

// Config holds the settings shared by the indexer, recovery and generator
// binaries.
type Config struct {
	DataDir      string
	Index        string
	StateBackend string // memory|pebble

	LogLevel  string
	LogFormat string // text|json
	HTTPAddr  string

	SnapshotDir      string
	SnapshotInterval time.Duration
	ChangelogDir     string
	ChangelogSink    string // none|file|kafka|both
	ChangelogSource  string // file|kafka
	ManifestSink     string // file|kafka|both
	ManifestSource   string // file|kafka

	KafkaBootstrap string
	TopicChangelog string
	TopicSnapshots string
	TopicOrders    string
	GroupID        string
	FeedSource     string // none|kafka
}

// LoadDotEnv loads the given env files, .env in the working directory by
// default. Missing files are ignored; variables already set in the
// environment win.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Register binds every field to a flag on fs. Defaults come from the
// environment, so LoadDotEnv must run first.
func (c *Config) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", env("DATA_DIR", "./data"), "directory for document and index state")
	fs.StringVar(&c.Index, "index", env("INDEX", mapreduce.CompanyOrderTotals.Name), "index definition name")
	fs.StringVar(&c.StateBackend, "state-backend", env("STATE_BACKEND", "pebble"), "state backend: memory|pebble")
	fs.StringVar(&c.LogLevel, "log-level", env("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&c.LogFormat, "log-format", env("LOG_FORMAT", "text"), "log format: text|json")
	fs.StringVar(&c.HTTPAddr, "http", env("HTTP_ADDR", ":8080"), "http listen address for /metrics and /healthz")
	fs.StringVar(&c.SnapshotDir, "snapshot-dir", env("SNAPSHOT_DIR", "./snapshots"), "snapshot directory")
	fs.DurationVar(&c.SnapshotInterval, "snapshot-interval", envDuration("SNAPSHOT_INTERVAL", time.Minute), "periodic snapshot interval, 0 keeps only the startup snapshot")
	fs.StringVar(&c.ChangelogDir, "changelog-dir", env("CHANGELOG_DIR", "./changelog"), "changelog file directory")
	fs.StringVar(&c.ChangelogSink, "changelog-sink", env("CHANGELOG_SINK", "file"), "changelog sink: none|file|kafka|both")
	fs.StringVar(&c.ChangelogSource, "changelog-source", env("CHANGELOG_SOURCE", "file"), "changelog source for restore: file|kafka")
	fs.StringVar(&c.ManifestSink, "manifest-sink", env("MANIFEST_SINK", "file"), "manifest sink: file|kafka|both")
	fs.StringVar(&c.ManifestSource, "manifest-source", env("MANIFEST_SOURCE", "file"), "manifest source for restore: file|kafka")
	fs.StringVar(&c.KafkaBootstrap, "kafka-bootstrap", env("KAFKA_BOOTSTRAP", ""), "kafka bootstrap servers, comma separated")
	fs.StringVar(&c.TopicChangelog, "topic-changelog", env("TOPIC_CHANGELOG", "mrindex.changelog"), "kafka topic for the changelog, single partition with delete retention")
	fs.StringVar(&c.TopicSnapshots, "topic-snapshots", env("TOPIC_SNAPSHOTS", "mrindex.snapshots"), "kafka topic for the manifest (compacted)")
	fs.StringVar(&c.TopicOrders, "topic-orders", env("TOPIC_ORDERS", "mrindex.orders"), "kafka topic carrying order change events")
	fs.StringVar(&c.GroupID, "group-id", env("GROUP_ID", "mrindex"), "consumer group id")
	fs.StringVar(&c.FeedSource, "feed-source", env("FEED_SOURCE", "none"), "order feed source: none|kafka")
}

// Parse loads .env, registers the flags on a new FlagSet and parses args.
func Parse(name string, args []string) (Config, error) {
	var c Config
	if err := LoadDotEnv(); err != nil {
		return c, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.Register(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if _, ok := mapreduce.Definitions()[c.Index]; !ok {
		return fmt.Errorf("unknown index %q", c.Index)
	}
	checks := []struct {
		name, val string
		allowed   []string
	}{
		{"state-backend", c.StateBackend, []string{"memory", "pebble"}},
		{"log-format", c.LogFormat, []string{"text", "json"}},
		{"changelog-sink", c.ChangelogSink, []string{"none", "file", "kafka", "both"}},
		{"changelog-source", c.ChangelogSource, []string{"file", "kafka"}},
		{"manifest-sink", c.ManifestSink, []string{"file", "kafka", "both"}},
		{"manifest-source", c.ManifestSource, []string{"file", "kafka"}},
		{"feed-source", c.FeedSource, []string{"none", "kafka"}},
	}
	for _, ch := range checks {
		if !oneOf(ch.val, ch.allowed) {
			return fmt.Errorf("%s: %q not one of %s", ch.name, ch.val, strings.Join(ch.allowed, "|"))
		}
	}
	needsKafka := c.ChangelogSink == "kafka" || c.ChangelogSink == "both" ||
		c.ManifestSink == "kafka" || c.ManifestSink == "both" ||
		c.ChangelogSource == "kafka" || c.ManifestSource == "kafka" || c.FeedSource == "kafka"
	if needsKafka && len(c.Brokers()) == 0 {
		return errors.New("kafka-bootstrap is required for kafka sinks and sources")
	}
	return nil
}

// Definition returns the selected index definition.
func (c Config) Definition() mapreduce.Definition { return mapreduce.Definitions()[c.Index] }

// Brokers splits KafkaBootstrap into broker addresses.
func (c Config) Brokers() []string { return SplitBrokers(c.KafkaBootstrap) }

func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

func (c Config) DocsPath() string      { return filepath.Join(c.DataDir, "docs.db") }
func (c Config) StateDir() string      { return filepath.Join(c.DataDir, "index", c.Index) }
func (c Config) ChangelogFile() string { return c.Index + ".jsonl" }
func (c Config) ChangelogPath() string { return filepath.Join(c.ChangelogDir, c.ChangelogFile()) }
func (c Config) ManifestKey() string   { return c.Index + "-manifest-latest" }

// NewLogger builds the process logger.
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	if out != nil {
		logger.SetOutput(out)
	}
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q", format)
	}
	return logger, nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
