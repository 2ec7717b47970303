package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"cdc-fanout/internal/models"
)

type Config struct {
	Source        SourceConfig         `yaml:"source"`
	NATS          NATSConfig           `yaml:"nats"`
	Reader        ReaderConfig         `yaml:"reader"`
	Sinks         SinksConfig          `yaml:"sinks"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Delivery      DeliveryConfig       `yaml:"delivery"`
	Verifier      VerifierConfig       `yaml:"verifier"`
	Admin         AdminConfig          `yaml:"admin"`
	Capture       CaptureConfig        `yaml:"capture"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// SourceConfig points at the system of record used for snapshot reads.
type SourceConfig struct {
	DSN    string   `yaml:"dsn"`
	Schema string   `yaml:"schema"`
	Tables []string `yaml:"tables"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	Durable       string        `yaml:"durable"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// SequenceBucket is the KeyValue bucket holding per-key sequences.
	SequenceBucket  string        `yaml:"sequence_bucket"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

type ReaderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxWait       time.Duration `yaml:"max_wait"`
	CursorFile    string        `yaml:"cursor_file"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`
	// RetryMaxElapsed bounds reconnect attempts of a failing fetch.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

type SinksConfig struct {
	Mongo         MongoConfig         `yaml:"mongo"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

type MongoConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URI              string        `yaml:"uri"`
	Database         string        `yaml:"database"`
	Collection       string        `yaml:"collection"`
	LedgerCollection string        `yaml:"ledger_collection"`
	Timeout          time.Duration `yaml:"timeout"`
}

type Neo4jConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URI      string        `yaml:"uri"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	LedgerKey string        `yaml:"ledger_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ElasticsearchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addresses   []string      `yaml:"addresses"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	IndexPrefix string        `yaml:"index_prefix"`
	LedgerIndex string        `yaml:"ledger_index"`
	Refresh     bool          `yaml:"refresh"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SubscriptionConfig overrides the built-in routes of one source table.
type SubscriptionConfig struct {
	Table  string        `yaml:"table"`
	Routes []RouteConfig `yaml:"routes"`
}

type RouteConfig struct {
	Sink      string           `yaml:"sink"`
	Transform models.Transform `yaml:"transform"`
	Lookups   []LookupConfig   `yaml:"lookups"`
	Refresh   []RefreshConfig  `yaml:"refresh"`
	Rules     *RuleConfig      `yaml:"rules"`
	// Script is a path to a JavaScript file exporting a transform function.
	Script string `yaml:"script"`
}

// LookupConfig enriches a row from a parent row read from the snapshot.
type LookupConfig struct {
	Column string `yaml:"column"`
	Table  string `yaml:"table"`
	// Select maps parent columns to the names they take in the row.
	Select map[string]string `yaml:"select"`
}

// RefreshConfig names a child table whose rows are regenerated when the
// routed row changes.
type RefreshConfig struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

type RuleConfig struct {
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type DeliveryConfig struct {
	Workers         int           `yaml:"workers"`
	MaxPending      int           `yaml:"max_pending"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	RecordRetention time.Duration `yaml:"record_retention"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

type VerifierConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CaptureConfig struct {
	DSN            string        `yaml:"dsn"`
	Slot           string        `yaml:"slot"`
	Plugin         string        `yaml:"plugin"`
	CreateSlot     bool          `yaml:"create_slot"`
	PositionFile   string        `yaml:"position_file"`
	StandbyTimeout time.Duration `yaml:"standby_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Apply sets the level and format of logger. Unknown levels keep the
// current one.
func (l LoggingConfig) Apply(logger *logrus.Logger) {
	if level, err := logrus.ParseLevel(l.Level); err == nil {
		logger.SetLevel(level)
	}
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and fills in defaults and environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var envOverrides = []struct {
	name  string
	field func(c *Config) *string
}{
	{"CDC_POSTGRES_DSN", func(c *Config) *string { return &c.Source.DSN }},
	{"CDC_CAPTURE_DSN", func(c *Config) *string { return &c.Capture.DSN }},
	{"CDC_NATS_URL", func(c *Config) *string { return &c.NATS.URL }},
	{"CDC_MONGO_URI", func(c *Config) *string { return &c.Sinks.Mongo.URI }},
	{"CDC_NEO4J_PASSWORD", func(c *Config) *string { return &c.Sinks.Neo4j.Password }},
	{"CDC_REDIS_PASSWORD", func(c *Config) *string { return &c.Sinks.Redis.Password }},
	{"CDC_ELASTICSEARCH_PASSWORD", func(c *Config) *string { return &c.Sinks.Elasticsearch.Password }},
}

func (c *Config) applyEnv() {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.field(c) = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Source.Schema == "" {
		c.Source.Schema = "public"
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "CDC"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "cdc.changes"
	}
	if c.NATS.Durable == "" {
		c.NATS.Durable = "fanout"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.MaxReconnect == 0 {
		c.NATS.MaxReconnect = -1
	}
	if c.NATS.SequenceBucket == "" {
		c.NATS.SequenceBucket = "cdc-sequences"
	}
	if c.NATS.DuplicateWindow == 0 {
		c.NATS.DuplicateWindow = 2 * time.Minute
	}

	if c.Reader.BatchSize == 0 {
		c.Reader.BatchSize = 100
	}
	if c.Reader.MaxWait == 0 {
		c.Reader.MaxWait = time.Second
	}
	if c.Reader.AckWait == 0 {
		c.Reader.AckWait = 30 * time.Second
	}
	if c.Reader.MaxAckPending == 0 {
		c.Reader.MaxAckPending = 1000
	}
	if c.Reader.RetryMaxElapsed == 0 {
		c.Reader.RetryMaxElapsed = 5 * time.Minute
	}

	m := &c.Sinks.Mongo
	if m.Database == "" {
		m.Database = "university"
	}
	if m.Collection == "" {
		m.Collection = "universities"
	}
	if m.LedgerCollection == "" {
		m.LedgerCollection = "cdc_versions"
	}
	if m.Timeout == 0 {
		m.Timeout = 10 * time.Second
	}
	if c.Sinks.Neo4j.Timeout == 0 {
		c.Sinks.Neo4j.Timeout = 10 * time.Second
	}
	if c.Sinks.Redis.LedgerKey == "" {
		c.Sinks.Redis.LedgerKey = "cdc:versions"
	}
	if c.Sinks.Redis.Timeout == 0 {
		c.Sinks.Redis.Timeout = 5 * time.Second
	}
	es := &c.Sinks.Elasticsearch
	if es.IndexPrefix == "" {
		es.IndexPrefix = "postgres.public."
	}
	if es.LedgerIndex == "" {
		es.LedgerIndex = "cdc-versions"
	}
	if es.Timeout == 0 {
		es.Timeout = 10 * time.Second
	}

	d := &c.Delivery
	if d.Workers == 0 {
		d.Workers = 8
	}
	if d.MaxPending == 0 {
		d.MaxPending = 1000
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 8
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = 200 * time.Millisecond
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = 30 * time.Second
	}
	if d.Multiplier == 0 {
		d.Multiplier = 2
	}
	if d.Jitter == 0 {
		d.Jitter = 0.5
	}
	if d.RecordRetention == 0 {
		d.RecordRetention = 10 * time.Minute
	}
	if d.ShutdownGrace == 0 {
		d.ShutdownGrace = 15 * time.Second
	}

	if c.Verifier.Timeout == 0 {
		c.Verifier.Timeout = 30 * time.Second
	}
	if c.Verifier.InitialInterval == 0 {
		c.Verifier.InitialInterval = 100 * time.Millisecond
	}
	if c.Verifier.MaxInterval == 0 {
		c.Verifier.MaxInterval = 2 * time.Second
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8088"
	}

	if c.Capture.Slot == "" {
		c.Capture.Slot = "cdc_fanout"
	}
	if c.Capture.Plugin == "" {
		c.Capture.Plugin = "wal2json"
	}
	if c.Capture.StandbyTimeout == 0 {
		c.Capture.StandbyTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be positive, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter > 1 {
		return fmt.Errorf("delivery.jitter must be within [0, 1], got %v", c.Delivery.Jitter)
	}
	if c.Sinks.Elasticsearch.Enabled && len(c.Sinks.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("sinks.elasticsearch.addresses is required when the sink is enabled")
	}
	for i, sub := range c.Subscriptions {
		if _, err := models.ParseTable(sub.Table); err != nil {
			return fmt.Errorf("subscription %d: %w", i, err)
		}
		for j, r := range sub.Routes {
			if r.Sink == "" {
				return fmt.Errorf("subscription %s route %d: sink is required", sub.Table, j)
			}
			if r.Rules != nil && len(r.Rules.Include) > 0 && len(r.Rules.Exclude) > 0 {
				return fmt.Errorf("subscription %s route %d: cannot specify both 'include' and 'exclude' fields", sub.Table, j)
			}
		}
	}
	return nil
}

// EnabledSinks lists the names of the configured sinks.
func (c *Config) EnabledSinks() []string {
	var names []string
	if c.Sinks.Mongo.Enabled {
		names = append(names, "mongo")
	}
	if c.Sinks.Neo4j.Enabled {
		names = append(names, "neo4j")
	}
	if c.Sinks.Redis.Enabled {
		names = append(names, "redis")
	}
	if c.Sinks.Elasticsearch.Enabled {
		names = append(names, "elasticsearch")
	}
	return names
}
