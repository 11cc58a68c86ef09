package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IngestConfig holds the sensor-facing TCP listener settings.
type IngestConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// MaxLineBytes bounds a single newline-delimited record.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// ReadTimeout closes a connection idle for longer than this. Empty disables it.
	ReadTimeout string `yaml:"read_timeout"`
}

// SubscriptionConfig holds the HTTP/WebSocket listener settings.
type SubscriptionConfig struct {
	ListenAddress     string   `yaml:"listen_address"`
	OutboundQueueSize int      `yaml:"outbound_queue_size"`
	WriteTimeout      string   `yaml:"write_timeout"`
	PingInterval      string   `yaml:"ping_interval"`
	PongWait          string   `yaml:"pong_wait"`
	RequireToken      bool     `yaml:"require_token"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	// VerifyRateLimit is the sustained /verify-access rate per second. 0 disables limiting.
	VerifyRateLimit float64 `yaml:"verify_rate_limit"`
	VerifyBurst     int     `yaml:"verify_burst"`
}

// LedgerConfig holds the Ethereum JSON-RPC oracle settings.
type LedgerConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	ContractFile    string `yaml:"contract_file"`
	Confirmations   uint64 `yaml:"confirmations"`
	RequestTimeout  string `yaml:"request_timeout"`
	RetryAttempts   uint   `yaml:"retry_attempts"`
	RetryInterval   string `yaml:"retry_interval"`
}

// InfluxConfig holds InfluxDB v2 settings.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Org         string `yaml:"org"`
	Token       string `yaml:"token"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// PostgresConfig holds Postgres/TimescaleDB sink settings.
type PostgresConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	CreateTable bool   `yaml:"create_table"`
}

// AMQPConfig holds RabbitMQ mirror settings.
type AMQPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	Exchange         string `yaml:"exchange"`
	RoutingKeyPrefix string `yaml:"routing_key_prefix"`
}

// NATSConfig holds NATS mirror settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SinkConfig groups the sink worker pool and every sink backend.
type SinkConfig struct {
	Workers      int            `yaml:"workers"`
	QueueSize    int            `yaml:"queue_size"`
	WriteTimeout string         `yaml:"write_timeout"`
	Influx       InfluxConfig   `yaml:"influx"`
	Postgres     PostgresConfig `yaml:"postgres"`
	AMQP         AMQPConfig     `yaml:"amqp"`
	NATS         NATSConfig     `yaml:"nats"`
}

// HealthConfig holds the gRPC health service settings. Port 0 disables it.
type HealthConfig struct {
	GRPCPort int `yaml:"grpc_port"`
}

// RangeConfig is an inclusive acceptable range.
type RangeConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// AlertsConfig holds outlier thresholds applied to every reading.
type AlertsConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Temperature RangeConfig `yaml:"temperature"`
	Humidity    RangeConfig `yaml:"humidity"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	PProfEnabled    bool   `yaml:"pprof_enabled"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	StatsvizEnabled bool   `yaml:"statsviz_enabled"`
	// BasicAuthFile is a bcrypt "username:hash" file. Empty leaves the listener open.
	BasicAuthFile string `yaml:"basic_auth_file"`
}

// SelfMonitoringConfig controls host metric sampling.
type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Ingest         IngestConfig         `yaml:"ingest"`
	Subscription   SubscriptionConfig   `yaml:"subscription"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Sink           SinkConfig           `yaml:"sink"`
	Health         HealthConfig         `yaml:"health"`
	Alerts         AlertsConfig         `yaml:"alerts"`
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			ListenAddress: ":9000",
			MaxLineBytes:  64 * 1024,
			ReadTimeout:   "",
		},
		Subscription: SubscriptionConfig{
			ListenAddress:     ":8000",
			OutboundQueueSize: 100,
			WriteTimeout:      "10s",
			PingInterval:      "30s",
			PongWait:          "60s",
			RequireToken:      false,
			AllowedOrigins:    []string{"*"},
			VerifyRateLimit:   5,
			VerifyBurst:       10,
		},
		Ledger: LedgerConfig{
			RPCURL:         "http://127.0.0.1:7545",
			ContractFile:   "deployedAddress.json",
			Confirmations:  0,
			RequestTimeout: "5s",
			RetryAttempts:  3,
			RetryInterval:  "200ms",
		},
		Sink: SinkConfig{
			Workers:      4,
			QueueSize:    1024,
			WriteTimeout: "5s",
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				Measurement: "monitoring",
			},
			Postgres: PostgresConfig{
				Table:       "monitoring",
				CreateTable: true,
			},
			AMQP: AMQPConfig{
				Exchange:         "relayhub.readings",
				RoutingKeyPrefix: "readings",
			},
			NATS: NATSConfig{
				SubjectPrefix: "relayhub.readings",
			},
		},
		Alerts: AlertsConfig{
			Enabled:     true,
			Temperature: RangeConfig{Min: 15, Max: 40},
			Humidity:    RangeConfig{Min: 40, Max: 95},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "relayhub.log",
		},
		Debug: DebugConfig{
			Enabled:         false,
			ListenAddress:   "127.0.0.1:6060",
			PProfEnabled:    true,
			MetricsEnabled:  true,
			StatsvizEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  true,
			Interval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader over the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// A nil reader behaves like an empty file.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// ApplyEnv overlays the deployment environment variables onto cfg.
// lookup is usually os.LookupEnv. Setting a sink's URL or DSN enables that sink.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) bool {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
			return true
		}
		return false
	}

	set("TCP_SERVER_ADDRESS", &cfg.Ingest.ListenAddress)
	set("API_SERVER_ADDRESS", &cfg.Subscription.ListenAddress)
	set("GANACHE_URL", &cfg.Ledger.RPCURL)
	set("CONTRACT_ADDRESS", &cfg.Ledger.ContractAddress)
	set("CONTRACT_FILE", &cfg.Ledger.ContractFile)

	if set("INFLUXDB_URL", &cfg.Sink.Influx.URL) {
		cfg.Sink.Influx.Enabled = true
	}
	set("INFLUXDB_ORG", &cfg.Sink.Influx.Org)
	set("INFLUXDB_TOKEN", &cfg.Sink.Influx.Token)
	set("INFLUXDB_BUCKET", &cfg.Sink.Influx.Bucket)

	if set("POSTGRES_DSN", &cfg.Sink.Postgres.DSN) {
		cfg.Sink.Postgres.Enabled = true
	}
	if set("AMQP_URL", &cfg.Sink.AMQP.URL) {
		cfg.Sink.AMQP.Enabled = true
	}
	if set("NATS_URL", &cfg.Sink.NATS.URL) {
		cfg.Sink.NATS.Enabled = true
	}
}

// Validate reports every setting that would prevent the relay from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.Ingest.ListenAddress == "" {
		errs = append(errs, errors.New("ingest.listen_address is required"))
	}
	if c.Subscription.ListenAddress == "" {
		errs = append(errs, errors.New("subscription.listen_address is required"))
	}
	if c.Subscription.OutboundQueueSize <= 0 {
		errs = append(errs, errors.New("subscription.outbound_queue_size must be positive"))
	}
	if c.Sink.Workers <= 0 {
		errs = append(errs, errors.New("sink.workers must be positive"))
	}
	if c.Sink.QueueSize <= 0 {
		errs = append(errs, errors.New("sink.queue_size must be positive"))
	}
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required"))
	}
	if c.Ledger.ContractAddress == "" && c.Ledger.ContractFile == "" {
		errs = append(errs, errors.New("one of ledger.contract_address or ledger.contract_file is required"))
	}
	if c.Alerts.Enabled {
		if c.Alerts.Temperature.Min > c.Alerts.Temperature.Max {
			errs = append(errs, errors.New("alerts.temperature.min is greater than max"))
		}
		if c.Alerts.Humidity.Min > c.Alerts.Humidity.Max {
			errs = append(errs, errors.New("alerts.humidity.min is greater than max"))
		}
	}
	if c.Sink.Influx.Enabled && (c.Sink.Influx.Org == "" || c.Sink.Influx.Bucket == "") {
		errs = append(errs, errors.New("sink.influx requires org and bucket when enabled"))
	}
	return errors.Join(errs...)
}
