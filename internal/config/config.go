package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/logger"
	"github.com/hugolhafner/go-subscriber/otel"
	"github.com/hugolhafner/go-subscriber/subscriber"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoBrokers   = errors.New("at least one broker is required")
	ErrNoTopics    = errors.New("at least one topic is required")
	ErrNoGroup     = errors.New("group_id is required unless assign_mode is set")
	ErrBadLogLevel = errors.New("unknown log level")
)

// Config is the command line subscriber's configuration. Values from the
// YAML file are overridden by flags that were set explicitly.
type Config struct {
	Brokers    []string `yaml:"brokers"`
	Topics     []string `yaml:"topics"`
	GroupID    string   `yaml:"group_id"`
	ClientID   string   `yaml:"client_id"`
	AssignMode bool     `yaml:"assign_mode"`

	PollInterval        time.Duration `yaml:"poll_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	// FreezeTime left unset picks a random freeze, zero disables it.
	FreezeTime *time.Duration `yaml:"freeze_time"`

	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`

	MetricsAddr      string `yaml:"metrics_addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	LogLevel         string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Brokers:             []string{"localhost:9092"},
		PollInterval:        10 * time.Second,
		HealthCheckInterval: 3 * time.Second,
		RequestTimeout:      30 * time.Second,
		ReconnectAttempts:   10,
		ReconnectBackoff:    30 * time.Second,
		MetricsAddr:         ":9090",
		MetricsNamespace:    "subscriber",
		LogLevel:            "info",
	}
}

// Load parses args, reads the YAML file named by -config if any and applies
// explicitly set flags on top.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("subscriber", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	brokers := fs.String("brokers", "", "Comma-separated bootstrap brokers")
	topics := fs.String("topics", "", "Comma-separated topics to consume")
	groupID := fs.String("group-id", "", "Consumer group")
	clientID := fs.String("client-id", "", "Client id, defaults to hostname and a random suffix")
	assignMode := fs.Bool("assign", false, "Consume partition 0 of each topic without joining the group")
	pollInterval := fs.Duration("poll-interval", 0, "Expected interval between fetches")
	healthCheck := fs.Duration("health-check-interval", 0, "Heartbeat interval")
	requestTimeout := fs.Duration("request-timeout", 0, "Default RequestNext timeout")
	freeze := fs.Duration("freeze", 0, "Delay before fetching after an assignment, 0 disables it")
	attempts := fs.Int("reconnect-attempts", 0, "Broker connection attempts on start")
	reconnectBackoff := fs.Duration("reconnect-backoff", 0, "Wait between connection attempts")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address, empty disables it")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", *configPath, err)
		}
	}

	fs.Visit(
		func(f *flag.Flag) {
			switch f.Name {
			case "brokers":
				cfg.Brokers = splitList(*brokers)
			case "topics":
				cfg.Topics = splitList(*topics)
			case "group-id":
				cfg.GroupID = *groupID
			case "client-id":
				cfg.ClientID = *clientID
			case "assign":
				cfg.AssignMode = *assignMode
			case "poll-interval":
				cfg.PollInterval = *pollInterval
			case "health-check-interval":
				cfg.HealthCheckInterval = *healthCheck
			case "request-timeout":
				cfg.RequestTimeout = *requestTimeout
			case "freeze":
				d := *freeze
				cfg.FreezeTime = &d
			case "reconnect-attempts":
				cfg.ReconnectAttempts = *attempts
			case "reconnect-backoff":
				cfg.ReconnectBackoff = *reconnectBackoff
			case "metrics-addr":
				cfg.MetricsAddr = *metricsAddr
			case "log-level":
				cfg.LogLevel = *logLevel
			}
		},
	)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}
	if len(c.Topics) == 0 {
		return ErrNoTopics
	}
	if c.GroupID == "" && !c.AssignMode {
		return ErrNoGroup
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (logger.LogLevel, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logger.DebugLevel, nil
	case "", "info":
		return logger.InfoLevel, nil
	case "warn", "warning":
		return logger.WarnLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadLogLevel, c.LogLevel)
	}
}

// KafkaOptions builds the broker client options. A nil registerer skips
// client metrics.
func (c Config) KafkaOptions(l logger.Logger, reg prometheus.Registerer) []kafka.KgoOption {
	opts := []kafka.KgoOption{
		kafka.WithBootstrapServers(c.Brokers),
		kafka.WithGroupID(c.GroupID),
		kafka.WithClientID(c.ClientID),
		kafka.WithPollInterval(c.PollInterval),
		kafka.WithHealthCheckInterval(c.HealthCheckInterval),
		kafka.WithRequestTimeout(c.RequestTimeout),
		kafka.WithLogger(l),
	}
	if c.AssignMode {
		opts = append(opts, kafka.WithAssignMode())
	}
	if reg != nil {
		opts = append(opts, kafka.WithPrometheus(c.MetricsNamespace, reg))
	}
	return opts
}

func (c Config) SubscriberOptions(l logger.Logger, tel *otel.Telemetry) []subscriber.Option {
	opts := []subscriber.Option{
		subscriber.WithTopics(c.Topics...),
		subscriber.WithPollInterval(c.PollInterval),
		subscriber.WithRequestTimeout(c.RequestTimeout),
		subscriber.WithReconnect(c.ReconnectAttempts, backoff.NewFixed(c.ReconnectBackoff)),
		subscriber.WithLogger(l),
		subscriber.WithTelemetry(tel),
	}
	if c.FreezeTime != nil {
		opts = append(opts, subscriber.WithFreezeTime(*c.FreezeTime))
	}
	return opts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
