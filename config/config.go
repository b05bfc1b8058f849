// Package config loads the settings of an eventcore process from a file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/broker/kafka"
	natsbroker "github.com/terraskye/eventcore/broker/nats"
	redisbroker "github.com/terraskye/eventcore/broker/redis"
	gormstore "github.com/terraskye/eventcore/eventstore/gorm"
	redisstore "github.com/terraskye/eventcore/eventstore/redis"
	"github.com/terraskye/eventcore/logging"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment variable, e.g. EVENTCORE_BROKER_TYPE.
const EnvPrefix = "EVENTCORE"

const (
	BrokerMemory   = "memory"
	BrokerKafka    = "kafka"
	BrokerNATS     = "nats"
	BrokerRedis    = "redis"
	BrokerRabbitMQ = "rabbitmq"

	StoreNone     = "none"
	StoreMemory   = "memory"
	StoreSQL      = "sql"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
)

var (
	brokerTypes = []string{BrokerMemory, BrokerKafka, BrokerNATS, BrokerRedis, BrokerRabbitMQ}
	storeTypes  = []string{StoreNone, StoreMemory, StoreSQL, StoreRedis, StoreDynamoDB}
)

// Config is the top level configuration.
type Config struct {
	Broker  BrokerConfig          `mapstructure:"broker"`
	Store   StoreConfig           `mapstructure:"store"`
	Bus     BusConfig             `mapstructure:"bus"`
	Hybrid  HybridConfig          `mapstructure:"hybrid"`
	Retry   eventcore.RetryPolicy `mapstructure:"retry"`
	Logging logging.Config        `mapstructure:"logging"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
}

type BrokerConfig struct {
	Type       string             `mapstructure:"type"`
	BufferSize int                `mapstructure:"buffer_size"`
	Kafka      kafka.Config       `mapstructure:"kafka"`
	NATS       natsbroker.Config  `mapstructure:"nats"`
	Redis      redisbroker.Config `mapstructure:"redis"`
}

type StoreConfig struct {
	Type  string            `mapstructure:"type"`
	SQL   gormstore.Config  `mapstructure:"sql"`
	Redis redisstore.Config `mapstructure:"redis"`
}

type BusConfig struct {
	Concurrency  int     `mapstructure:"concurrency"`
	PublishRate  float64 `mapstructure:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst"`
	ErrorBuffer  int     `mapstructure:"error_buffer"`
}

// HybridConfig enables a local/remote bus pair.
type HybridConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Local     BrokerConfig    `mapstructure:"local"`
	Remote    BrokerConfig    `mapstructure:"remote"`
	Overrides []RouteOverride `mapstructure:"overrides"`
}

// RouteOverride pins an event type to "local" or "remote". It is a list
// entry rather than a map key because viper lowercases keys.
type RouteOverride struct {
	EventType string `mapstructure:"event_type"`
	Route     string `mapstructure:"route"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.type", BrokerMemory)
	v.SetDefault("broker.buffer_size", 256)
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.kafka.group_id", "eventcore")
	v.SetDefault("broker.kafka.client_id", "eventcore")
	v.SetDefault("broker.kafka.version", "")
	v.SetDefault("broker.kafka.initial_offset", "newest")
	v.SetDefault("broker.kafka.compression", "none")
	v.SetDefault("broker.kafka.required_acks", "all")
	v.SetDefault("broker.kafka.retry_backoff", time.Second)
	v.SetDefault("broker.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("broker.nats.name", "eventcore")
	v.SetDefault("broker.nats.queue_group", "")
	v.SetDefault("broker.nats.max_reconnects", 60)
	v.SetDefault("broker.nats.reconnect_wait", 2*time.Second)
	v.SetDefault("broker.nats.timeout", 5*time.Second)
	v.SetDefault("broker.nats.flush_timeout", 5*time.Second)
	v.SetDefault("broker.nats.username", "")
	v.SetDefault("broker.nats.password", "")
	v.SetDefault("broker.nats.token", "")
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.channel_prefix", "eventcore:")
	v.SetDefault("broker.redis.channel_size", 100)

	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.sql.driver", "sqlite")
	v.SetDefault("store.sql.dsn", "eventcore.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "eventcore")
	v.SetDefault("store.redis.lock_ttl", 5*time.Second)

	v.SetDefault("bus.concurrency", 16)
	v.SetDefault("bus.publish_rate", 0)
	v.SetDefault("bus.publish_burst", 1)
	v.SetDefault("bus.error_buffer", 64)

	v.SetDefault("hybrid.enabled", false)
	v.SetDefault("hybrid.local.type", BrokerMemory)
	v.SetDefault("hybrid.local.buffer_size", 256)
	v.SetDefault("hybrid.remote.type", BrokerMemory)
	v.SetDefault("hybrid.remote.buffer_size", 256)

	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.retry_delay", 100*time.Millisecond)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_delay", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.info_max_age", 7)
	v.SetDefault("logging.error_max_age", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads path, when given, then overlays EVENTCORE_* environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerations. Backends that are recognised but not
// built in pass here and are rejected by the factory.
func (c *Config) Validate() error {
	var err error
	if c.Hybrid.Enabled {
		err = multierr.Append(err, checkBroker("hybrid.local", c.Hybrid.Local.Type))
		err = multierr.Append(err, checkBroker("hybrid.remote", c.Hybrid.Remote.Type))
		for i, o := range c.Hybrid.Overrides {
			if o.EventType == "" {
				err = multierr.Append(err, fmt.Errorf("hybrid.overrides[%d]: event_type is required", i))
			}
			if _, perr := eventcore.ParseRoute(o.Route); perr != nil {
				err = multierr.Append(err, fmt.Errorf("hybrid.overrides[%d]: %w", i, perr))
			}
		}
	} else {
		err = multierr.Append(err, checkBroker("broker", c.Broker.Type))
	}
	if !contains(storeTypes, c.Store.Type) {
		err = multierr.Append(err, fmt.Errorf("store.type: unknown store %q", c.Store.Type))
	}
	if c.Bus.Concurrency < 0 {
		err = multierr.Append(err, errors.New("bus.concurrency: must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("retry.max_retries: must not be negative"))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RoutingOptions turns the hybrid overrides into routing options. Call it on
// a validated config.
func (c *Config) RoutingOptions() []eventcore.RoutingOption {
	opts := make([]eventcore.RoutingOption, 0, len(c.Hybrid.Overrides))
	for _, o := range c.Hybrid.Overrides {
		if route, err := eventcore.ParseRoute(o.Route); err == nil {
			opts = append(opts, eventcore.WithRouteOverride(o.EventType, route))
		}
	}
	return opts
}

func checkBroker(key, typ string) error {
	if !contains(brokerTypes, typ) {
		return fmt.Errorf("%s.type: unknown broker %q", key, typ)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
