// Package config loads the relay configuration from an optional file, an
// optional .env file and GOUTBOX_ prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "GOUTBOX"

const (
	BackendPgx  = "pgx"
	BackendSql  = "sql"
	BackendGorm = "gorm"

	EmitterKafka = "kafka"
	EmitterNats  = "nats"

	LoggerZerolog = "zerolog"
	LoggerZap     = "zap"
)

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Emitter    EmitterConfig    `mapstructure:"emitter"`
	Log        LogConfig        `mapstructure:"log"`
}

type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Backend string `mapstructure:"backend"`
	// Driver is the database/sql driver name used by the sql backend.
	Driver  string `mapstructure:"driver"`
	Migrate bool   `mapstructure:"migrate"`
}

type DispatcherConfig struct {
	Queues           []string      `mapstructure:"queues"`
	Workers          int           `mapstructure:"workers"`
	PollingInterval  time.Duration `mapstructure:"polling-interval"`
	RedeliverTimeout time.Duration `mapstructure:"redeliver-timeout"`
	NackOnFailure    bool          `mapstructure:"nack-on-failure"`
	MinBackoff       time.Duration `mapstructure:"min-backoff"`
	MaxBackoff       time.Duration `mapstructure:"max-backoff"`
}

type EmitterConfig struct {
	Kind  string      `mapstructure:"kind"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Nats  NatsConfig  `mapstructure:"nats"`
}

type KafkaConfig struct {
	BootstrapServers string `mapstructure:"bootstrap-servers"`
	Acks             string `mapstructure:"acks"`
	// MessageTimeout bounds the delivery of one message and must stay below
	// the dispatcher lease.
	MessageTimeout time.Duration `mapstructure:"message-timeout"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject-prefix"`
}

type LogConfig struct {
	Backend string `mapstructure:"backend"`
	Level   string `mapstructure:"level"`
}

// Settings maps the dispatcher section to the library settings.
func (c Config) Settings() gtbx.Settings {
	return gtbx.Settings{
		EnableDispatcher: true,
		Queues:           c.Dispatcher.Queues,
		Workers:          c.Dispatcher.Workers,
		PollingInterval:  c.Dispatcher.PollingInterval,
		RedeliverTimeout: c.Dispatcher.RedeliverTimeout,
		NackOnFailure:    c.Dispatcher.NackOnFailure,
		MinBackoff:       c.Dispatcher.MinBackoff,
		MaxBackoff:       c.Dispatcher.MaxBackoff,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.backend", BackendPgx)
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.migrate", false)
	v.SetDefault("dispatcher.queues", []string{gtbx.DefaultQueue})
	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.polling-interval", 3*time.Second)
	v.SetDefault("dispatcher.redeliver-timeout", time.Minute)
	v.SetDefault("dispatcher.nack-on-failure", false)
	v.SetDefault("dispatcher.min-backoff", 200*time.Millisecond)
	v.SetDefault("dispatcher.max-backoff", 30*time.Second)
	v.SetDefault("emitter.kind", EmitterKafka)
	v.SetDefault("emitter.kafka.bootstrap-servers", "localhost:9092")
	v.SetDefault("emitter.kafka.acks", "all")
	v.SetDefault("emitter.kafka.message-timeout", 30*time.Second)
	v.SetDefault("emitter.nats.url", "nats://localhost:4222")
	v.SetDefault("emitter.nats.subject-prefix", "outbox.")
	v.SetDefault("log.backend", LoggerZerolog)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration. configFile and dotenvFile are optional; a
// missing .env file is not an error.
func Load(configFile string, dotenvFile string) (Config, error) {
	if dotenvFile != "" {
		if err := godotenv.Load(dotenvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load the env file %s: %w", dotenvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode the configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Database.Backend {
	case BackendPgx, BackendSql, BackendGorm:
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	switch c.Emitter.Kind {
	case EmitterKafka:
		if c.Emitter.Kafka.MessageTimeout <= 0 || c.Emitter.Kafka.MessageTimeout >= c.Dispatcher.RedeliverTimeout {
			return fmt.Errorf("emitter.kafka.message-timeout %s must be positive and shorter than dispatcher.redeliver-timeout %s",
				c.Emitter.Kafka.MessageTimeout, c.Dispatcher.RedeliverTimeout)
		}
	case EmitterNats:
	default:
		return fmt.Errorf("unknown emitter %q", c.Emitter.Kind)
	}
	switch c.Log.Backend {
	case LoggerZerolog, LoggerZap:
	default:
		return fmt.Errorf("unknown logger %q", c.Log.Backend)
	}
	return nil
}
