// Command relay drains the outbox table into Kafka or NATS JetStream.
//
// Usage:
//
//	relay run --config goutbox.yaml
//	relay migrate --env-file .env
//	relay stats orders
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	gtbxkfk "github.com/3rs4lg4d0/goutbox/v2/emitter/kafka"
	gtbxnats "github.com/3rs4lg4d0/goutbox/v2/emitter/nats"
	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/3rs4lg4d0/goutbox/v2/internal/config"
	gtbxzap "github.com/3rs4lg4d0/goutbox/v2/logger/zap"
	gtbxzrlg "github.com/3rs4lg4d0/goutbox/v2/logger/zerolog"
	gtbxtally "github.com/3rs4lg4d0/goutbox/v2/metrics/tally"
	gtbxgorm "github.com/3rs4lg4d0/goutbox/v2/repository/gorm"
	"github.com/3rs4lg4d0/goutbox/v2/repository/pgxv5"
	gtbxsql "github.com/3rs4lg4d0/goutbox/v2/repository/sql"
	"github.com/3rs4lg4d0/goutbox/v2/schema"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var version = "dev"

// txKey is the context key the repositories use for transactions.
type txKey struct{}

// store is what the relay needs from a repository.
type store interface {
	gtbx.Store
	gtbx.Inspector
}

type globalFlags struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay outbox records to a message broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional .env file")

	rootCmd.AddCommand(newRunCmd(flags), newMigrateCmd(flags), newStatsCmd(flags))
	return rootCmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatchers until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile, flags.envFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or revert) the outbox and inbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile, flags.envFile)
			if err != nil {
				return err
			}
			if down {
				return schema.Drop(cfg.Database.DSN)
			}
			return schema.Migrate(cfg.Database.DSN)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Revert every migration")
	return cmd
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue]",
		Short: "Print per partition statistics of a queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile, flags.envFile)
			if err != nil {
				return err
			}
			queue := gtbx.DefaultQueue
			if len(args) == 1 {
				queue = args[0]
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := st.Stats(cmd.Context(), queue, cfg.Dispatcher.RedeliverTimeout)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tPENDING\tLEASED\tOLDEST LEASE\tMAX ATTEMPTS")
			for _, s := range stats {
				oldest := "-"
				if s.OldestLease != nil {
					oldest = s.OldestLease.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%q\t%d\t%d\t%s\t%d\n", s.PartitionKey, s.Pending, s.Leased, oldest, s.MaxAttempts)
			}
			return w.Flush()
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	if cfg.Database.Migrate {
		if err := schema.Migrate(cfg.Database.DSN); err != nil {
			return err
		}
		logger.Info("database schema is up to date")
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	emitter, closeEmitter, err := newEmitter(cfg.Emitter)
	if err != nil {
		return err
	}
	defer closeEmitter()

	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "relay"}, time.Second)
	defer closer.Close()

	gb := gtbx.New(cfg.Settings(), st, emitter,
		gtbx.WithLogger(logger),
		gtbx.WithCounters(gtbxtally.New(scope, gtbxtally.DispatcherSuccess), gtbxtally.New(scope, gtbxtally.DispatcherFailure)),
		gtbx.WithOnStoreErrorCounter(gtbxtally.New(scope, gtbxtally.DispatcherStoreError)),
	)
	if err := gb.Start(ctx); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("relaying queues %v to %s", cfg.Dispatcher.Queues, cfg.Emitter.Kind))

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for the dispatchers")
	gb.Wait()
	return nil
}

func newLogger(cfg config.LogConfig) (gtbx.Logger, error) {
	switch cfg.Backend {
	case config.LoggerZap:
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		l, err := zc.Build()
		if err != nil {
			return nil, err
		}
		return gtbxzap.New(l, "relay"), nil
	default:
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).
			Level(level).
			With().
			Timestamp().
			Logger()
		return gtbxzrlg.New(l, "relay"), nil
	}
}

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	dsn := cfg.Database.DSN
	switch cfg.Database.Backend {
	case config.BackendSql:
		db, err := sql.Open(cfg.Database.Driver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open the database: %w", err)
		}
		return gtbxsql.New(txKey{}, db), func() { db.Close() }, nil
	case config.BackendGorm:
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("unable to open the database: %w", err)
		}
		return gtbxgorm.New(txKey{}, db), func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}, nil
	default:
		poolConfig, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse database url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		return pgxv5.New(txKey{}, pool), pool.Close, nil
	}
}

func newEmitter(cfg config.EmitterConfig) (gtbx.Emitter, func(), error) {
	switch cfg.Kind {
	case config.EmitterNats:
		nc, err := nats.Connect(cfg.Nats.URL, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create JetStream context: %w", err)
		}
		return gtbxnats.New(js, cfg.Nats.SubjectPrefix), func() { _ = nc.Drain() }, nil
	default:
		p, err := kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.BootstrapServers,
			"linger.ms":          5,
			"compression.type":   "lz4",
			"acks":               cfg.Kafka.Acks,
			"enable.idempotence": true,
			"message.timeout.ms": int(cfg.Kafka.MessageTimeout.Milliseconds()),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create Kafka producer: %w", err)
		}
		go func() {
			// delivery reports go to per message channels, only errors land here
			for range p.Events() {
			}
		}()
		return gtbxkfk.New(p), func() {
			p.Flush(5000)
			p.Close()
		}, nil
	}
}
