// Package main provides the jetsync provisioning executable. It is a
// one-shot tool: it applies the outbox/inbox schema migrations, connects
// to the broker, reconciles the application's stream and durable
// consumer, and exits. Run it from a deploy pipeline or an init
// container before the application starts.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/coregx/jetsync"
	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/broker/natsjs"
	"github.com/coregx/jetsync/cmd/jetsync-provision/internal/config"
)

func main() {
	healthOnly := flag.Bool("health", false, "connect, print health status as JSON, and exit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline for the run")
	flag.Parse()

	zl := zerolog.New(os.Stderr).With().Timestamp().Str("component", "jetsync-provision").Logger()
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zl = zl.Level(level)
	}
	logger := jetsync.NewZerologLogger(zl)

	cfg, err := config.Load()
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if !*healthOnly && (cfg.Sync.OutboxEnabled || cfg.Sync.InboxEnabled) {
		if err := migrate(cfg, logger); err != nil {
			zl.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	topo, err := jetsync.NewTopologyProvisioner(
		jetsync.WithTopologyStream(cfg.Sync.StreamName(), cfg.Sync.StreamSubjects()...),
		jetsync.WithTopologyLogger(logger),
	)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create topology provisioner")
	}

	conn, err := jetsync.NewConnectionManager(
		jetsync.WithConnectionConfig(cfg.Sync),
		jetsync.WithDialer(&natsjs.Dialer{}),
		jetsync.WithConnectionLogger(logger),
		jetsync.WithProvisioner(topo),
	)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create connection manager")
	}
	defer conn.Close()

	js, err := conn.Connect(ctx)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to connect to broker")
	}

	if *healthOnly {
		health := conn.Health(ctx)
		out, _ := json.Marshal(health)
		os.Stdout.Write(append(out, '\n'))
		if !health.Connected {
			os.Exit(1)
		}
		return
	}

	if cfg.Sync.InboxEnabled {
		if err := ensureConsumer(ctx, cfg, js, logger); err != nil {
			zl.Fatal().Err(err).Msg("failed to provision consumer")
		}
	}

	logger.Infof("Provisioning complete for %s/%s", cfg.Sync.Environment, cfg.Sync.AppName)
}

// migrate opens the configured database and applies the embedded schema
// migrations.
func migrate(cfg *config.Config, logger jetsync.Logger) error {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return err
	}
	if err := jetsync.ApplyMigrations(db); err != nil {
		return err
	}
	logger.Infof("Database migrations applied (%s)", cfg.Database.Driver)
	return nil
}

// ensureConsumer reconciles the application's durable consumer against
// the configured spec.
func ensureConsumer(ctx context.Context, cfg *config.Config, js broker.StreamContext, logger jetsync.Logger) error {
	ackWait, err := jetsync.ParseAckWait(cfg.Consumer.AckWait)
	if err != nil {
		return err
	}

	sm, err := jetsync.NewSubscriptionManager(
		jetsync.WithSubscriptionManagerLogger(logger),
	)
	if err != nil {
		return err
	}

	return sm.EnsureConsumer(ctx, js, jetsync.ConsumerSpec{
		Stream:        cfg.Sync.StreamName(),
		Durable:       cfg.Sync.DurableName(),
		FilterSubject: cfg.Sync.FilterSubject(),
		MaxDeliver:    cfg.Consumer.MaxDeliver,
		AckWait:       ackWait,
		Backoff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	})
}
