// Command capture streams row changes of the source database into the
// JetStream change log.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/capture"
	"cdc-fanout/internal/config"
	"cdc-fanout/internal/models"
	cdcnats "cdc-fanout/internal/nats"
	"cdc-fanout/internal/snapshot"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	cfg.Logging.Apply(logger)

	logger.Info("Starting PostgreSQL capture...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tables := cfg.Source.Tables
	if len(tables) == 0 {
		for _, t := range models.Tables {
			tables = append(tables, string(t))
		}
	}

	db, err := sql.Open("postgres", cfg.Source.DSN)
	if err != nil {
		logger.Fatalf("Failed to open source database: %v", err)
	}
	checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
	err = snapshot.NewChecker(db, cfg.Source.Schema, tables, logger).CheckConnectionAndPermissions(checkCtx)
	checkCancel()
	db.Close()
	if err != nil {
		logger.Fatalf("Source database check failed: %v", err)
	}

	conn, err := cdcnats.Connect(cfg.NATS, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer conn.Drain()

	publisher, err := cdcnats.NewPublisher(conn, cfg.NATS, logger)
	if err != nil {
		logger.Fatalf("Failed to create NATS publisher: %v", err)
	}
	sequencer, err := capture.NewSequencer(publisher.JetStream(), cfg.NATS.SequenceBucket, logger)
	if err != nil {
		logger.Fatalf("Failed to open sequence bucket: %v", err)
	}

	if cfg.Capture.DSN == "" {
		cfg.Capture.DSN = cfg.Source.DSN
	}
	reader, err := capture.NewWALReader(ctx, cfg.Capture, logger)
	if err != nil {
		logger.Fatalf("Failed to start replication: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := reader.Close(closeCtx); err != nil {
			logger.Errorf("Error closing replication connection: %v", err)
		}
	}()

	processor, err := capture.NewProcessor(reader, sequencer, publisher, cfg.Source.Schema, cfg.Source.Tables, logger)
	if err != nil {
		logger.Fatalf("Failed to create processor: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- processor.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Errorf("Processor error: %v", err)
		}
	}

	logger.Infof("PostgreSQL capture stopped at %s", reader.Position())
}
