package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/admin"
	"cdc-fanout/internal/config"
	"cdc-fanout/internal/metrics"
	"cdc-fanout/internal/pipeline"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	cfg.Logging.Apply(logger)

	logger.Info("Starting CDC fan-out service...")
	logger.Infof("Enabled sinks: %v", cfg.EnabledSinks())

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := pipeline.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start pipeline: %v", err)
	}

	var server *admin.Server
	if cfg.Admin.Enabled {
		server = admin.NewServer(cfg.Admin, svc, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Errorf("Admin endpoint error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start processing in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	// Wait for signal or error
	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Errorf("Pipeline error: %v", err)
			exitCode = 1
		}
		cancel()
	}

	if err := svc.Shutdown(cfg.Delivery.ShutdownGrace); err != nil {
		logger.Errorf("Error stopping pipeline: %v", err)
		exitCode = 1
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if server != nil {
		if err := server.Shutdown(closeCtx); err != nil {
			logger.Errorf("Error stopping admin endpoint: %v", err)
		}
	}
	if err := svc.Close(closeCtx); err != nil {
		logger.Errorf("Error closing connections: %v", err)
		exitCode = 1
	}

	logger.Info("CDC fan-out service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
