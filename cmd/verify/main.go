// Command verify writes scenario rows to the source database and checks
// that every enabled sink converges to the expected projections.
//
// Usage: verify [config.yaml] [scenario...]
//
// The exit status is 0 when every step passed, 1 when a step failed or a
// scenario could not run, 2 on setup errors, and 3 when no step failed but
// some timed out before the sinks converged.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/pipeline"
	"cdc-fanout/internal/router"
	"cdc-fanout/internal/scenario"
	"cdc-fanout/internal/verify"
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

	os.Exit(run(cfg, os.Args[min(len(os.Args), 2):], logger))
}

func run(cfg *config.Config, only []string, logger *logrus.Logger) int {
	ctx := context.Background()

	subs, err := router.NewSubscriptions(cfg.Subscriptions, cfg.EnabledSinks(), logger)
	if err != nil {
		logger.Errorf("Invalid subscriptions: %v", err)
		return 2
	}
	sinks, err := pipeline.OpenSinks(ctx, cfg, subs, logger)
	if err != nil {
		logger.Errorf("Failed to open sinks: %v", err)
		return 2
	}
	defer sinks.Close(ctx)

	db, err := sql.Open("postgres", cfg.Source.DSN)
	if err != nil {
		logger.Errorf("Failed to open source database: %v", err)
		return 2
	}
	defer db.Close()

	verifier := verify.New(sinks.Projectors(), cfg.Verifier, logger)
	runner := scenario.NewRunner(db, verifier, logger)

	// Ids far above generated data, unique per run.
	builder := scenario.Builder{Schema: cfg.Source.Schema, Base: 1_000_000_000 + time.Now().Unix()%1_000_000*100}

	wanted := make(map[string]bool)
	for _, name := range only {
		wanted[name] = true
	}

	var tally scenario.Tally
	for _, sc := range builder.All() {
		if len(wanted) > 0 && !wanted[sc.Name] {
			continue
		}
		results, err := runner.Run(ctx, sc)
		tally.Add(results...)
		if err != nil {
			logger.Errorf("Scenario %s: %v", sc.Name, err)
			tally.Failed++
		}
		for _, res := range results {
			fmt.Printf("%s %s / %s\n", res.Verdict(), res.Scenario, res.Step)
			for _, rep := range res.Reports {
				fmt.Printf("    %s\n", rep)
			}
		}
	}
	return exitStatus(tally, logger)
}

func exitStatus(tally scenario.Tally, logger *logrus.Logger) int {
	switch {
	case tally.Failed > 0:
		logger.Errorf("%d scenario steps failed, %d inconclusive", tally.Failed, tally.Inconclusive)
		return 1
	case tally.Inconclusive > 0:
		logger.Warnf("%d scenario steps inconclusive: sinks did not converge before the timeout", tally.Inconclusive)
		return 3
	}
	logger.Info("All sinks converged")
	return 0
}
