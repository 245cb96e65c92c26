// Command sweep runs one sweep of custodial wallets back to the faucet and
// exits. It shares configuration and backends with the server.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/factory"
	"github.com/OmarB97/trynano-server/internal/service"
	"github.com/OmarB97/trynano-server/internal/util"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	all := flag.Bool("all", false, "sweep every funded wallet, not only expired ones")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		util.Fatal("Failed to load configuration", util.ErrorField(err))
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}
	if *all {
		cfg.Sweep.ExpiredOnly = false
	}

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, cfg.Sweep.Timeout)

	report, err := f.ServiceFactory().SweepService().Run(ctx)
	cancel()
	stop()
	f.Close()

	switch {
	case errors.Is(err, service.ErrSweepInProgress):
		util.Warn("Another sweep is running")
		os.Exit(2)
	case err != nil:
		util.Error("Sweep failed", util.ErrorField(err))
		os.Exit(1)
	case report.Failed > 0:
		util.Warn("Sweep finished with failures", util.Int("failed", report.Failed))
		os.Exit(3)
	}
}
