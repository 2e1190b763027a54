package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/di"
	"go.uber.org/zap"
)

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	flags, args, err := di.ParseFlags("warmupctl", os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = container.Invoke(func(logger *zap.Logger, engine *core.Engine, st store.Backend) error {
		defer logger.Sync()
		defer st.Close()
		// Timers armed by this process die with it
		defer engine.Shutdown()

		return newCLI(engine, os.Stdout).run(ctx, args)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: warmupctl [flags] <command> [arguments]

Commands:
  start <account-id>              start warming up an account
  pause <account-id> [reason]     pause a running warmup
  resume <account-id>             resume a paused warmup
  stop <account-id>               stop a warmup and clear its schedule
  status <account-id>             show warmup status and statistics
  logs <account-id> [limit]       show recent outbound log entries
  sync <account-id>               pull new mail for an account now
  schedule <account-id>           plan the account's remaining sends for today
  score <account-id>              recompute the reputation score
  remediate                       run auto-remediation over running accounts
  reset                           reset daily send counters
  dns-check <domain>              check MX, SPF and DMARC records

Flags:
  -config string     path to config file
  -storage string    storage type override
  -timezone string   timezone override
  -verbose           enable verbose logging
  -json-log          output logs in JSON format`)
}
