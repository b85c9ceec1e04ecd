package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/datadir"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/retention"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		reconcile  bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-voice.yaml", "Path to configuration file")

	sweepCmd := flag.NewFlagSet("sweep", flag.ExitOnError)
	sweepCmd.StringVar(&configPath, "file", "loqa-voice.yaml", "Path to configuration file")
	sweepCmd.BoolVar(&reconcile, "reconcile", false, "Treat every temp and staged file as abandoned (service must be stopped)")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'sweep' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		_ = validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "sweep":
		_ = sweepCmd.Parse(os.Args[2:])
		report, err := runSweep(configPath, reconcile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("expired outputs: %d\norphan temps: %d\nrolled forward: %d\ndropped staged: %d\n",
			report.ExpiredOutputs, report.OrphanTemps, report.RolledForward, report.DroppedStaged)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runSweep(path string, reconcile bool) (retention.Report, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return retention.Report{}, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout, err := datadir.Open(cfg.Storage.DataDir)
	if err != nil {
		return retention.Report{}, err
	}
	store, err := registry.Open(ctx, cfg.Registry, logger)
	if err != nil {
		return retention.Report{}, err
	}
	defer store.Close()

	sweeper := retention.NewSweeper(layout, store, cfg.Retention, logger)
	if reconcile {
		return sweeper.Reconcile(ctx)
	}
	return sweeper.Sweep(ctx)
}
