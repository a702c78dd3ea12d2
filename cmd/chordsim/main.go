package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zde37/chordsim/internal/api"
	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/sim"
	"github.com/zde37/chordsim/pkg"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed: %v\n", err)
		os.Exit(1)
	}
}

// parseConfig reads an optional parameter file and overlays the flags that
// were set explicitly on the command line.
func parseConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("chordsim", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML parameter file")
	m := fs.Int("keys-exponent", 0, "Identifier space size in bits (ring of 2^M ids)")
	nodes := fs.Int("nodes", 0, "Initial number of nodes (an exponent with -batch)")
	successors := fs.Int("successors", 0, "Successor list length")
	rounds := fs.Int("rounds", 0, "Number of rounds to simulate")
	failProb := fs.Float64("fail-prob", 0, "Fraction of nodes failed in disaster mode")
	mode := fs.String("mode", "", "Failure mode (disaster, churn)")
	churn := fs.Int("churn", 0, "Nodes replaced per round in churn mode")
	seed := fs.Uint64("seed", 0, "Random seed")
	batch := fs.Bool("batch", false, "Treat -nodes as exponent e: N = 2^e, M = e + 7")
	workers := fs.Int("workers", 0, "Parallel workers per phase (0 runs sequentially)")
	httpPort := fs.Int("http-port", 0, "Port for the live HTTP API (0 disables it)")
	logLevel := fs.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, console)")
	logFile := fs.String("log-file", "", "Also write JSON logs to this rotating file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "keys-exponent":
			cfg.M = *m
		case "nodes":
			cfg.Nodes = *nodes
		case "successors":
			cfg.SuccessorListSize = *successors
		case "rounds":
			cfg.Rounds = *rounds
		case "fail-prob":
			cfg.FailProb = *failProb
		case "mode":
			parsed, err := config.ParseMode(*mode)
			if err != nil {
				parseErr = err
				return
			}
			cfg.Mode = parsed
		case "churn":
			cfg.ChurnCount = *churn
		case "seed":
			cfg.Seed = *seed
		case "batch":
			cfg.Batch = *batch
		case "workers":
			cfg.Workers = *workers
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.ApplyBatch(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
		loggerConfig.AsyncWrite = true
	}
	return pkg.New(loggerConfig)
}

func run(cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		hub         *api.EventHub
		broadcaster chord.RingUpdateBroadcaster
	)
	if cfg.HTTPPort > 0 {
		hub = api.NewEventHub(logger)
		broadcaster = hub
	}

	simulation, err := sim.New(*cfg, logger, broadcaster)
	if err != nil {
		return err
	}

	if hub != nil {
		server, err := api.NewServer(&api.Config{HTTPPort: cfg.HTTPPort}, hub, simulation, logger)
		if err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping HTTP server")
			}
		}()
	}

	runErr := simulation.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		logger.Warn().Int("round", simulation.Round()).Msg("Interrupted, reporting partial results")
		runErr = nil
	}

	printSummary(os.Stdout, simulation.Report())
	return runErr
}
