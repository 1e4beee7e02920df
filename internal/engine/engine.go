// Package engine assembles the detection pipeline, response machinery and
// API server into one runnable unit.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/api"
	"github.com/sentra-project/sentra/internal/core"
	"github.com/sentra-project/sentra/internal/intel"
	"github.com/sentra-project/sentra/internal/rules"
	"github.com/sentra-project/sentra/internal/score"
	"github.com/sentra-project/sentra/internal/ticket"
)

// Engine owns every component and their startup/shutdown order.
type Engine struct {
	Holder    *core.ConfigHolder
	Bus       *core.EventBus
	Store     *core.AlertStore
	Incidents *core.IncidentManager
	Responses *core.ResponseEngine
	Pipeline  *core.Pipeline
	Blocklist *core.Blocklist
	Server    *api.Server
	Logger    zerolog.Logger

	registry *prometheus.Registry
	cancel   context.CancelFunc
}

// New builds an engine from a loaded configuration.
func New(cfg *core.Config, configPath string) (*Engine, error) {
	logger := newLogger(cfg)
	holder := core.NewConfigHolder(cfg, configPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := core.NewMetrics(registry)

	var bus *core.EventBus
	if cfg.Bus.Enabled {
		var err error
		bus, err = core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			return nil, fmt.Errorf("starting event bus: %w", err)
		}
	}

	store := core.NewAlertStore(logger, cfg.Store)
	incidents := core.NewIncidentManager(logger, store, bus, holder, metrics)
	responses := core.NewResponseEngine(logger, holder, store, bus, incidents, metrics)

	blocklist := core.NewBlocklist()
	core.RegisterBuiltins(responses, logger, bus, blocklist)

	ruleEngine := rules.NewEngine(logger, holder, metrics)
	enricher := intel.New(logger, holder, metrics)
	scorer := score.New(logger, holder)

	pipeline := core.NewPipeline(logger, holder, ruleEngine, enricher, scorer, store, incidents, responses, bus, metrics)

	sink := ticket.New(logger, holder)
	incidents.OnIncidentOpened(sink.Export)

	server := api.NewServer(logger, holder, pipeline, store, incidents, responses, blocklist, bus, registry)

	return &Engine{
		Holder:    holder,
		Bus:       bus,
		Store:     store,
		Incidents: incidents,
		Responses: responses,
		Pipeline:  pipeline,
		Blocklist: blocklist,
		Server:    server,
		Logger:    logger.With().Str("component", "engine").Logger(),
		registry:  registry,
	}, nil
}

// Run starts every component and blocks until a shutdown signal arrives or
// the API server fails.
func (e *Engine) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.Pipeline.Start(ctx)
	e.Responses.Start(ctx)
	e.Incidents.StartSweep(ctx)
	e.Store.StartRetentionSweep(ctx)

	e.Logger.Info().Msg("sentra engine started")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		// Drain the API server before stopping the pipeline, so no in-flight
		// handler submits to a stopped queue.
		e.cancel()
		if err := <-serverErr; err != nil {
			e.Logger.Warn().Err(err).Msg("api server shutdown")
		}
	case err := <-serverErr:
		if err != nil {
			e.Logger.Error().Err(err).Msg("api server failed")
			e.shutdown()
			return err
		}
	}

	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Pipeline.Stop()
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Warn().Err(err).Msg("closing event bus")
		}
	}
	e.Logger.Info().Msg("sentra engine stopped")
}

func newLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}
