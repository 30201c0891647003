package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"recambio/pkg/bus"
	"recambio/pkg/config"
	"recambio/pkg/extraction"
	"recambio/pkg/gateway"
	"recambio/pkg/logger"
	"recambio/pkg/media"
	"recambio/pkg/metrics"
	"recambio/pkg/store"
)

// app is the wiring every command shares. Commands that open the badger
// store cannot run while a gateway holds the same directory.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	media     *media.Store
	extractor extraction.Extractor
	metrics   *metrics.Metrics
	bus       *bus.MessageBus
}

func openApp(component string) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	log := slog.Default().With("component", component)

	return newApp(cfg, log)
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open media store: %w", err)
	}

	extractor, err := extraction.New(cfg, mediaStore)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize extraction provider: %w", err)
	}

	st, err := store.Open(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		media:     mediaStore,
		extractor: extractor,
		metrics:   metrics.New(),
		bus:       bus.NewMessageBus(),
	}, nil
}

func (a *app) dependencies() gateway.Dependencies {
	return gateway.Dependencies{
		Store:     a.store,
		Media:     a.media,
		Extractor: a.extractor,
		Bus:       a.bus,
		Metrics:   a.metrics,
	}
}

func (a *app) Close() error {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// errUnknownClient is returned when a --client value matches neither a
// client id nor a known contact.
var errUnknownClient = errors.New("unknown client")
