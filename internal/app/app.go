// Package app opens the configured resources and wires them into an engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"redstone/internal/aggregate"
	"redstone/internal/artifacts"
	"redstone/internal/config"
	"redstone/internal/docstore"
	"redstone/internal/engine"
	"redstone/internal/logging"
	"redstone/internal/sqlite"
	"redstone/internal/store"
)

// App holds everything a command needs. Close releases the store.
type App struct {
	Config *config.Config
	Store  store.Store
	Engine engine.Engine
	Log    *slog.Logger
}

// OpenStore opens a backend by name. The sqlite backend applies pending
// migrations on open.
func OpenStore(ctx context.Context, backend, path string) (store.Store, error) {
	switch backend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, path)
	case config.BackendDocument:
		return docstore.Open(path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

// ParseLocation splits "backend:path" as used by rs store copy.
func ParseLocation(loc string) (backend, path string, err error) {
	backend, path, ok := strings.Cut(loc, ":")
	if !ok || path == "" {
		return "", "", fmt.Errorf("location %q must look like sqlite:<path> or document:<path>", loc)
	}
	if backend != config.BackendSQLite && backend != config.BackendDocument {
		return "", "", fmt.Errorf("unknown storage backend %q", backend)
	}
	return backend, path, nil
}

// Open builds an App from cfg. log may be nil.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	stats, err := aggregate.New(cfg.Storage.Aggregation)
	if err != nil {
		return nil, err
	}
	shots, err := artifacts.NewOS(cfg.Screenshots.Dir, cfg.Screenshots.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("screenshot dir: %w", err)
	}
	s, err := OpenStore(ctx, cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	e := engine.New(s, stats, shots, logging.For(log, "engine"))
	e.StrictDefinitionRefs = cfg.Recorder.StrictDefinitionRefs
	log.Debug("store opened", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path, "aggregation", cfg.Storage.Aggregation)
	return &App{Config: cfg, Store: s, Engine: e, Log: log}, nil
}

func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
