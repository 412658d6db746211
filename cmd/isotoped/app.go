package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"isotope/internal/config"
	"isotope/internal/coordinator"
	"isotope/internal/model"
	"isotope/internal/settings"
	"isotope/internal/store"
	"isotope/internal/telemetry"
)

// resolveConfig layers file, environment and flags over the defaults.
func resolveConfig(opts *rootOptions, getenv func(string) string) (config.Config, error) {
	if opts.envFile != "" {
		if err := config.LoadDotEnv(opts.envFile); err != nil {
			return config.Config{}, err
		}
	}
	var cfg config.Config
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Config{}, fmt.Errorf("config %s: %w", opts.configPath, err)
		}
	}
	cfg = cfg.ApplyEnv(getenv)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	return cfg.WithDefaults()
}

// app owns every long-lived component of the process.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	sessions *store.Store
	settings *settings.Store
	coord    *coordinator.Coordinator

	closers []func() error
}

// openStores opens just the persistence layer, which is all the listing
// commands need.
func openStores(ctx context.Context, opts *rootOptions, logOut io.Writer, getenv func(string) string) (*app, error) {
	cfg, err := resolveConfig(opts, getenv)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, File: cfg.LogFile, Out: logOut})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func() error{closeLog}}

	a.sessions, err = store.Open(ctx, store.Config{Path: cfg.DBPath, MaxOpenConns: cfg.MaxOpenConns, Logger: log.With().Str("component", "store").Logger()})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.sessions.Close)

	a.settings, err = settings.Open(cfg.SettingsPath, log.With().Str("component", "settings").Logger())
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openApp additionally wires tracing, the model loader and the coordinator.
func openApp(ctx context.Context, opts *rootOptions, logOut io.Writer, getenv func(string) string) (*app, error) {
	a, err := openStores(ctx, opts, logOut, getenv)
	if err != nil {
		return nil, err
	}
	shutdownTracing, err := telemetry.InitTracing(ctx, a.cfg.TraceFile, version)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	hub := &model.Hub{
		Endpoint: a.cfg.HubEndpoint,
		Revision: a.cfg.HubRevision,
		CacheDir: a.cfg.HubCacheDir,
		Token:    a.cfg.HFToken,
		Log:      a.log.With().Str("component", "hub").Logger(),
	}
	loader := model.NewLoader(model.LoaderConfig{
		Hub:          hub,
		Logger:       a.log.With().Str("component", "loader").Logger(),
		LlamaCtx:     a.cfg.LlamaCtx,
		LlamaThreads: a.cfg.LlamaThreads,
	})
	a.coord, err = coordinator.New(ctx, coordinator.Config{
		Loader:       coordinator.HandleLoader(loader),
		Sessions:     a.sessions,
		Settings:     a.settings,
		SystemPrompt: a.cfg.SystemPrompt,
		StreamBuffer: a.cfg.StreamBuffer,
		Logger:       a.log.With().Str("component", "coordinator").Logger(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	// The coordinator must release the model before the store goes away.
	a.closers = append(a.closers, a.coord.Close)
	return a, nil
}

// Close releases components in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
