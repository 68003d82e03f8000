package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kalambet/respond/internal/background"
	"github.com/kalambet/respond/internal/config"
	"github.com/kalambet/respond/internal/metrics"
	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/responses"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/transport"
)

// app is everything a command needs to talk to the service.
type app struct {
	cfg          config.Config
	store        *storage.Store
	transport    *transport.Client
	client       *responses.Client
	poller       *background.Poller
	metrics      *metrics.Recorder
	registry     *prometheus.Registry
	pollInterval time.Duration
}

// loadConfig loads config and applies the persistent recovery flags.
// requireKey is false for commands that never contact the service.
func loadConfig(cmd *cobra.Command, requireKey bool) (config.Config, error) {
	load := config.LoadLocal
	if requireKey {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return config.Config{}, err
	}

	if preset, _ := cmd.Flags().GetString("preset"); preset != "" {
		if _, err := recovery.PresetPolicy(preset); err != nil {
			return config.Config{}, err
		}
		cfg.Recovery.Preset = preset
	}
	if path, _ := cmd.Flags().GetString("policy-file"); path != "" {
		f, err := config.LoadPolicyFile(path)
		if err != nil {
			return config.Config{}, err
		}
		if cfg, err = cfg.WithPolicyFile(f); err != nil {
			return config.Config{}, err
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level == "" {
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), parseLevel(cfg.Log.Level), noColor))
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	t := transport.NewClientWithBaseURL(cfg.API.APIKey, cfg.API.BaseURL)
	t.SetOrganization(cfg.API.Organization)

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	poller := background.NewPoller(t)

	// serve has no terminal to talk to; resets go to the log instead.
	var notifier recovery.Notifier = recovery.NotifierFunc(notifyReset)
	if cmd.Name() == "serve" {
		notifier = recovery.LogNotifier{Logger: slog.Default()}
	}

	client := responses.New(t,
		responses.WithPolicy(policy),
		responses.WithJournal(store),
		responses.WithPoller(poller),
		responses.WithEngineOptions(
			recovery.WithRecorder(rec),
			recovery.WithNotifier(notifier),
		),
	)

	slog.Debug("client ready",
		"base_url", cfg.API.BaseURL,
		"preset", cfg.Recovery.Preset,
		"max_retries", policy.MaxRetries,
		"scope", policy.Scope.String(),
	)

	return &app{
		cfg:          cfg,
		store:        store,
		transport:    t,
		client:       client,
		poller:       poller,
		metrics:      rec,
		registry:     reg,
		pollInterval: interval,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
