package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/respond/internal/recovery"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	// validate rejects malformed string values.
	validate func(string) error
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "api.base_url", typ: kString, env: "RESPOND_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.organization", typ: kString, env: "RESPOND_API_ORGANIZATION",
		apply:   func(cfg *Config, v any) { cfg.API.Organization = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Organization },
	},
	{
		key: "api.default_model", typ: kString, env: "RESPOND_API_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.API.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.API.DefaultModel },
	},
	{
		key: "api.key", typ: kString, env: "RESPOND_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.API.APIKey },
	},
	{
		key: "server.port", typ: kInt, env: "RESPOND_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RESPOND_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "RESPOND_LOG_LEVEL",
		validate: validateLevel,
		apply:    func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "recovery.preset", typ: kString, env: "RESPOND_RECOVERY_PRESET",
		validate: func(s string) error { _, err := recovery.PresetPolicy(s); return err },
		apply:    func(cfg *Config, v any) { cfg.Recovery.Preset = v.(string) },
		extract:  func(cfg Config) any { return cfg.Recovery.Preset },
	},
	{
		key: "recovery.max_retries", typ: kInt, env: "RESPOND_RECOVERY_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { n := v.(int); cfg.Recovery.Overrides.MaxRetries = &n },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.MaxRetries) },
	},
	{
		key: "recovery.auto_retry", typ: kBool, env: "RESPOND_RECOVERY_AUTO_RETRY",
		apply:   func(cfg *Config, v any) { b := v.(bool); cfg.Recovery.Overrides.AutoRetry = &b },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.AutoRetry) },
	},
	{
		key: "recovery.auto_prune", typ: kBool, env: "RESPOND_RECOVERY_AUTO_PRUNE",
		apply:   func(cfg *Config, v any) { b := v.(bool); cfg.Recovery.Overrides.AutoPrune = &b },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.AutoPrune) },
	},
	{
		key: "recovery.scope", typ: kString, env: "RESPOND_RECOVERY_SCOPE",
		validate: func(s string) error { _, err := recovery.ParseScope(s); return err },
		apply:    func(cfg *Config, v any) { sc, _ := recovery.ParseScope(v.(string)); cfg.Recovery.Overrides.Scope = &sc },
		extract:  func(cfg Config) any { return deref(cfg.Recovery.Overrides.Scope) },
	},
	{
		key: "recovery.notify_on_reset", typ: kBool, env: "RESPOND_RECOVERY_NOTIFY_ON_RESET",
		apply:   func(cfg *Config, v any) { b := v.(bool); cfg.Recovery.Overrides.NotifyOnReset = &b },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.NotifyOnReset) },
	},
	{
		key: "recovery.reset_message", typ: kString, env: "RESPOND_RECOVERY_RESET_MESSAGE",
		apply:   func(cfg *Config, v any) { m := v.(string); cfg.Recovery.Overrides.ResetMessage = &m },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.ResetMessage) },
	},
	{
		key: "recovery.logging", typ: kBool, env: "RESPOND_RECOVERY_LOGGING",
		apply:   func(cfg *Config, v any) { b := v.(bool); cfg.Recovery.Overrides.Logging = &b },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.Logging) },
	},
	{
		key: "recovery.retry_delay", typ: kDuration, env: "RESPOND_RECOVERY_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { d := v.(time.Duration); cfg.Recovery.Overrides.RetryDelay = &d },
		extract: func(cfg Config) any { return deref(cfg.Recovery.Overrides.RetryDelay) },
	},
	{
		key: "background.poll_interval", typ: kDuration, env: "RESPOND_BACKGROUND_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Background.PollInterval = v.(time.Duration).String() },
		extract: func(cfg Config) any { return cfg.Background.PollInterval },
	},
}

// deref renders an unset override as an empty string.
func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}

func validateLevel(s string) error {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", s)
}

// parseValue converts raw into the Go type of s.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	if s.validate != nil {
		if err := s.validate(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
