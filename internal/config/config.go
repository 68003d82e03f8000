package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/respond/internal/recovery"
)

type Config struct {
	API        APIConfig
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Recovery   RecoveryConfig
	Background BackgroundConfig
}

type APIConfig struct {
	BaseURL      string
	Organization string
	DefaultModel string
	APIKey       string
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// RecoveryConfig selects a preset policy and the fields to override on it.
// Unset overrides keep the preset value.
type RecoveryConfig struct {
	Preset    string
	Overrides recovery.Overrides
}

type BackgroundConfig struct {
	PollInterval string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4.1",
		},
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Recovery: RecoveryConfig{
			Preset: "default",
		},
		Background: BackgroundConfig{
			PollInterval: "5s",
		},
	}
}

// Policy builds the recovery policy from the preset and overrides.
func (c Config) Policy() (recovery.Policy, error) {
	p, err := recovery.PresetPolicy(c.Recovery.Preset)
	if err != nil {
		return recovery.Policy{}, err
	}
	return p.Apply(c.Recovery.Overrides), nil
}

// PollInterval parses background.poll_interval.
func (c Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Background.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid background.poll_interval %q: %w", c.Background.PollInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("background.poll_interval must be positive, got %s", d)
	}
	return d, nil
}

// ErrMissingAPIKey is returned by Load when no API key is configured.
var ErrMissingAPIKey = errors.New("missing required config: API key")

// Load reads configuration and requires an API key.
//
// Values are layered: defaults, then the YAML file at
// $XDG_CONFIG_HOME/respond/config.yaml, then a .env file in the working
// directory, then RESPOND_* environment variables. The API key comes from
// RESPOND_API_KEY, OPENAI_API_KEY or the platform secret store, in that
// order.
func Load() (Config, error) {
	cfg, err := LoadLocal()
	if err != nil {
		return Config{}, err
	}
	if cfg.API.APIKey == "" {
		return Config{}, fmt.Errorf("%w. Set it via environment variable RESPOND_API_KEY or OPENAI_API_KEY%s",
			ErrMissingAPIKey, apiKeyHint())
	}
	return cfg, nil
}

// LoadLocal is Load without the API key requirement, for commands that
// never talk to the service.
func LoadLocal() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.API.APIKey == "" {
		if key, err := kc.Get(secretService, secretAccount); err == nil && key != "" {
			cfg.API.APIKey = key
		}
	}

	if _, err := cfg.Policy(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const (
	secretService = "respond"
	secretAccount = "api_key"
)

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StoreAPIKey saves the API key in the platform secret store.
func StoreAPIKey(key string) error {
	return keychainSet(secretService, secretAccount, key)
}
