package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/respond/internal/recovery"
)

// PolicyFile is a recovery profile loaded from YAML. Field names match
// snake_case keys; omitted keys leave the configured policy untouched.
type PolicyFile struct {
	Preset        string  `yaml:"preset"`
	MaxRetries    *int    `yaml:"max_retries"`
	AutoRetry     *bool   `yaml:"auto_retry"`
	AutoPrune     *bool   `yaml:"auto_prune"`
	Scope         *string `yaml:"scope"`
	NotifyOnReset *bool   `yaml:"notify_on_reset"`
	ResetMessage  *string `yaml:"reset_message"`
	Logging       *bool   `yaml:"logging"`
	RetryDelay    *string `yaml:"retry_delay"`
}

// LoadPolicyFile reads a YAML recovery profile.
func LoadPolicyFile(path string) (PolicyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, err
	}
	var f PolicyFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return PolicyFile{}, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	if _, err := f.Overrides(); err != nil {
		return PolicyFile{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	if f.Preset != "" {
		if _, err := recovery.PresetPolicy(f.Preset); err != nil {
			return PolicyFile{}, fmt.Errorf("policy file %s: %w", path, err)
		}
	}
	return f, nil
}

func (f PolicyFile) Overrides() (recovery.Overrides, error) {
	o := recovery.Overrides{
		MaxRetries:    f.MaxRetries,
		AutoRetry:     f.AutoRetry,
		AutoPrune:     f.AutoPrune,
		NotifyOnReset: f.NotifyOnReset,
		ResetMessage:  f.ResetMessage,
		Logging:       f.Logging,
	}
	if f.Scope != nil {
		sc, err := recovery.ParseScope(*f.Scope)
		if err != nil {
			return recovery.Overrides{}, err
		}
		o.Scope = &sc
	}
	if f.RetryDelay != nil {
		d, err := time.ParseDuration(*f.RetryDelay)
		if err != nil {
			return recovery.Overrides{}, fmt.Errorf("invalid retry_delay %q: %w", *f.RetryDelay, err)
		}
		o.RetryDelay = &d
	}
	return o, nil
}

// WithPolicyFile layers f over the recovery settings of cfg. A preset in
// the file replaces the configured preset.
func (c Config) WithPolicyFile(f PolicyFile) (Config, error) {
	o, err := f.Overrides()
	if err != nil {
		return Config{}, err
	}
	if f.Preset != "" {
		c.Recovery.Preset = f.Preset
	}
	c.Recovery.Overrides = c.Recovery.Overrides.Merge(o)
	return c, nil
}
