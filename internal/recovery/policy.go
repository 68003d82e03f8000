// Package recovery executes requests against the responses service and
// recovers from retryable failures, rewriting the request when the
// failure points at expired server-side state.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/respond/internal/failure"
)

// Scope narrows which classifications a Policy retries.
type Scope int

const (
	// ScopeAll retries expired resources and transient failures.
	ScopeAll Scope = iota
	// ScopeContainerOnly retries only expired resources.
	ScopeContainerOnly
	// ScopeTransientOnly retries transient, rate limited and retryable
	// server failures. It never prunes.
	ScopeTransientOnly
)

var scopeNames = map[Scope]string{
	ScopeAll:           "all",
	ScopeContainerOnly: "container_only",
	ScopeTransientOnly: "transient_only",
}

func (s Scope) String() string {
	if n, ok := scopeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope accepts the names produced by Scope.String, plus a few
// spellings seen in hand-written config.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return ScopeAll, nil
	case "container_only", "container", "containeronly", "container-only":
		return ScopeContainerOnly, nil
	case "transient_only", "transient", "transientonly", "transient-only":
		return ScopeTransientOnly, nil
	}
	return 0, fmt.Errorf("unknown retry scope %q (want all, container_only or transient_only)", s)
}

// Admits reports whether a failure of class c may be retried under s.
func (s Scope) Admits(c failure.Classification) bool {
	expired := c.Kind == failure.ResourceExpired
	transient := c.Kind == failure.Transient ||
		c.Kind == failure.RateLimited ||
		(c.Kind == failure.ServerError && c.Retryable)

	switch s {
	case ScopeContainerOnly:
		return expired
	case ScopeTransientOnly:
		return transient
	case ScopeAll:
		return expired || transient
	}
	return false
}

// Policy configures one Engine.Execute call. It is a value: With* methods
// and Apply return modified copies.
type Policy struct {
	MaxRetries     int
	AutoRetry      bool
	AutoPrune      bool
	Scope          Scope
	NotifyOnReset  bool
	ResetMessage   string
	LoggingEnabled bool
	// RetryDelay is used when the failure carries no delay of its own.
	RetryDelay time.Duration
}

const defaultRetryDelay = 500 * time.Millisecond

// DefaultPolicy retries an expired container once after pruning it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 1,
		AutoRetry:  true,
		AutoPrune:  true,
		Scope:      ScopeContainerOnly,
		RetryDelay: defaultRetryDelay,
	}
}

// ConservativePolicy never retries on its own but reports every failure
// that would have been recovered.
func ConservativePolicy() Policy {
	return Policy{
		MaxRetries:     1,
		AutoRetry:      false,
		AutoPrune:      true,
		Scope:          ScopeContainerOnly,
		NotifyOnReset:  true,
		LoggingEnabled: true,
		RetryDelay:     defaultRetryDelay,
	}
}

// AggressivePolicy retries up to three times on any retryable failure.
func AggressivePolicy() Policy {
	return Policy{
		MaxRetries:     3,
		AutoRetry:      true,
		AutoPrune:      true,
		Scope:          ScopeAll,
		ResetMessage:   "Previous context expired; continuing in a fresh session.",
		LoggingEnabled: true,
		RetryDelay:     defaultRetryDelay,
	}
}

// PresetPolicy returns a named preset: default, conservative or aggressive.
func PresetPolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return DefaultPolicy(), nil
	case "conservative":
		return ConservativePolicy(), nil
	case "aggressive":
		return AggressivePolicy(), nil
	}
	return Policy{}, fmt.Errorf("unknown recovery preset %q", name)
}

func (p Policy) WithMaxRetries(n int) Policy {
	if n < 0 {
		n = 0
	}
	p.MaxRetries = n
	return p
}

func (p Policy) WithAutoRetry(v bool) Policy { p.AutoRetry = v; return p }
func (p Policy) WithAutoPrune(v bool) Policy { p.AutoPrune = v; return p }
func (p Policy) WithScope(s Scope) Policy { p.Scope = s; return p }
func (p Policy) WithNotifyOnReset(v bool) Policy { p.NotifyOnReset = v; return p }
func (p Policy) WithResetMessage(m string) Policy { p.ResetMessage = m; return p }
func (p Policy) WithLogging(v bool) Policy { p.LoggingEnabled = v; return p }
func (p Policy) WithRetryDelay(d time.Duration) Policy {
	p.RetryDelay = d
	return p
}

// Overrides holds named policy fields from config, env or a policy file.
// Nil fields leave the base policy untouched.
type Overrides struct {
	MaxRetries    *int
	AutoRetry     *bool
	AutoPrune     *bool
	Logging       *bool
	Scope         *Scope
	NotifyOnReset *bool
	ResetMessage  *string
	RetryDelay    *time.Duration
}

// Apply returns p with every set field of o applied.
func (p Policy) Apply(o Overrides) Policy {
	if o.MaxRetries != nil {
		p = p.WithMaxRetries(*o.MaxRetries)
	}
	if o.AutoRetry != nil {
		p.AutoRetry = *o.AutoRetry
	}
	if o.AutoPrune != nil {
		p.AutoPrune = *o.AutoPrune
	}
	if o.Logging != nil {
		p.LoggingEnabled = *o.Logging
	}
	if o.Scope != nil {
		p.Scope = *o.Scope
	}
	if o.NotifyOnReset != nil {
		p.NotifyOnReset = *o.NotifyOnReset
	}
	if o.ResetMessage != nil {
		p.ResetMessage = *o.ResetMessage
	}
	if o.RetryDelay != nil {
		p.RetryDelay = *o.RetryDelay
	}
	return p
}

// Merge layers later over o: fields set in later win.
func (o Overrides) Merge(later Overrides) Overrides {
	if later.MaxRetries != nil {
		o.MaxRetries = later.MaxRetries
	}
	if later.AutoRetry != nil {
		o.AutoRetry = later.AutoRetry
	}
	if later.AutoPrune != nil {
		o.AutoPrune = later.AutoPrune
	}
	if later.Logging != nil {
		o.Logging = later.Logging
	}
	if later.Scope != nil {
		o.Scope = later.Scope
	}
	if later.NotifyOnReset != nil {
		o.NotifyOnReset = later.NotifyOnReset
	}
	if later.ResetMessage != nil {
		o.ResetMessage = later.ResetMessage
	}
	if later.RetryDelay != nil {
		o.RetryDelay = later.RetryDelay
	}
	return o
}
