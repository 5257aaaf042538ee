// Package ratelimit bounds the number of requests per (type, identifier)
// using an in-memory sliding window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// LimitType identifies a class of requests with its own rule.
type LimitType string

const (
	Auth                  LimitType = "auth"
	VerifyEmail           LimitType = "verify_email"
	ResendVerification    LimitType = "resend_verification"
	PasswordResetRequest  LimitType = "password_reset_request"
	PasswordResetComplete LimitType = "password_reset_complete"
	Session               LimitType = "session"
)

// Types returns all known limit types.
func Types() []LimitType {
	return []LimitType{
		Auth,
		VerifyEmail,
		ResendVerification,
		PasswordResetRequest,
		PasswordResetComplete,
		Session,
	}
}

// Rule allows MaxRequests within any sliding Window.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRules returns the rules used when nothing is configured.
func DefaultRules() map[LimitType]Rule {
	return map[LimitType]Rule{
		Auth:                  {MaxRequests: 10, Window: 15 * time.Minute},
		VerifyEmail:           {MaxRequests: 10, Window: time.Hour},
		ResendVerification:    {MaxRequests: 3, Window: time.Hour},
		PasswordResetRequest:  {MaxRequests: 3, Window: time.Hour},
		PasswordResetComplete: {MaxRequests: 5, Window: time.Hour},
		Session:               {MaxRequests: 60, Window: time.Minute},
	}
}

// Config is the configuration of a Limiter.
type Config struct {
	// Rules must contain an entry for every type returned by Types.
	Rules map[LimitType]Rule
	// SweepInterval is the time between two sweeps when running.
	SweepInterval time.Duration
	// Retention is the max age of the oldest request of an entry
	// before the entry is removed by a sweep.
	Retention time.Duration
	// Bypass allows every request without recording it.
	Bypass bool
}

// DefaultConfig returns the default rules, an hourly sweep and a 24 hour retention.
func DefaultConfig() Config {
	return Config{
		Rules:         DefaultRules(),
		SweepInterval: time.Hour,
		Retention:     24 * time.Hour,
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool
	// Remaining is the quota that was left when the request was checked.
	Remaining int
	// ResetAt is the end of the current window.
	ResetAt time.Time
	// Unlimited is set when the request was not subject to a rule.
	Unlimited bool
}

type key struct {
	limitType  LimitType
	identifier string
}

type entry struct {
	mu          sync.Mutex
	timestamps  []time.Time
	windowStart time.Time
	evicted     bool
}

// Limiter is a sliding window rate limiter. It is safe for concurrent use,
// checks for different keys don't block each other.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry

	// unknown tracks unknown limit types that have been logged.
	unknown sync.Map

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// New creates a new Limiter.
func New(cfg Config, logger *slog.Logger) (*Limiter, error) {
	var errs []error
	for _, t := range Types() {
		r, ok := cfg.Rules[t]
		if !ok {
			errs = append(errs, fmt.Errorf("missing rule for %s", t))
			continue
		}

		if r.MaxRequests <= 0 || r.Window <= 0 {
			errs = append(errs, fmt.Errorf("rule for %s needs a positive max and window, got %d/%s", t, r.MaxRequests, r.Window))
		}
	}

	if cfg.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}

	if cfg.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[key]*entry),
		NowFunc: time.Now,
	}, nil
}

// Check decides whether a request of type t by identifier is allowed,
// and records it if so. Denied requests don't use up any quota.
//
// Types without a rule are always allowed. Every type returned by Types
// has a rule, so this only happens for types unknown to this package.
func (l *Limiter) Check(identifier string, t LimitType) Decision {
	if l.cfg.Bypass {
		return Decision{
			Allowed:   true,
			Remaining: math.MaxInt,
			Unlimited: true,
		}
	}

	rule, ok := l.cfg.Rules[t]
	if !ok {
		if _, logged := l.unknown.LoadOrStore(t, true); !logged {
			l.logger.Warn("rate limit check for unknown type, allowing", "type", t)
		}

		return Decision{
			Allowed:   true,
			Remaining: math.MaxInt,
			Unlimited: true,
		}
	}

	k := key{limitType: t, identifier: identifier}
	for {
		e := l.entry(k)

		e.mu.Lock()
		if e.evicted {
			// A sweep removed the entry after we looked it up.
			e.mu.Unlock()
			l.remove(k, e)
			continue
		}

		d := e.admit(rule, l.NowFunc())
		e.mu.Unlock()

		return d
	}
}

// admit applies the rule to the entry, e.mu must be held.
func (e *entry) admit(rule Rule, now time.Time) Decision {
	cutoff := now.Add(-rule.Window)
	i := 0
	for i < len(e.timestamps) && e.timestamps[i].Before(cutoff) {
		i++
	}
	e.timestamps = e.timestamps[i:]

	// Once the window has elapsed a new one starts. Requests that are
	// still inside the sliding window keep counting, the new window
	// starts at the oldest of them.
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > rule.Window {
		e.windowStart = now
		if len(e.timestamps) > 0 {
			e.windowStart = e.timestamps[0]
		}
	}

	count := len(e.timestamps)
	allowed := count < rule.MaxRequests
	if allowed {
		e.timestamps = append(e.timestamps, now)
	}

	return Decision{
		Allowed:   allowed,
		Remaining: max(0, rule.MaxRequests-count),
		ResetAt:   e.windowStart.Add(rule.Window),
	}
}

func (l *Limiter) entry(k key) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}

	return e
}

func (l *Limiter) remove(k key, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries[k] == e {
		delete(l.entries, k)
	}
}

// Sweep removes all entries whose oldest request is older than the
// retention. It returns the number of removed entries.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	snapshot := make(map[key]*entry, len(l.entries))
	for k, e := range l.entries {
		snapshot[k] = e
	}
	l.mu.Unlock()

	cutoff := l.NowFunc().Add(-l.cfg.Retention)

	removed := 0
	for k, e := range snapshot {
		e.mu.Lock()
		oldest := e.windowStart
		if len(e.timestamps) > 0 {
			oldest = e.timestamps[0]
		}

		stale := !e.evicted && oldest.Before(cutoff)
		if stale {
			e.evicted = true
		}
		e.mu.Unlock()

		if stale {
			l.remove(k, e)
			removed++
		}
	}

	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// Run sweeps on every sweep interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := l.Sweep()
			l.logger.Debug("swept rate limit entries", "removed", removed, "remaining", l.Len())
		}
	}
}
