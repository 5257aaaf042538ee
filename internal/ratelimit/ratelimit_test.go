package ratelimit_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/willemschots/chatwidget/internal/ratelimit"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func Test_New(t *testing.T) {
	t.Run("ok, default config", func(t *testing.T) {
		_, err := ratelimit.New(ratelimit.DefaultConfig(), discardLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	failTests := map[string]func(cfg *ratelimit.Config){
		"fail, missing rule": func(cfg *ratelimit.Config) {
			delete(cfg.Rules, ratelimit.Session)
		},
		"fail, zero max": func(cfg *ratelimit.Config) {
			cfg.Rules[ratelimit.Auth] = ratelimit.Rule{MaxRequests: 0, Window: time.Minute}
		},
		"fail, zero window": func(cfg *ratelimit.Config) {
			cfg.Rules[ratelimit.Auth] = ratelimit.Rule{MaxRequests: 1}
		},
		"fail, zero sweep interval": func(cfg *ratelimit.Config) {
			cfg.SweepInterval = 0
		},
		"fail, zero retention": func(cfg *ratelimit.Config) {
			cfg.Retention = 0
		},
	}

	for name, modFunc := range failTests {
		t.Run(name, func(t *testing.T) {
			cfg := ratelimit.DefaultConfig()
			modFunc(&cfg)

			_, err := ratelimit.New(cfg, discardLogger())
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func Test_Limiter_Check(t *testing.T) {
	t.Run("ok, admits max requests then denies", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 3, Window: time.Minute})

		for i := 0; i < 3; i++ {
			*now = start.Add(time.Duration(i) * time.Second)
			d := l.Check("1.2.3.4", ratelimit.Auth)
			if !d.Allowed {
				t.Fatalf("request %d: expected to be allowed", i)
			}

			if d.Remaining != 3-i {
				t.Errorf("request %d: expected remaining %d, got %d", i, 3-i, d.Remaining)
			}

			if !d.ResetAt.Equal(start.Add(time.Minute)) {
				t.Errorf("request %d: unexpected reset at %v", i, d.ResetAt)
			}
		}

		d := l.Check("1.2.3.4", ratelimit.Auth)
		if d.Allowed || d.Remaining != 0 {
			t.Fatalf("expected denial with no remaining quota, got %+v", d)
		}
	})

	t.Run("ok, denied requests do not use quota", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 1, Window: time.Minute})

		assertAllowed(t, l.Check("a", ratelimit.Auth), true)

		// Keep hammering while denied.
		for i := 1; i < 60; i++ {
			*now = start.Add(time.Duration(i) * time.Second)
			assertAllowed(t, l.Check("a", ratelimit.Auth), false)
		}

		// The single admitted request leaves the window.
		*now = start.Add(time.Minute + time.Second)
		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
	})

	t.Run("ok, window slides", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 2, Window: time.Minute})

		*now = start
		assertAllowed(t, l.Check("a", ratelimit.Auth), true)

		*now = start.Add(50 * time.Second)
		assertAllowed(t, l.Check("a", ratelimit.Auth), true)

		// The first request has left the window, the second has not.
		*now = start.Add(61 * time.Second)
		d := l.Check("a", ratelimit.Auth)
		assertAllowed(t, d, true)

		// Both slots are taken by the requests at 50s and 61s.
		*now = start.Add(70 * time.Second)
		assertAllowed(t, l.Check("a", ratelimit.Auth), false)

		// The window restarted at the oldest request still counting.
		if want := start.Add(50*time.Second + time.Minute); !d.ResetAt.Equal(want) {
			t.Errorf("expected reset at %v, got %v", want, d.ResetAt)
		}
	})

	t.Run("ok, at most max requests in any sliding interval", func(t *testing.T) {
		const max = 5
		window := 10 * time.Second
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: max, Window: window})

		var admitted []time.Time
		for i := 0; i < 300; i++ {
			*now = start.Add(time.Duration(i) * 333 * time.Millisecond)
			if l.Check("a", ratelimit.Auth).Allowed {
				admitted = append(admitted, *now)
			}
		}

		for i := range admitted {
			n := 0
			for _, ts := range admitted[i:] {
				if ts.Sub(admitted[i]) < window {
					n++
				}
			}

			if n > max {
				t.Fatalf("%d admissions within %s starting at %v", n, window, admitted[i])
			}
		}
	})

	t.Run("ok, new window after full elapse counts from one", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 3, Window: time.Minute})

		for i := 0; i < 4; i++ {
			l.Check("a", ratelimit.Auth)
		}

		*now = start.Add(2 * time.Minute)
		d := l.Check("a", ratelimit.Auth)
		if !d.Allowed || d.Remaining != 3 {
			t.Fatalf("expected fresh window, got %+v", d)
		}

		if !d.ResetAt.Equal(start.Add(3 * time.Minute)) {
			t.Errorf("unexpected reset at %v", d.ResetAt)
		}

		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
		assertAllowed(t, l.Check("a", ratelimit.Auth), false)
	})

	t.Run("ok, keys are independent", func(t *testing.T) {
		l, _ := newLimiter(t, ratelimit.Rule{MaxRequests: 1, Window: time.Minute})

		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
		assertAllowed(t, l.Check("a", ratelimit.Auth), false)

		assertAllowed(t, l.Check("b", ratelimit.Auth), true)
		assertAllowed(t, l.Check("a", ratelimit.Session), true)
	})

	t.Run("ok, bypass allows everything and records nothing", func(t *testing.T) {
		cfg := ratelimit.DefaultConfig()
		cfg.Bypass = true
		l, err := ratelimit.New(cfg, discardLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for i := 0; i < 100; i++ {
			d := l.Check("a", ratelimit.ResendVerification)
			if !d.Allowed || !d.Unlimited || d.Remaining != math.MaxInt {
				t.Fatalf("expected unlimited decision, got %+v", d)
			}
		}

		if l.Len() != 0 {
			t.Errorf("expected no entries, got %d", l.Len())
		}
	})

	t.Run("ok, unknown type is allowed and logged once", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := ratelimit.New(ratelimit.DefaultConfig(), slog.New(slog.NewTextHandler(&buf, nil)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		for i := 0; i < 3; i++ {
			d := l.Check("a", ratelimit.LimitType("chat"))
			if !d.Allowed || !d.Unlimited {
				t.Fatalf("expected unlimited decision, got %+v", d)
			}
		}

		if n := strings.Count(buf.String(), "unknown type"); n != 1 {
			t.Errorf("expected 1 log line, got %d:\n%s", n, buf.String())
		}
	})
}

func Test_Limiter_CheckConcurrent(t *testing.T) {
	const (
		max = 10
		k   = 100
	)

	l, err := ratelimit.New(configWithRule(ratelimit.Rule{MaxRequests: max, Window: time.Hour}), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		ready   = make(chan struct{})
	)

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready

			if l.Check("fresh-key", ratelimit.Auth).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}

	close(ready)
	wg.Wait()

	if allowed != max {
		t.Errorf("expected exactly %d admissions, got %d", max, allowed)
	}
}

func Test_Limiter_Sweep(t *testing.T) {
	t.Run("ok, removes entries older than retention", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 5, Window: time.Minute})

		l.Check("old", ratelimit.Auth)

		*now = start.Add(23 * time.Hour)
		l.Check("recent", ratelimit.Auth)

		*now = start.Add(24*time.Hour + time.Second)
		if removed := l.Sweep(); removed != 1 {
			t.Fatalf("expected 1 removed entry, got %d", removed)
		}

		if l.Len() != 1 {
			t.Errorf("expected 1 entry left, got %d", l.Len())
		}
	})

	t.Run("ok, swept key starts a fresh window", func(t *testing.T) {
		l, now := newLimiter(t, ratelimit.Rule{MaxRequests: 1, Window: 48 * time.Hour})

		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
		assertAllowed(t, l.Check("a", ratelimit.Auth), false)

		*now = start.Add(25 * time.Hour)
		l.Sweep()

		assertAllowed(t, l.Check("a", ratelimit.Auth), true)
	})

	t.Run("ok, sweep concurrent with checks", func(t *testing.T) {
		l, err := ratelimit.New(configWithRule(ratelimit.Rule{MaxRequests: 1000, Window: time.Hour}), discardLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					l.Check(fmt.Sprintf("key-%d", j%10), ratelimit.Auth)
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Sweep()
			}
		}()

		wg.Wait()

		if l.Len() != 10 {
			t.Errorf("expected 10 entries, got %d", l.Len())
		}
	})
}

func Test_Limiter_Run(t *testing.T) {
	cfg := configWithRule(ratelimit.Rule{MaxRequests: 1, Window: time.Millisecond})
	cfg.SweepInterval = time.Millisecond
	cfg.Retention = time.Millisecond

	l, err := ratelimit.New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Check("a", ratelimit.Auth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- l.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entry was not swept")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()

	err = <-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertAllowed(t *testing.T, d ratelimit.Decision, want bool) {
	t.Helper()
	if d.Allowed != want {
		t.Fatalf("expected allowed=%v, got %+v", want, d)
	}
}

func newLimiter(t *testing.T, rule ratelimit.Rule) (*ratelimit.Limiter, *time.Time) {
	t.Helper()

	l, err := ratelimit.New(configWithRule(rule), discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := start
	l.NowFunc = func() time.Time {
		return now
	}

	return l, &now
}

// configWithRule uses rule for every type.
func configWithRule(rule ratelimit.Rule) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	for _, lt := range ratelimit.Types() {
		cfg.Rules[lt] = rule
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
