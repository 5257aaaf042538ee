package auth_test

import (
	"testing"
	"time"

	"github.com/willemschots/chatwidget/internal/auth"
)

func Test_TokenLifetimes_Issue(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lifetimes := auth.DefaultTokenLifetimes()

	tests := map[string]struct {
		kind auth.TokenKind
		want time.Time
	}{
		"ok, session token expires after 30 days": {
			kind: auth.SessionToken,
			want: now.Add(30 * 24 * time.Hour),
		},
		"ok, action token expires after 24 hours": {
			kind: auth.ActionToken,
			want: now.Add(24 * time.Hour),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			a, err := lifetimes.Issue(tc.kind, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !a.ExpiresAt.Equal(tc.want) {
				t.Errorf("got expiry %v, want %v", a.ExpiresAt, tc.want)
			}

			b, err := lifetimes.Issue(tc.kind, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if a.Token == b.Token {
				t.Errorf("expected unique tokens")
			}

			state := a.State()
			if !a.Token.MatchDigest(state.Digest) || !state.ExpiresAt.Equal(tc.want) {
				t.Errorf("state %+v does not describe issued token", state)
			}
		})
	}

	t.Run("fail, unknown kind", func(t *testing.T) {
		_, err := lifetimes.Issue(auth.TokenKind(42), now)
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
	})
}

func Test_IsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		expiresAt *time.Time
		want      bool
	}{
		"ok, missing expiry is expired": {nil, true},
		"ok, in the past":               {ptr(now.Add(-time.Second)), true},
		"ok, exactly now":               {ptr(now), true},
		"ok, in the future":             {ptr(now.Add(time.Second)), false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := auth.IsExpired(tc.expiresAt, now); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
