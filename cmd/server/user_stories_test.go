package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"
)

// Test_UserStories tests the user stories of the application.
// These are end-to-end tests and won't check the nitty-gritty details or edge cases.
func Test_UserStories(t *testing.T) {
	t.Run("as a chat widget visitor, I want to", func(t *testing.T) {
		testEnv(t)

		// runAppForTest waits for the app to be up and stops it after the test finishes.
		logs := runAppForTest(t)

		c := newClient()

		const (
			addr     = "visitor@example.com"
			password = "reallyStrongPassword1"
		)

		var verifyToken string

		t.Run("register an account", func(t *testing.T) {
			res := c.mustPostJSON(t, "/api/auth", map[string]string{
				"mode":            "register",
				"email":           addr,
				"firstName":       "Vera",
				"password":        password,
				"confirmPassword": password,
			}, http.StatusCreated)

			if res.Data["needsVerification"] != true {
				t.Errorf("expected account to need verification, got %v", res.Data)
			}

			// wait for the verification email to be logged.
			verifyToken = waitAndCaptureToken(t, logs, "Verify your email address", addr)
		})

		t.Run("not login before verifying", func(t *testing.T) {
			res := c.mustPostJSON(t, "/api/auth", map[string]string{
				"mode":     "login",
				"email":    addr,
				"password": password,
			}, http.StatusUnauthorized)

			if res.Reason != "email_not_verified" {
				t.Errorf("unexpected reason %q", res.Reason)
			}
		})

		var sessionToken string

		t.Run("verify my email address", func(t *testing.T) {
			res := c.mustPostJSON(t, "/api/verify-email", map[string]string{
				"email": addr,
				"token": verifyToken,
			}, http.StatusOK)

			sessionToken, _ = res.Data["token"].(string)
			if sessionToken == "" {
				t.Fatalf("expected a session token, got %v", res.Data)
			}
		})

		t.Run("resume my session", func(t *testing.T) {
			res := c.mustPostJSON(t, "/api/session", map[string]string{
				"email": addr,
				"token": sessionToken,
			}, http.StatusOK)

			if res.Data["firstName"] != "Vera" {
				t.Errorf("unexpected account %v", res.Data)
			}
		})

		t.Run("login to my account", func(t *testing.T) {
			c.mustPostJSON(t, "/api/auth", map[string]string{
				"mode":     "login",
				"email":    addr,
				"password": password,
			}, http.StatusOK)
		})

		t.Run("reset my password", func(t *testing.T) {
			c.mustPostJSON(t, "/api/password-reset", map[string]string{
				"email": addr,
			}, http.StatusOK)

			resetToken := waitAndCaptureToken(t, logs, "Reset your password", addr)

			c.mustPostJSON(t, "/api/password-reset/complete", map[string]string{
				"email":           addr,
				"token":           resetToken,
				"newPassword":     "anotherPassword2",
				"confirmPassword": "anotherPassword2",
			}, http.StatusOK)

			c.mustPostJSON(t, "/api/auth", map[string]string{
				"mode":     "login",
				"email":    addr,
				"password": "anotherPassword2",
			}, http.StatusOK)
		})
	})
}

// runAppForTest runs the app while the test is running.
// This function returns after the app is confirmed to be up and stops
// the app when the test is cleaned up.
func runAppForTest(t *testing.T) *safeBuffer {
	t.Helper()

	// This helper function does two things:
	// 1. Run the app in a goroutine.
	// 2. Wait for the app to be up and running.

	// Both these tasks are done concurrently and share the same context.
	// When this context is cancelled, both tasks will stop.

	buf := newBuffer()

	// we will stop the server after a timeout or when the test is cleaned up.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan struct{})
	t.Cleanup(func() {
		// stop both tasks if it's still in progress.
		cancel()
		<-done

		if t.Failed() {
			t.Logf("app output:\n%s", buf.String())
		}
	})

	// Task 1: Run the app.
	go func() {
		defer close(done)

		code := run(ctx, buf)
		if code != 0 {
			t.Errorf("run exited with code %d", code)
		}

		// stop the other task
		cancel()
	}()

	// Task 2: Wait for the app to be available.
	err := waitForStatusOK(ctx, healthURL)
	if err != nil {
		t.Fatalf("error waiting for status ok: %v", err)
	}

	return buf
}

type client struct {
	http *http.Client
}

func newClient() *client {
	return &client{
		http: &http.Client{
			Timeout: httpClientTimeout * 4,
		},
	}
}

type apiResponse struct {
	OK      bool           `json:"ok"`
	Reason  string         `json:"reason"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (c *client) mustPostJSON(t *testing.T, path string, body any, wantStatus int) apiResponse {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("unexpected error marshalling body: %v", err)
	}

	res, err := c.http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error during post request: %v", err)
	}

	defer func() {
		err := res.Body.Close()
		if err != nil {
			t.Fatalf("unexpected error closing response body: %v", err)
		}
	}()

	var out apiResponse
	err = json.NewDecoder(res.Body).Decode(&out)
	if err != nil {
		t.Fatalf("unexpected error decoding response body: %v", err)
	}

	if res.StatusCode != wantStatus {
		t.Fatalf("unexpected status code: %d (%+v)", res.StatusCode, out)
	}

	return out
}

var tokenRe = regexp.MustCompile(`token=([0-9a-f]{64})`)

// waitAndCaptureToken waits for an email with the given subject to be
// logged and returns the token in it.
func waitAndCaptureToken(t *testing.T, logs *safeBuffer, subject, addr string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	captureFunc := func() (string, bool) {
		lookFor := []string{
			`msg="send email"`,
			fmt.Sprintf(`subject=%q`, subject),
			fmt.Sprintf(`recipient=%s`, addr),
		}

		lines := strings.Split(logs.String(), "\n")

		// the most recent email wins.
	OUTER:
		for i := len(lines) - 1; i >= 0; i-- {
			for _, l := range lookFor {
				if !strings.Contains(lines[i], l) {
					continue OUTER
				}
			}

			m := tokenRe.FindStringSubmatch(lines[i])
			if m != nil {
				return m[1], true
			}
		}

		return "", false
	}

	for {
		select {
		case <-ticker.C:
			if token, ok := captureFunc(); ok {
				return token
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for email to %s", addr)
		}
	}
}
