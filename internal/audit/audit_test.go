package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/willemschots/chatwidget/internal/audit"
	"github.com/willemschots/chatwidget/internal/errorz"
	"github.com/willemschots/chatwidget/internal/krypto"
)

func testEvent() audit.Event {
	return audit.Event{
		Type:      audit.AccountRegistered,
		AccountID: uuid.MustParse("6c3f6f0e-5a39-4d8b-9a8e-1b6f3f2d7c11"),
		Email:     "alice@example.com",
		At:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Meta:      map[string]string{"hasPassword": "true"},
	}
}

func Test_LogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := audit.NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	err := sink.Record(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`msg="audit event"`, "type=account.registered", "hasPassword=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if strings.Contains(out, "alice@example.com") {
		t.Errorf("email address should not be logged:\n%s", out)
	}
}

func Test_WebhookSink(t *testing.T) {
	secret := krypto.NewSecret("webhook-secret")

	t.Run("ok, posts signed event", func(t *testing.T) {
		var (
			gotBody []byte
			gotSig  string
			gotType string
		)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSig = r.Header.Get(audit.SignatureHeader)
			gotType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		}))
		t.Cleanup(srv.Close)

		sink := audit.NewWebhookSink(srv.Client(), audit.WebhookSettings{
			URL:    must(url.Parse(srv.URL + "/hook")),
			Secret: secret,
		})

		err := sink.Record(context.Background(), testEvent())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if gotType != "application/json" {
			t.Errorf("unexpected content type %q", gotType)
		}

		if want := audit.Sign(secret, gotBody); gotSig != want {
			t.Errorf("expected signature %q, got %q", want, gotSig)
		}

		var got audit.Event
		err = json.Unmarshal(gotBody, &got)
		if err != nil {
			t.Fatalf("failed to unmarshal body: %v", err)
		}

		if !reflect.DeepEqual(got, testEvent()) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, testEvent())
		}
	})

	t.Run("fail, non 2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		sink := audit.NewWebhookSink(srv.Client(), audit.WebhookSettings{
			URL:    must(url.Parse(srv.URL)),
			Secret: secret,
		})

		err := sink.Record(context.Background(), testEvent())

		var statusErr errorz.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected status error 500, got %v", err)
		}

		if errors.Is(err, errorz.ErrPermanent) {
			t.Errorf("expected server error to be retryable")
		}
	})
}

func Test_Sign(t *testing.T) {
	// echo -n 'body' | openssl dgst -sha256 -hmac 'key'
	got := audit.Sign(krypto.NewSecret("key"), []byte("body"))
	want := "515aae133b435d4000956731f68ae5cf5eb85d4f0dc6a546d2bfcd3595ec1ae1"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func Test_RedisSink(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	sink := audit.NewRedisSink(client, "")

	err = sink.Record(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := client.XRange(context.Background(), audit.DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	want := map[string]any{
		"type":             "account.registered",
		"account_id":       "6c3f6f0e-5a39-4d8b-9a8e-1b6f3f2d7c11",
		"email":            "alice@example.com",
		"at":               "2024-03-01T12:00:00Z",
		"meta.hasPassword": "true",
	}

	if !reflect.DeepEqual(msgs[0].Values, want) {
		t.Errorf("got\n%#v\nwant\n%#v\n", msgs[0].Values, want)
	}
}

func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}
