package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/willemschots/chatwidget/internal/errorz"
	"github.com/willemschots/chatwidget/internal/krypto"
)

// SignatureHeader carries the hex encoded HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

type WebhookSettings struct {
	URL    *url.URL
	Secret krypto.Secret
}

// WebhookSink posts events as JSON to a webhook.
type WebhookSink struct {
	client   *http.Client
	settings WebhookSettings
}

func NewWebhookSink(client *http.Client, settings WebhookSettings) *WebhookSink {
	return &WebhookSink{
		client:   client,
		settings: settings,
	}
}

func (s *WebhookSink) Record(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.URL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(s.settings.Secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorz.StatusError{Upstream: "audit webhook", StatusCode: resp.StatusCode}
	}

	return nil
}

// Sign returns the hex encoded HMAC-SHA256 of body using secret.
func Sign(secret krypto.Secret, body []byte) string {
	mac := hmac.New(sha256.New, secret.SecretValue())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
