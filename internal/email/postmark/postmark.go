// Package postmark delivers emails through the Postmark API.
package postmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/errorz"
	"github.com/willemschots/chatwidget/internal/krypto"
)

// DefaultAPIURL is the Postmark endpoint for sending a single email.
const DefaultAPIURL = "https://api.postmarkapp.com/email"

type Settings struct {
	APIURL        *url.URL
	ServerToken   krypto.Secret
	MessageStream string
}

// Sender sends transactional emails, one API call per email.
type Sender struct {
	client   *http.Client
	settings Settings
}

func NewSender(client *http.Client, s Settings) *Sender {
	return &Sender{
		client:   client,
		settings: s,
	}
}

type message struct {
	From          string
	To            string
	Subject       string
	TextBody      string
	MessageStream string
	// Tag groups the emails of one template in the Postmark UI.
	Tag string `json:",omitempty"`
}

type result struct {
	ErrorCode int
	Message   string
	MessageID string
}

// Send sends a plain text email. Rejections by Postmark, like an inactive
// recipient, match errorz.ErrPermanent.
func (s *Sender) Send(ctx context.Context, from, recipient email.Address, subject, body string) error {
	req, err := s.newRequest(ctx, message{
		From:          string(from),
		To:            string(recipient),
		Subject:       subject,
		TextBody:      body,
		MessageStream: s.settings.MessageStream,
		Tag:           email.TemplateFromContext(ctx),
	})
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return checkResponse(resp)
}

func (s *Sender) newRequest(ctx context.Context, m message) (*http.Request, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.APIURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", string(s.settings.ServerToken.SecretValue()))
	return req, nil
}

// checkResponse reports unsuccessful sends. Postmark reports most
// failures as a 422 with an error code in the body.
func checkResponse(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var res result
	decodeErr := json.Unmarshal(raw, &res)

	if resp.StatusCode != http.StatusOK || (decodeErr == nil && res.ErrorCode != 0) {
		statusErr := errorz.StatusError{Upstream: "postmark", StatusCode: resp.StatusCode}
		if decodeErr == nil && res.ErrorCode != 0 {
			statusErr.Detail = fmt.Sprintf("error code %d: %s", res.ErrorCode, res.Message)
		}
		return statusErr
	}

	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}

	return nil
}
