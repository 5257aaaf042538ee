// Package mailgun delivers emails through the Mailgun messages API.
package mailgun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/errorz"
	"github.com/willemschots/chatwidget/internal/krypto"
)

type Settings struct {
	// APIURL is the base url of the API, for example https://api.eu.mailgun.net.
	APIURL *url.URL
	Domain string
	APIKey krypto.Secret
}

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

// Send posts a plain text email to the messages endpoint of the domain.
// Rejected requests match errorz.ErrPermanent.
func (s *Sender) Send(ctx context.Context, from, recipient email.Address, subject, body string) error {
	fields := [][2]string{
		{"from", string(from)},
		{"to", string(recipient)},
		{"subject", subject},
		{"text", body},
	}

	if tag := email.TemplateFromContext(ctx); tag != "" {
		fields = append(fields, [2]string{"o:tag", tag})
	}

	payload, contentType, err := multipartForm(fields)
	if err != nil {
		return err
	}

	reqURL := s.settings.APIURL.JoinPath("v3", s.settings.Domain, "messages")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth("api", string(s.settings.APIKey.SecretValue()))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	detail, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return errorz.StatusError{
			Upstream:   "mailgun",
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(detail)),
		}
	}

	return nil
}

func multipartForm(fields [][2]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		err := w.WriteField(f[0], f[1])
		if err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	err := w.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}
