package email

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// TemplateElement is used by a renderer to identify the different parts of an email template.
type TemplateElement string

const (
	ElementSubject TemplateElement = "subject"
	ElementBody    TemplateElement = "body"
)

// Renderer is responsible for rendering email templates.
type Renderer interface {
	Render(w io.Writer, name string, element TemplateElement, data any) error
}

// Sender is responsible for actually sending an email.
type Sender interface {
	Send(ctx context.Context, sender, recipient Address, subject, body string) error
}

// ServiceConfig is the configuration for the email Service.
type ServiceConfig struct {
	// From is the sender address of all emails.
	From Address
	// BaseURL is used by templates to construct links back to the widget.
	BaseURL *url.URL
}

// TemplateData is the data available to email templates.
type TemplateData struct {
	BaseURL   *url.URL
	Recipient Address
	Data      any
}

// Service renders templated emails and hands them to a Sender.
type Service struct {
	renderer Renderer
	sender   Sender
	cfg      ServiceConfig
}

func NewService(renderer Renderer, sender Sender, cfg ServiceConfig) *Service {
	return &Service{
		renderer: renderer,
		sender:   sender,
		cfg:      cfg,
	}
}

type templateKey struct{}

// ContextWithTemplate returns a copy of ctx that carries the name of the
// template being sent.
func ContextWithTemplate(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, templateKey{}, name)
}

// TemplateFromContext returns the name of the template that is being
// sent, senders use it to tag emails.
func TemplateFromContext(ctx context.Context) string {
	name, _ := ctx.Value(templateKey{}).(string)
	return name
}

// Send renders the template with the given name and sends it to the recipient.
func (s *Service) Send(ctx context.Context, template string, to Address, data any) error {
	ctx = ContextWithTemplate(ctx, template)

	tmplData := TemplateData{
		BaseURL:   s.cfg.BaseURL,
		Recipient: to,
		Data:      data,
	}

	var subject strings.Builder
	err := s.renderer.Render(&subject, template, ElementSubject, tmplData)
	if err != nil {
		return fmt.Errorf("failed to render subject of %s: %w", template, err)
	}

	var body strings.Builder
	err = s.renderer.Render(&body, template, ElementBody, tmplData)
	if err != nil {
		return fmt.Errorf("failed to render body of %s: %w", template, err)
	}

	return s.sender.Send(ctx, s.cfg.From, to, strings.TrimSpace(subject.String()), strings.TrimSpace(body.String()))
}
