// Package audit records notable account events to an external sink.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/willemschots/chatwidget/internal/email"
)

// Event types recorded by the account lifecycle.
const (
	AccountRegistered    = "account.registered"
	EmailVerified        = "account.email_verified"
	VerificationResent   = "account.verification_resent"
	LoggedIn             = "account.logged_in"
	PasswordResetRequest = "account.password_reset_requested"
	PasswordResetDone    = "account.password_reset_completed"
)

// Event is a single audit record.
type Event struct {
	Type      string            `json:"type"`
	AccountID uuid.UUID         `json:"account_id"`
	Email     email.Address     `json:"email"`
	At        time.Time         `json:"at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Sink stores audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []any{
		"type", e.Type,
		"accountID", e.AccountID,
		"at", e.At,
	}
	for k, v := range e.Meta {
		attrs = append(attrs, k, v)
	}

	s.logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}
