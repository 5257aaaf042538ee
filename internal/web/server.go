package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/schema"
	"github.com/willemschots/chatwidget/internal"
	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/ratelimit"
)

// ServerDeps are the dependencies for the server.
type ServerDeps struct {
	Logger      *slog.Logger
	AuthService *auth.Service
	Limiter     *ratelimit.Limiter
}

// ServerConfig is the configuration for the server.
type ServerConfig struct {
	// TrustProxy identifies clients by the first X-Forwarded-For address
	// instead of the remote address of the connection.
	TrustProxy bool
}

type Server struct {
	deps    *ServerDeps
	cfg     ServerConfig
	mux     *http.ServeMux
	decoder *schema.Decoder
	handler http.Handler
}

func NewServer(deps *ServerDeps, cfg ServerConfig) *Server {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		decoder: decoder,
	}

	// Most endpoints below are created using the map functions.
	// These functions return handlers that automatically map between HTTP requests, target functions and HTTP responses.
	// Every endpoint is rate limited by client IP, unless it is limited by a field of the input.

	// Combined login and registration endpoint.
	{
		h := mapBoth(s, deps.AuthService.Authenticate)
		h.limit(ratelimit.Auth)
		h.response(func(r result[auth.AuthRequest, auth.AuthResult]) error {
			if r.out.Registration != nil {
				return writeData(r.w, http.StatusCreated, newRegistrationData(*r.out.Registration))
			}

			return writeData(r.w, http.StatusOK, newSessionData(*r.out.Session))
		})

		s.mux.Handle("POST /api/auth", h)
	}

	// Email verification endpoint. GET supports the link in the email,
	// POST supports a code entered in the widget.
	{
		h := mapBoth(s, func(ctx context.Context, in emailToken) (auth.Session, error) {
			return deps.AuthService.VerifyEmail(ctx, in.Email, in.Token)
		})
		h.limit(ratelimit.VerifyEmail)
		h.response(func(r result[emailToken, auth.Session]) error {
			return writeData(r.w, http.StatusOK, newSessionData(r.out))
		})

		s.mux.Handle("GET /api/verify-email", h)
		s.mux.Handle("POST /api/verify-email", h)
	}

	{
		h := mapRequest(s, func(ctx context.Context, in emailOnly) error {
			return deps.AuthService.ResendVerification(ctx, in.Email)
		})
		h.limitBy(ratelimit.ResendVerification, func(in emailOnly) string {
			return normalizeIdentifier(in.Email)
		})

		s.mux.Handle("POST /api/resend-verification", h)
	}

	// Password reset endpoints.
	{
		h := mapRequest(s, func(ctx context.Context, in emailOnly) error {
			_, err := deps.AuthService.RequestPasswordReset(ctx, in.Email)
			return s.hideAccountErrors(ctx, err)
		})
		h.limit(ratelimit.PasswordResetRequest)

		s.mux.Handle("POST /api/password-reset", h)
	}
	{
		h := mapRequest(s, deps.AuthService.CompletePasswordReset)
		h.limit(ratelimit.PasswordResetComplete)

		s.mux.Handle("POST /api/password-reset/complete", h)
	}

	// Session endpoint, returns the account of a valid session.
	{
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc, ok := AccountFromContext(r.Context())
			if !ok {
				s.handleError(w, r, auth.AsError(errors.New("no account in context")))
				return
			}

			s.writeResponse(w, r, http.StatusOK, newAccountData(acc))
		})

		s.sessionOnly("POST /api/session", h)
	}

	s.mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeResponse(w, r, http.StatusOK, healthData{
			Revision:  internal.Build.Revision,
			Modified:  internal.Build.Modified,
			GoVersion: internal.Build.GoVersion,
		})
	}))

	// Wrap the mux with global middlewares.
	middlewares := []func(http.Handler) http.Handler{
		s.recoverPanic,
		s.limitBody,
	}
	s.handler = s.mux
	for i := len(middlewares) - 1; i >= 0; i-- {
		s.handler = middlewares[i](s.handler)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// hideAccountErrors logs lifecycle errors that would reveal whether an
// account exists, and returns nil for them.
func (s *Server) hideAccountErrors(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	e := auth.AsError(err)
	if e.Kind == auth.KindValidation {
		return err
	}

	if e.Kind == auth.KindDependencyFailure {
		s.deps.Logger.ErrorContext(ctx, "hidden account error", "error", err)
	} else {
		s.deps.Logger.InfoContext(ctx, "hidden account error", "reason", e.Reason)
	}

	return nil
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}

			if v == http.ErrAbortHandler {
				panic(v)
			}

			s.handleError(w, r, fmt.Errorf("panic: %v", v))
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
