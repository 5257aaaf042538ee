package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/errorz"
)

// reasonInvalidRequest is used for requests that can't be decoded.
const reasonInvalidRequest auth.Reason = "invalid_request"

// response is the envelope of every response body.
type response struct {
	OK      bool        `json:"ok"`
	Reason  auth.Reason `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    any         `json:"data,omitempty"`
}

type registrationData struct {
	AccountID         uuid.UUID     `json:"accountId"`
	Email             email.Address `json:"email"`
	NeedsVerification bool          `json:"needsVerification"`
}

func newRegistrationData(r auth.RegisterResult) registrationData {
	return registrationData{
		AccountID:         r.AccountID,
		Email:             r.Email,
		NeedsVerification: r.NeedsVerification,
	}
}

type sessionData struct {
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expiresAt"`
	AlreadyVerified bool      `json:"alreadyVerified,omitempty"`
}

func newSessionData(s auth.Session) sessionData {
	return sessionData{
		Token:           s.Token.String(),
		ExpiresAt:       s.ExpiresAt,
		AlreadyVerified: s.AlreadyVerified,
	}
}

type accountData struct {
	AccountID     uuid.UUID     `json:"accountId"`
	Email         email.Address `json:"email"`
	FirstName     string        `json:"firstName,omitempty"`
	LastName      string        `json:"lastName,omitempty"`
	EmailVerified bool          `json:"emailVerified"`
}

func newAccountData(a auth.Account) accountData {
	return accountData{
		AccountID:     a.ID,
		Email:         a.Email,
		FirstName:     a.FirstName,
		LastName:      a.LastName,
		EmailVerified: a.EmailVerified,
	}
}

type healthData struct {
	Revision  string `json:"revision"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"goVersion,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) error {
	return writeJSON(w, status, response{
		OK:   true,
		Data: data,
	})
}

func writeJSON(w http.ResponseWriter, status int, v response) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, status int, data any) {
	err := writeData(w, status, data)
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "failed to write response", "url", r.URL.String(), "error", err)
	}
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidInput errorz.InvalidInput
	if errors.As(err, &invalidInput) {
		s.writeError(w, r, http.StatusBadRequest, response{
			Reason:  reasonInvalidRequest,
			Message: "The request could not be read, check the fields: " + strings.Join(invalidInput.Keys(), ", ") + ".",
		})
		return
	}

	e := auth.AsError(err)
	if e.Kind == auth.KindDependencyFailure {
		s.deps.Logger.ErrorContext(r.Context(), "internal server error", "url", r.URL.String(), "error", err)
	}

	s.writeError(w, r, statusFor(e), response{
		Reason:  e.Reason,
		Message: e.Message,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, res response) {
	res.OK = false
	err := writeJSON(w, status, res)
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "failed to write error response", "url", r.URL.String(), "error", err)
	}
}

// statusFor maps a lifecycle error to a HTTP status code.
func statusFor(e *auth.Error) int {
	if e.Reason == auth.ReasonBetaFull {
		return http.StatusForbidden
	}

	switch e.Kind {
	case auth.KindValidation:
		return http.StatusBadRequest
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindNotFound:
		return http.StatusNotFound
	case auth.KindExpired:
		return http.StatusGone
	case auth.KindUnauthorized:
		return http.StatusUnauthorized
	case auth.KindCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
