package web

import (
	"context"
	"net/http"

	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/ratelimit"
)

// sessionOnly registers a handler that is only reachable with a valid session.
// The session token is read from the request or from a bearer Authorization header.
func (s *Server) sessionOnly(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admit(w, r, ratelimit.Session, s.clientIP(r)) {
			return
		}

		in, err := defaultRequest[emailToken](s, r)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		if in.Token == "" {
			in.Token = bearerToken(r)
		}

		acc, err := s.deps.AuthService.ValidateSession(r.Context(), in.Email, in.Token)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		ctx := ContextWithAccount(r.Context(), acc)
		handler.ServeHTTP(w, r.WithContext(ctx))
	}))
}

type ctxKey string

const accountKey ctxKey = "chatwidgetAccount"

func ContextWithAccount(ctx context.Context, acc auth.Account) context.Context {
	return context.WithValue(ctx, accountKey, acc)
}

func AccountFromContext(ctx context.Context) (auth.Account, bool) {
	acc, ok := ctx.Value(accountKey).(auth.Account)
	return acc, ok
}
