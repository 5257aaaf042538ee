package web

import (
	"math"
	"net/http"
	"strconv"

	"github.com/willemschots/chatwidget/internal/auth"
	"github.com/willemschots/chatwidget/internal/ratelimit"
)

// admit checks the rate limit for identifier and sets the rate limit headers.
// If the request is denied a response is written and false is returned.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, t ratelimit.LimitType, identifier string) bool {
	d := s.deps.Limiter.Check(identifier, t)
	if d.Unlimited {
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	if d.Allowed {
		return true
	}

	retryAfter := math.Ceil(d.ResetAt.Sub(s.deps.Limiter.NowFunc()).Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retryAfter))))

	s.deps.Logger.InfoContext(r.Context(), "rate limited", "type", t, "url", r.URL.Path)
	s.writeError(w, r, http.StatusTooManyRequests, response{
		Reason:  auth.ReasonRateLimited,
		Message: auth.ReasonRateLimited.Message(),
	})

	return false
}
