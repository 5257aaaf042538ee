package web

import (
	"context"
	"net/http"

	"github.com/willemschots/chatwidget/internal/ratelimit"
)

// mapper is a handler that decodes a request into IN, passes it to a
// target and encodes the OUT it returns. Every stage reports errors
// through the server error handler.
type mapper[IN, OUT any] struct {
	s      *Server
	decode func(*http.Request) (IN, error)
	target func(context.Context, IN) (OUT, error)
	encode func(result[IN, OUT]) error

	// limits run in order, before and after decoding.
	preLimit  func(*http.Request) (ratelimit.LimitType, string)
	postLimit func(IN) (ratelimit.LimitType, string)
}

// result holds everything a response might be built from.
type result[IN, OUT any] struct {
	s   *Server
	r   *http.Request
	w   http.ResponseWriter
	in  IN
	out OUT
}

// mapBoth maps a request onto targetFunc and writes its output as data
// with status 200.
func mapBoth[IN, OUT any](s *Server, targetFunc func(context.Context, IN) (OUT, error)) *mapper[IN, OUT] {
	return &mapper[IN, OUT]{
		s: s,
		decode: func(r *http.Request) (IN, error) {
			return defaultRequest[IN](s, r)
		},
		target: targetFunc,
		encode: func(res result[IN, OUT]) error {
			return writeData(res.w, http.StatusOK, res.out)
		},
	}
}

// mapRequest maps a request onto targetFunc and writes an ok response
// without data.
func mapRequest[IN any](s *Server, targetFunc func(context.Context, IN) error) *mapper[IN, struct{}] {
	m := mapBoth(s, func(ctx context.Context, in IN) (struct{}, error) {
		return struct{}{}, targetFunc(ctx, in)
	})
	m.encode = func(res result[IN, struct{}]) error {
		return writeData(res.w, http.StatusOK, nil)
	}
	return m
}

func (m *mapper[IN, OUT]) response(fn func(result[IN, OUT]) error) *mapper[IN, OUT] {
	m.encode = fn
	return m
}

// limit rate limits requests per client IP.
func (m *mapper[IN, OUT]) limit(t ratelimit.LimitType) *mapper[IN, OUT] {
	m.preLimit = func(r *http.Request) (ratelimit.LimitType, string) {
		return t, m.s.clientIP(r)
	}
	m.postLimit = nil
	return m
}

// limitBy rate limits requests per identifier derived from the input.
func (m *mapper[IN, OUT]) limitBy(t ratelimit.LimitType, identify func(IN) string) *mapper[IN, OUT] {
	m.preLimit = nil
	m.postLimit = func(in IN) (ratelimit.LimitType, string) {
		return t, identify(in)
	}
	return m
}

func (m *mapper[IN, OUT]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.preLimit != nil {
		t, id := m.preLimit(r)
		if !m.s.admit(w, r, t, id) {
			return
		}
	}

	in, err := m.decode(r)
	if err != nil {
		m.s.handleError(w, r, err)
		return
	}

	if m.postLimit != nil {
		t, id := m.postLimit(in)
		if !m.s.admit(w, r, t, id) {
			return
		}
	}

	out, err := m.target(r.Context(), in)
	if err != nil {
		m.s.handleError(w, r, err)
		return
	}

	err = m.encode(result[IN, OUT]{s: m.s, r: r, w: w, in: in, out: out})
	if err != nil {
		m.s.handleError(w, r, err)
	}
}
