package web

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/schema"
	"github.com/willemschots/chatwidget/internal/errorz"
)

const maxBodyBytes = 64 << 10

// emailToken is the input of endpoints that take an email address and a token.
type emailToken struct {
	Email string `json:"email" schema:"email"`
	Token string `json:"token" schema:"token"`
}

type emailOnly struct {
	Email string `json:"email" schema:"email"`
}

// defaultRequest is the default way to map a request to a struct.
// JSON bodies are decoded as JSON, everything else as a form.
func defaultRequest[IN any](s *Server, r *http.Request) (IN, error) {
	var in IN

	if isJSON(r) {
		err := json.NewDecoder(r.Body).Decode(&in)
		if err != nil && !errors.Is(err, io.EOF) {
			return in, errorz.InvalidInput{{Key: "body", Err: err}}
		}

		return in, nil
	}

	err := r.ParseForm()
	if err != nil {
		return in, errorz.InvalidInput{{Key: "form", Err: err}}
	}

	err = s.decoder.Decode(&in, r.Form)
	return in, decodeError(err)
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

func decodeError(err error) error {
	if err == nil {
		return nil
	}

	var multiErr schema.MultiError
	if errors.As(err, &multiErr) {
		var invalidInput errorz.InvalidInput
		for key, e := range multiErr {
			invalidInput = append(invalidInput, errorz.Keyed{
				Key: key,
				Err: e,
			})
		}

		return invalidInput
	}

	return errorz.InvalidInput{{Key: "form", Err: err}}
}

// clientIP identifies the client of r.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		fwd := r.Header.Get("X-Forwarded-For")
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// bearerToken returns the token in the Authorization header, if any.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
