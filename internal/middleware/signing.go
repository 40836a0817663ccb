package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

var errNoSecret = errors.New("at least one non-empty cookie secret is required")

// Signer authenticates the session cookie value with securecookie. The
// first secret signs, every secret verifies, so secrets can be rotated by
// prepending.
type Signer struct {
	name   string
	codecs []securecookie.Codec
}

// NewSigner rejects signed values older than maxAge; zero disables the check.
func NewSigner(cookieName string, secrets []string, maxAge time.Duration) (*Signer, error) {
	var pairs [][]byte
	for _, secret := range secrets {
		if secret != "" {
			// hash key only; the token is not secret from its owner
			pairs = append(pairs, []byte(secret), nil)
		}
	}
	if len(pairs) == 0 {
		return nil, errNoSecret
	}

	codecs := securecookie.CodecsFromPairs(pairs...)
	for _, c := range codecs {
		if sc, ok := c.(*securecookie.SecureCookie); ok {
			sc.MaxAge(int(maxAge.Seconds()))
		}
	}

	return &Signer{name: cookieName, codecs: codecs}, nil
}

func (s *Signer) Sign(token string) (string, error) {
	return securecookie.EncodeMulti(s.name, token, s.codecs...)
}

// Verify returns the bare token if value carries a valid signature.
func (s *Signer) Verify(value string) (string, bool) {
	var token string
	if err := securecookie.DecodeMulti(s.name, value, &token, s.codecs...); err != nil {
		return "", false
	}
	return token, token != ""
}

func (s *Signer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &signingWriter{ResponseWriter: w, signer: s}
		next.ServeHTTP(sw, s.unsign(r))
		// handler wrote nothing; headers are still ours to edit
		sw.sign()
	})
}

// unsign replaces the session cookie with its bare token, or drops it if
// the signature doesn't check out.
func (s *Signer) unsign(r *http.Request) *http.Request {
	cookies := r.Cookies()

	ours := false
	for _, c := range cookies {
		if c.Name == s.name {
			ours = true
			break
		}
	}
	if !ours {
		return r
	}

	r = r.Clone(r.Context())
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name == s.name {
			token, ok := s.Verify(c.Value)
			if !ok {
				continue
			}
			c.Value = token
		}
		r.AddCookie(c)
	}

	return r
}

type signingWriter struct {
	http.ResponseWriter
	signer *Signer
	signed bool
}

func (w *signingWriter) WriteHeader(code int) {
	w.sign()
	w.ResponseWriter.WriteHeader(code)
}

func (w *signingWriter) Write(b []byte) (int, error) {
	w.sign()
	return w.ResponseWriter.Write(b)
}

func (w *signingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *signingWriter) sign() {
	if w.signed {
		return
	}
	w.signed = true

	prefix := w.signer.name + "="
	cookies := w.Header()["Set-Cookie"]
	kept := cookies[:0]
	for _, v := range cookies {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
			continue
		}

		value, attrs := v[len(prefix):], ""
		if j := strings.IndexByte(value, ';'); j >= 0 {
			value, attrs = value[:j], value[j:]
		}
		// an empty value is the expiring cookie written on destroy
		if value == "" {
			kept = append(kept, v)
			continue
		}

		signed, err := w.signer.Sign(value)
		if err != nil {
			// an unsigned token would be rejected next request anyway
			continue
		}
		kept = append(kept, prefix+signed+attrs)
	}

	if len(kept) == 0 {
		w.Header().Del("Set-Cookie")
		return
	}
	w.Header()["Set-Cookie"] = kept
}
