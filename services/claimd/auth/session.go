package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultSessionCookie names the session cookie.
	DefaultSessionCookie = "claim_session"
	// DefaultSessionMaxAge is the fixed lifetime of a session cookie.
	DefaultSessionMaxAge = 7 * 24 * time.Hour
)

// Sessions signs and validates the session cookie. The value is
// "<address>.<hex MAC(address)>"; no server-side state is kept, so sessions
// end only by cookie expiry, logout on the client, or secret rotation.
type Sessions struct {
	secret []byte
	name   string
	maxAge time.Duration
	secure bool
}

// SessionOptions configures cookie attributes.
type SessionOptions struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool
}

// NewSessions builds a session manager. An empty secret is rejected.
func NewSessions(secret []byte, opts SessionOptions) (*Sessions, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	name := strings.TrimSpace(opts.CookieName)
	if name == "" {
		name = DefaultSessionCookie
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	return &Sessions{secret: append([]byte(nil), secret...), name: name, maxAge: maxAge, secure: opts.Secure}, nil
}

func (s *Sessions) sign(address string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte("claimd-session|" + address))
	return hex.EncodeToString(h.Sum(nil))
}

// Value returns the signed cookie value for address.
func (s *Sessions) Value(address string) string {
	address = strings.ToLower(address)
	return address + "." + s.sign(address)
}

// Set writes the session cookie for address.
func (s *Sessions) Set(w http.ResponseWriter, address string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    s.Value(address),
		Path:     "/",
		MaxAge:   int(s.maxAge / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Parse validates a cookie value and returns the bound address.
func (s *Sessions) Parse(value string) (string, error) {
	address, mac, ok := strings.Cut(value, ".")
	if !ok || address == "" || mac == "" {
		return "", ErrSessionInvalid
	}
	if address != strings.ToLower(address) {
		return "", ErrSessionInvalid
	}
	if !hmac.Equal([]byte(mac), []byte(s.sign(address))) {
		return "", ErrSessionInvalid
	}
	return address, nil
}

// FromRequest returns the address bound to the request's session cookie.
func (s *Sessions) FromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.name)
	if err != nil {
		return "", ErrSessionInvalid
	}
	return s.Parse(cookie.Value)
}
