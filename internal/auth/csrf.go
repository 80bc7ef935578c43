package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/dittorahmat/sentinel/internal/config"
)

// CsrfGuard implements the double-submit-cookie scheme: an opaque token
// lives in a client-readable cookie and must be echoed back in a request
// header on every state-changing call. The cookie is deliberately not
// HttpOnly — the defense depends on same-origin script reading it, which
// cross-origin pages cannot do.
type CsrfGuard struct {
	cfg          config.CSRFConfig
	cookieMaxAge time.Duration
}

// NewCsrfGuard creates a CsrfGuard. The token cookie's lifetime tracks
// the session's absolute lifetime.
func NewCsrfGuard(cfg config.CSRFConfig, sessionMaxAge time.Duration) *CsrfGuard {
	return &CsrfGuard{cfg: cfg, cookieMaxAge: sessionMaxAge}
}

// Verify checks the double-submit pair. Both cookie and header must be
// present, equal length, and compare equal in constant time. Any absence
// or mismatch fails closed.
func (g *CsrfGuard) Verify(r *http.Request) bool {
	cookie, err := r.Cookie(g.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get(g.cfg.HeaderName)
	if header == "" {
		return false
	}
	if len(cookie.Value) != len(header) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) == 1
}

// EnsureCookie guarantees the response carries a CSRF cookie. An existing
// incoming value is preserved with refreshed attributes, never rotated;
// otherwise a fresh token is minted and set. Returns the token value.
func (g *CsrfGuard) EnsureCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	if cookie, err := r.Cookie(g.cfg.CookieName); err == nil && cookie.Value != "" {
		g.setCookie(w, cookie.Value)
		return cookie.Value, nil
	}

	token, err := NewOpaqueToken(CsrfTokenBytes)
	if err != nil {
		return "", err
	}
	g.setCookie(w, token)
	return token, nil
}

func (g *CsrfGuard) setCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(g.cookieMaxAge.Seconds()),
		Secure:   true,
		HttpOnly: false,
		SameSite: ParseSameSite(g.cfg.SameSite),
	})
}

// ParseSameSite maps a configured same-site string to the http constant.
func ParseSameSite(value string) http.SameSite {
	switch strings.ToLower(value) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
