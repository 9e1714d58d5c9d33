// Package auth handles client portal sessions. A session identifies the
// client contact paying through the portal; payments created during the
// session are attributed to that contact.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/diewo77/go-settle/httpx"
)

type ctxKey string

const (
	sessionCookieName = "portal_session"
	contactIDCtxKey   = ctxKey("contactID")
	sessionTTL        = 14 * 24 * time.Hour
)

// ContactVerifier is an optional callback to validate that a session's contact
// still exists. Set it during app bootstrap via SetContactVerifier. If nil, no
// extra verification is performed.
type ContactVerifier func(ctx context.Context, contactID uint) bool

var (
	mu       sync.RWMutex
	verifier ContactVerifier
	secret   string
)

// SetContactVerifier configures the verifier used by RequireContact.
func SetContactVerifier(v ContactVerifier) {
	mu.Lock()
	verifier = v
	mu.Unlock()
}

// SetSecret sets the session signing secret, overriding SESSION_SECRET.
func SetSecret(s string) {
	mu.Lock()
	secret = s
	mu.Unlock()
}

// Secret returns the configured secret, SESSION_SECRET or a default dev value.
func Secret() string {
	mu.RLock()
	s := secret
	mu.RUnlock()
	if s != "" {
		return s
	}
	if s := os.Getenv("SESSION_SECRET"); s != "" {
		return s
	}
	return "devsessionsecret"
}

// Token returns the signed session value for contactID. It expires with the
// session cookie.
func Token(contactID uint) string {
	return tokenUntil(contactID, time.Now().Add(sessionTTL))
}

// tokenUntil signs contactID with expiry exp as "id.exp.sig".
func tokenUntil(contactID uint, exp time.Time) string {
	payload := strconv.FormatUint(uint64(contactID), 10) + "." + strconv.FormatInt(exp.Unix(), 10)
	return payload + "." + sign(payload)
}

func sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(Secret()))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CreateSession sets a signed cookie with the contact id.
func CreateSession(w http.ResponseWriter, contactID uint) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    Token(contactID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(sessionTTL),
	})
}

// ClearSession deletes the session cookie.
func ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", Expires: time.Unix(0, 0), HttpOnly: true, SameSite: http.SameSiteLaxMode})
}

// ParseToken validates a session value and returns the contact id. Expired
// and tampered values are rejected.
func ParseToken(value string) (uint, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return 0, false
	}
	payload, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(sign(payload))) {
		return 0, false
	}
	id, exp, ok := strings.Cut(payload, ".")
	if !ok {
		return 0, false
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || !time.Now().Before(time.Unix(expUnix, 0)) {
		return 0, false
	}
	id64, err := strconv.ParseUint(id, 10, 64)
	if err != nil || id64 == 0 {
		return 0, false
	}
	return uint(id64), true
}

// ParseSession reads the session from the cookie, or from a bearer token for
// API clients.
func ParseSession(r *http.Request) (uint, bool) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return ParseToken(c.Value)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return ParseToken(strings.TrimPrefix(h, "Bearer "))
	}
	return 0, false
}

// WithContactID stores contact id in context.
func WithContactID(ctx context.Context, contactID uint) context.Context {
	return context.WithValue(ctx, contactIDCtxKey, contactID)
}

// ContactIDFromContext extracts contact id.
func ContactIDFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(contactIDCtxKey).(uint)
	return id, ok
}

// Middleware attaches contact id to request context if present.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := ParseSession(r); ok {
			r = r.WithContext(WithContactID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyHeader carries the staff API key.
const APIKeyHeader = "X-Api-Key"

// RequireAPIKey answers 401 unless the request carries key in APIKeyHeader.
// An empty key rejects every request.
func RequireAPIKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(APIKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireContact answers 401 unless the request carries a valid session.
func RequireContact(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := ContactIDFromContext(r.Context())
		if !ok {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		mu.RLock()
		v := verifier
		mu.RUnlock()
		if v != nil && !v(r.Context(), id) {
			// Session refers to a removed contact: clear and treat as unauthorized.
			ClearSession(w)
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
