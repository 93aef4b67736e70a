// Package identity issues and verifies the signed session cookie that ties a
// browser to its server-side session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	CookieName = "personagate_session"
	issuer     = "personagate"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	newSessionKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// subject checks.
var ErrInvalidToken = errors.New("invalid session token")

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// IsNewSession reports whether the middleware minted the session on this request.
func IsNewSession(ctx context.Context) bool {
	v, _ := ctx.Value(newSessionKey).(bool)
	return v
}

// WithSessionID returns a context carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// NewSessionID returns a short random session identifier.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// Tokens signs and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	isDev  bool
	now    func() time.Time
}

// NewTokens creates a token issuer. Cookies are marked Secure unless isDev.
func NewTokens(secret string, ttl time.Duration, isDev bool) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, isDev: isDev, now: time.Now}
}

// Issue returns a signed token for sessionID.
func (t *Tokens) Issue(sessionID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify returns the session ID carried by token.
func (t *Tokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !sessionIDPattern.MatchString(claims.Subject) {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// SetCookie writes a fresh token for sessionID.
func (t *Tokens) SetCookie(w http.ResponseWriter, sessionID string) error {
	token, err := t.Issue(sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(t.ttl.Seconds()),
		Expires:  t.now().Add(t.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !t.isDev,
	})
	return nil
}

// Middleware resolves the caller's session ID from the cookie, minting a new
// session when the cookie is absent or invalid.
func Middleware(t *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if c, err := r.Cookie(CookieName); err == nil {
				if id, err := t.Verify(c.Value); err == nil {
					next.ServeHTTP(w, r.WithContext(WithSessionID(ctx, id)))
					return
				}
			}

			id := NewSessionID()
			if err := t.SetCookie(w, id); err != nil {
				http.Error(w, `{"error":"failed to establish session"}`, http.StatusInternalServerError)
				return
			}
			ctx = WithSessionID(ctx, id)
			ctx = context.WithValue(ctx, newSessionKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
