// Package auth issues and verifies HS256 bearer tokens whose subject is the
// principal id.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat_broker/internal/domain"
)

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type Principal struct {
	ID   string
	Name string
}

type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func New(secret, issuer string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue signs a token for the principal valid for ttl.
func (a *Authenticator) Issue(principalID, name string, ttl time.Duration) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a token. Every failure wraps domain.ErrUnauthorized.
func (a *Authenticator) Verify(raw string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(a.now)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	return Principal{ID: claims.Subject, Name: claims.Name}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := TokenFromRequest(r)
		if raw == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		p, err := a.Verify(raw)
		if err != nil {
			slog.Warn("auth rejected token", "error", err, "path", r.URL.Path)
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
