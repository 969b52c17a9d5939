// Package auth resolves the caller identity from an HS256 bearer token.
// Token issuance belongs to the identity service; Sign exists for local tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNoToken     = errors.New("missing token")
	ErrInvalidRole = errors.New("token role is not rider or driver")
)

// Claims is the token payload. Role is "rider" or "driver".
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign issues a token for id that expires after ttl.
func (v *Verifier) Sign(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.ID,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token and returns the identity it carries.
func (v *Verifier) Verify(raw string) (models.Identity, error) {
	if raw == "" {
		return models.Identity{}, ErrNoToken
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Identity{}, errors.New("invalid token")
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	role := models.Role(strings.ToLower(claims.Role))
	if role != models.RoleRider && role != models.RoleDriver {
		return models.Identity{}, ErrInvalidRole
	}
	if id == "" {
		return models.Identity{}, errors.New("token has no subject")
	}
	return models.Identity{ID: id, Role: role}, nil
}

// TokenFromRequest reads a Bearer header, falling back to the token query parameter
// that browser WebSocket clients use.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(models.Identity)
	return id, ok
}
