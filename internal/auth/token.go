// Package auth issues and verifies the bearer tokens that identify a
// requester's user, tenant and role
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/models"
)

// Claims is the token payload
type Claims struct {
	UserID   string      `json:"userId"`
	TenantID string      `json:"tenantId"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Requester converts the claims into a call identity
func (c *Claims) Requester() models.Requester {
	return models.Requester{UserID: c.UserID, TenantID: c.TenantID, Role: c.Role}
}

// Tokens signs and verifies HS256 tokens with a shared secret
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token signer/verifier
func NewTokens(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for the requester
func (t *Tokens) Issue(req models.Requester) (string, error) {
	if req.UserID == "" || req.TenantID == "" {
		return "", apperr.New(apperr.ValidationFailed, "user and tenant are required")
	}
	if !req.Role.AtLeast(models.RoleViewer) {
		return "", apperr.New(apperr.ValidationFailed, "unknown role %q", req.Role)
	}

	now := t.now()
	claims := &Claims{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Role:     req.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   req.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Any failure is Unauthenticated.
func (t *Tokens) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(apperr.Unauthenticated, err, "invalid or expired token")
	}
	if claims.UserID == "" || claims.TenantID == "" || !claims.Role.AtLeast(models.RoleViewer) {
		return nil, apperr.New(apperr.Unauthenticated, "token is missing identity claims")
	}
	return claims, nil
}
