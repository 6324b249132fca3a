// Package auth validates the credentials presented at the Auth message
// and answers per-document permission checks.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DocumentPermissions represents document-level permissions
type DocumentPermissions struct {
	CanRead  []string `json:"canRead"`  // Document IDs user can read
	CanWrite []string `json:"canWrite"` // Document IDs user can write
	IsAdmin  bool     `json:"isAdmin"`  // Admin has access to all documents
}

// TokenPayload represents JWT token claims. The user id lives in the
// registered sub claim; older issuers that only set a userId claim are
// still accepted.
type TokenPayload struct {
	UserID      string              `json:"userId,omitempty"`
	Email       string              `json:"email,omitempty"`
	Permissions DocumentPermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// ResolvedUserID returns sub when present, falling back to the userId
// claim.
func (p *TokenPayload) ResolvedUserID() string {
	if p.Subject != "" {
		return p.Subject
	}
	return p.UserID
}

// Errors for JWT validation
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrShortSecret   = errors.New("JWT secret must be at least 32 characters")
	ErrWrongIssuer   = errors.New("token issuer mismatch")
	ErrWrongAudience = errors.New("token audience mismatch")
	ErrMissingUserID = errors.New("token carries no user id")
)

// VerifyOptions narrows token acceptance beyond signature and expiry.
// Empty fields are not enforced.
type VerifyOptions struct {
	Issuer   string
	Audience string
}

// VerifyToken verifies and decodes a JWT token with signature and expiry
// checks only.
func VerifyToken(tokenString, secret string) (*TokenPayload, error) {
	return VerifyTokenWith(tokenString, secret, VerifyOptions{})
}

// VerifyTokenWith verifies and decodes a JWT token.
//
// Claims are validated against HS256 with the shared secret; expiry is
// compared in seconds. Issuer and audience are enforced only when
// configured. Secrets shorter than 32 characters always fail.
func VerifyTokenWith(tokenString, secret string, opts VerifyOptions) (*TokenPayload, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	var parserOpts []jwt.ParserOption
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, parserOpts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrWrongIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrWrongAudience
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenPayload)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ResolvedUserID() == "" {
		return nil, ErrMissingUserID
	}
	return claims, nil
}

// TokenOptions optionally stamps registered claims on issued tokens.
type TokenOptions struct {
	Issuer   string
	Audience string
}

// GenerateAccessToken generates a JWT access token.
func GenerateAccessToken(userID string, email string, permissions DocumentPermissions, secret string, expiresIn time.Duration) (string, error) {
	return GenerateAccessTokenWith(userID, email, permissions, secret, expiresIn, TokenOptions{})
}

// GenerateAccessTokenWith generates a JWT access token carrying the
// given issuer and audience claims.
func GenerateAccessTokenWith(userID string, email string, permissions DocumentPermissions, secret string, expiresIn time.Duration, opts TokenOptions) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenPayload{
		UserID:      userID,
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    opts.Issuer,
		},
	}
	if opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateRefreshToken generates a JWT refresh token.
func GenerateRefreshToken(userID, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateTokens generates both access and refresh tokens for a user.
func GenerateTokens(userID, email string, permissions DocumentPermissions, secret string, accessExpiresIn, refreshExpiresIn time.Duration) (accessToken, refreshToken string, err error) {
	accessToken, err = GenerateAccessToken(userID, email, permissions, secret, accessExpiresIn)
	if err != nil {
		return "", "", err
	}

	refreshToken, err = GenerateRefreshToken(userID, secret, refreshExpiresIn)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// DecodeTokenWithoutVerification decodes token without verification (for debugging).
func DecodeTokenWithoutVerification(tokenString string) (*TokenPayload, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &TokenPayload{})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenPayload); ok {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
