// ABOUTME: Authentication for the HTTP control surface
// ABOUTME: Accepts the static API key or an HS256 signed bearer token

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Authenticator validates control-surface credentials. Two forms are
// accepted: the static API key configured for machine clients, and HS256
// signed bearer tokens for operators.
type Authenticator struct {
	apiKey    string
	jwtSecret []byte
}

// New creates an Authenticator. Either credential form may be empty, which
// disables that form; with both empty every request is rejected.
func New(apiKey string, jwtSecret []byte) *Authenticator {
	return &Authenticator{apiKey: apiKey, jwtSecret: jwtSecret}
}

// Authenticate checks a presented credential and returns the principal it
// identifies: "api-key" for the static key, the token's subject otherwise.
func (a *Authenticator) Authenticate(credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidToken
	}

	if a.apiKey != "" && credential == a.apiKey {
		return "api-key", nil
	}

	if len(a.jwtSecret) > 0 {
		return a.verifyJWT(credential)
	}

	return "", ErrInvalidToken
}

// verifyJWT validates the token signature and expiry and extracts the
// principal from the "sub" claim.
func (a *Authenticator) verifyJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a bearer token for the given principal with an expiry.
// Used by the token CLI command to mint operator credentials.
func (a *Authenticator) Generate(principal string, expiresIn time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principal,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}
