package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
)

const bearerScheme = "Bearer"

// Identity is the verified caller of a protected operation.
type Identity struct {
	UserID string
}

// Claims is the content of the bearer tokens accepted by the api.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticator verifies and issues bearer credentials.
type Authenticator interface {
	Verify(header string) (Identity, error)
	Issue(userID string) (string, error)
}

type jwtAuthenticator struct {
	secret []byte
	ttl    time.Duration
	clock  Clocker
}

// NewJWTAuthenticator provides an HS256 based Authenticator.
func NewJWTAuthenticator(config *AuthConfig, clock Clocker) Authenticator {
	return &jwtAuthenticator{
		secret: []byte(config.Secret),
		ttl:    config.TokenTTL,
		clock:  clock,
	}
}

// Verify parses the Authorization header value. Checks happen in this order:
// presence, `Bearer <token>` shape, token structure, expiry then signature and claims.
func (ja *jwtAuthenticator) Verify(header string) (Identity, error) {
	var identity Identity
	header = strings.TrimSpace(header)
	if header == "" {
		return identity, ErrMissingCredential
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, bearerScheme) || token == "" {
		return identity, ErrMalformedCredential
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return ja.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ja.clock.Now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return identity, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return identity, ErrExpiredCredential
	default:
		return identity, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.UserID == "" {
		return identity, fmt.Errorf("%w: missing user id", ErrInvalidCredential)
	}
	identity.UserID = claims.UserID
	return identity, nil
}

// Issue mints a token for the user valid for the configured duration.
func (ja *jwtAuthenticator) Issue(userID string) (string, error) {
	now := ja.clock.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.Must(uuid.NewV4()).String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ja.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ja.secret)
}
