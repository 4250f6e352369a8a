package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSigningSecret indicates the verifier was built without a key.
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	// ErrMissingIssuer indicates the verifier was built without an issuer.
	ErrMissingIssuer = errors.New("auth: issuer required")
	// ErrMissingToken indicates the caller supplied an empty bearer token.
	ErrMissingToken = errors.New("auth: token required")
	// ErrInvalidToken indicates a malformed or incorrectly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrMissingSubject indicates a token with no usable subject claim.
	ErrMissingSubject = errors.New("auth: subject required")
)

// Identity is the resolved principal behind a verified bearer token.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// portalClaims mirrors the JWT payload emitted by the portal's identity service.
type portalClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// TokenVerifierConfig describes how to validate portal-issued bearer tokens.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenVerifier validates HS256 bearer tokens issued by the portal.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Authenticate validates the supplied bearer token and returns the identity it carries.
func (v *TokenVerifier) Authenticate(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &portalClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}
	return Identity{
		UserID:      userID,
		DisplayName: claims.UserDisplayName,
		Email:       claims.UserEmail,
	}, nil
}
