// Package auth verifies the bearer tokens presented by drivers, riders and
// dashboards. Tokens are issued by the identity service; Mint exists for
// local tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	jwtSigningMethod = jwt.SigningMethodHS256
)

type Claims struct {
	PartyType models.PartyType `json:"pty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated party behind a token.
type Principal struct {
	Type models.PartyType
	ID   string
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Parse validates the token and returns its principal.
func (v *Verifier) Parse(tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Principal{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwtSigningMethod.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwtSigningMethod {
			return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || !claims.PartyType.Connectable() {
		return Principal{}, fmt.Errorf("%w: missing subject or party type", ErrInvalidToken)
	}
	return Principal{Type: claims.PartyType, ID: claims.Subject}, nil
}

// Mint signs a token for p valid for ttl from now.
func (v *Verifier) Mint(p Principal, now time.Time, ttl time.Duration) (string, error) {
	if !p.Type.Connectable() || p.ID == "" {
		return "", fmt.Errorf("invalid principal %s/%s", p.Type, p.ID)
	}
	claims := Claims{
		PartyType: p.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}
