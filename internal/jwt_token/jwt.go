// Package jwttoken issues and validates the bearer tokens actors present
// when calling the service. Signing actions still re-authenticate with
// fresh credentials; the token only establishes who is asking.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
)

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	ActorID string `json:"actor_id"`
	jwt.RegisteredClaims
}

// JWTService handles token creation and validation.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewJWTService(signingKey, issuer, audience string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateAccessToken mints an HS256 token for the given actor.
func (s *JWTService) GenerateAccessToken(actor id.ActorID, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ActorID: actor.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken parses and verifies a token string.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ActorFromToken validates the token and returns the actor it identifies.
// Satisfies the auth middleware's TokenValidator.
func (s *JWTService) ActorFromToken(tokenString string) (id.ActorID, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return id.ActorID{}, err
	}
	actor, err := id.ParseActorID(claims.ActorID)
	if err != nil {
		return id.ActorID{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return actor, nil
}
