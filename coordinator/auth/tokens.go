package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/playloop/rendezvous/coordinator/faults"
)

const (
	issuer   = "rendezvous"
	audience = "rendezvous-api"
)

// Claims carried by every access token.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenService signs and validates access tokens. One instance is built in
// main and injected wherever tokens are needed.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService rejects secrets under 32 bytes so a weak deployment never
// starts.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Generate creates a signed HS256 token for the user.
func (s *TokenService) Generate(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses the token and checks signature, expiry, issuer and
// audience. Any failure is an Unauthorized fault.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, faults.Wrap(faults.Unauthorized, err, "invalid token")
	}
	if !token.Valid || claims.UserID == "" {
		return nil, faults.New(faults.Unauthorized, "invalid token")
	}
	return claims, nil
}
