package httpapi

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirsync/terminal/internal/domain"
)

// AuthManager verifies bearer tokens minted by the central auth service.
// The terminal never issues tokens itself.
type AuthManager struct {
	secret []byte
	issuer string
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager returns a verifier for HS256 tokens signed with secret.
// An empty issuer accepts tokens from any issuer.
func NewAuthManager(secret string, issuer string) *AuthManager {
	return &AuthManager{secret: []byte(secret), issuer: issuer}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.issuer))
	}

	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.Role == "" {
		return domain.Actor{}, errors.New("token carries no role")
	}
	return domain.Actor{Subject: sub, Role: claims.Role}, nil
}
