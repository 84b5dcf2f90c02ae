package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultScope = "workflows,sessions"

// UserTokenClaims identify the caller of the command and streaming surface.
// The subject is the owner id stamped on workflows and sessions.
type UserTokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type UserTokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewUserTokenManager(signingKey []byte, ttl time.Duration, issuer string) *UserTokenManager {
	return &UserTokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *UserTokenManager) GenerateUserToken(userID string, scopes ...string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	scope := defaultScope
	if len(scopes) > 0 {
		scope = strings.Join(scopes, ",")
	}

	now := time.Now()
	claims := UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   userID,
			Issuer:    m.issuer,
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *UserTokenManager) ValidateUserToken(tokenString string) (*UserTokenClaims, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, options...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UserTokenClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *UserTokenClaims) HasScope(required string) bool {
	scopes := strings.Split(c.Scope, ",")
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}
