package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller holds elevated privilege.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// JWT signs and verifies HS256 bearer tokens.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: 7 * 24 * time.Hour}
}

func (j *JWT) Sign(userID, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(j.ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(j.secret)
}

func (j *JWT) Verify(tokenStr string) (Identity, error) {
	t, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil || !t.Valid {
		return Identity{}, errors.New("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, errors.New("missing sub")
	}

	role := RoleUser
	if r, ok := claims["role"].(string); ok && r != "" {
		role = r
	}

	return Identity{UserID: sub, Role: role}, nil
}
