package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "roomchat"

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// IdentityClaims carries a User inside a signed token. The subject is the user id.
type IdentityClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c *IdentityClaims) User() User {
	return User{ID: c.Subject, Name: c.Name, Role: c.Role}
}

func NewClaims(user User, exp time.Time) *IdentityClaims {
	return &IdentityClaims{
		Name: user.Name,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
	}
}

// NewToken signs an HS256 token for user valid for expiration.
func NewToken(user User, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaims(user, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	_token, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))

	switch {
	case err == nil && _token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// TokenIdentity is an IdentityProvider backed by a bearer token issued by the
// auth collaborator. The claims are read without verifying the signature;
// the gateway verifies the token when the connection is opened.
type TokenIdentity struct {
	token string
	user  User
	ok    bool
}

func NewTokenIdentity(token string) (*TokenIdentity, error) {
	if token == "" {
		return &TokenIdentity{}, nil
	}
	claims := &IdentityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	user := claims.User()
	return &TokenIdentity{token: token, user: user, ok: validate.Struct(user) == nil}, nil
}

func (t *TokenIdentity) CurrentUser() (User, bool) {
	return t.user, t.ok
}

// Token returns the raw token so it can be presented to the gateway.
func (t *TokenIdentity) Token() string {
	return t.token
}
