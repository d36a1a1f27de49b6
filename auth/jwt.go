package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential indicates a credential that failed verification.
var ErrInvalidCredential = errors.New("invalid credential")

// Credential is the result of verifying a bearer token: the canonical
// identity the session binds to and its public alias, if any.
type Credential struct {
	Identity string
	Alias    string
}

// Verifier turns an opaque bearer token into a Credential or rejects it.
type Verifier interface {
	Verify(token string) (Credential, error)
}

// JWT is an HS256 Verifier. It also issues tokens for deployments where
// the login service shares the signing secret with the relay.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

// NewJWT creates a JWT verifier/issuer with the given signing secret and
// token lifetime.
func NewJWT(secret string, ttl time.Duration) *JWT {
	return &JWT{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for cred, expiring after the configured lifetime.
func (j *JWT) Issue(cred Credential) (string, error) {
	if cred.Identity == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidCredential)
	}

	claims := jwt.MapClaims{
		"sub": cred.Identity,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(j.ttl).Unix(),
	}
	if cred.Alias != "" {
		claims["anon"] = cred.Alias
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Verify implements Verifier.
func (j *JWT) Verify(tokenString string) (Credential, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Credential{}, ErrInvalidCredential
	}

	identity, _ := claims["sub"].(string)
	if identity == "" {
		return Credential{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	alias, _ := claims["anon"].(string)

	return Credential{Identity: identity, Alias: alias}, nil
}
