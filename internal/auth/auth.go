// Package auth resolves the principal behind a WebSocket connection from
// the credential presented at upgrade time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential is returned when a credential is required but absent.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned for tokens that fail verification.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Principal is the identity a connection acts as.
type Principal struct {
	ID        string
	Name      string
	Anonymous bool
}

// Authenticator maps a credential to a principal. An empty credential is
// passed through so implementations decide whether anonymous access is ok.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}

// Anonymous accepts every connection as an anonymous principal.
type Anonymous struct{}

func (Anonymous) Authenticate(context.Context, string) (Principal, error) {
	return Principal{Anonymous: true}, nil
}

// Claims is the token payload: the subject is the principal id.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens signed with a shared secret.
type JWT struct {
	secret         []byte
	issuer         string
	allowAnonymous bool
}

// NewJWT builds a verifier. With allowAnonymous, connections without a token
// become anonymous principals instead of being rejected.
func NewJWT(secret, issuer string, allowAnonymous bool) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer, allowAnonymous: allowAnonymous}
}

func (j *JWT) Authenticate(_ context.Context, credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		if j.allowAnonymous {
			return Principal{Anonymous: true}, nil
		}
		return Principal{}, ErrMissingCredential
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Principal{}, ErrInvalidCredential
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Principal{ID: claims.Subject, Name: name}, nil
}

// Issue signs a token for principal valid for ttl.
func (j *JWT) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// CredentialFromRequest reads a bearer token from the Authorization header
// or, since browsers cannot set headers on WebSocket upgrades, the "token"
// query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
