// Package identity resolves who is placing an order.
package identity

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is returned when the caller must sign in before checking out.
var ErrAuthRequired = errors.New("authentication required")

// Principal is the acting customer.
type Principal struct {
	UserID string
	Email  string
	Guest  bool
}

// Key returns the identity used for submission deduplication: the user id
// for signed-in customers, the email for guests.
func (p Principal) Key(email string) string {
	if p.UserID != "" && !p.Guest {
		return p.UserID
	}
	return strings.ToLower(strings.TrimSpace(email))
}

// Resolver verifies HS256 bearer tokens.
type Resolver struct {
	secret     []byte
	allowGuest bool
	now        func() time.Time
}

// NewResolver creates a Resolver. With an empty secret every token is
// rejected and only guests can check out.
func NewResolver(secret string, allowGuest bool) *Resolver {
	return &Resolver{secret: []byte(secret), allowGuest: allowGuest, now: time.Now}
}

// Resolve returns the principal for a bearer token. An empty token resolves
// to a guest when guest checkout is allowed, otherwise to ErrAuthRequired.
// Tokens issued to guests ("role": "guest") are subject to the same rule.
func (r *Resolver) Resolve(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return r.guest()
	}
	if len(r.secret) == 0 {
		return Principal{}, errors.Wrap(ErrAuthRequired, "token verification disabled")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, errors.Wrapf(ErrAuthRequired, "invalid token: %v", err)
	}

	if role, _ := claims["role"].(string); role == "guest" {
		return r.guest()
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		sub, _ = claims["user_id"].(string)
	}
	if sub == "" {
		return Principal{}, errors.Wrap(ErrAuthRequired, "token has no subject")
	}
	email, _ := claims["email"].(string)
	return Principal{UserID: sub, Email: email}, nil
}

func (r *Resolver) guest() (Principal, error) {
	if !r.allowGuest {
		return Principal{}, ErrAuthRequired
	}
	return Principal{Guest: true}, nil
}
