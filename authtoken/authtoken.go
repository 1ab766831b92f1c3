// Package authtoken mints HS256 tokens accepted by the API in shared-secret mode.
package authtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultTTL is the lifetime of tokens minted without an explicit ttl.
const DefaultTTL = time.Hour

// Options adds optional claims to a minted token.
type Options struct {
	Audience string
	Issuer   string
	TTL      time.Duration
}

// Mint returns a signed token whose subject is userID.
func Mint(secret []byte, userID string, opts Options) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
