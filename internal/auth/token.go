// Zimfarm is a distributed scraping farm that builds ZIM file archives.
// Copyright (C) 2025 Kiwix
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"zimfarm/pkg/zimfarm"
)

var (
	// ErrInvalidCredentials covers wrong passwords, bad signatures and
	// unverifiable tokens alike, so callers leak nothing to the client.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	// AccessTokenTTL is how long an issued access token stays valid.
	AccessTokenTTL = 1 * time.Hour
	// RefreshTokenTTL is how long a refresh token stays redeemable.
	RefreshTokenTTL = 30 * 24 * time.Hour

	tokenIssuer = "zimfarm-dispatcher"
)

// Claims is the access-token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TokenIssuer signs and verifies RS256 access tokens.
type TokenIssuer struct {
	key *rsa.PrivateKey
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8)
// and returns an issuer using it.
func NewTokenIssuer(pemKey []byte) (*TokenIssuer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in RSA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("parse RSA key: %w", err)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
	}
	return &TokenIssuer{key: key, ttl: AccessTokenTTL, now: time.Now}, nil
}

// GenerateKey creates a fresh issuer with an ephemeral RSA key. Meant for
// tests and single-node deployments without a configured key.
func GenerateKey() (*TokenIssuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return &TokenIssuer{key: key, ttl: AccessTokenTTL, now: time.Now}, nil
}

// Issue signs an access token for the user. Returns the token and its
// expiry time.
func (i *TokenIssuer) Issue(user *zimfarm.User) (string, time.Time, error) {
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Username: user.Username,
		Role:     user.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates an access token, returning its claims.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &i.key.PublicKey, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
