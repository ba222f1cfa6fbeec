// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package authgate

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

// UserVerifier checks a username/password pair against whatever store the host keeps
// credentials in (out of the engine's scope — the engine only needs a yes/no plus the
// stored bcrypt hash comparison).
type UserVerifier interface {
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
}

// PasswordProvider is the "default" provider: username/password against the sync
// server, issuing HS256 JWTs (spec §4.9), modeled on the teacher's JWTManager
// (internal/auth/jwt.go).
type PasswordProvider struct {
	name     string
	secret   []byte
	ttl      time.Duration
	verifier UserVerifier
}

func NewPasswordProvider(name string, secret []byte, ttl time.Duration, verifier UserVerifier) *PasswordProvider {
	return &PasswordProvider{name: name, secret: secret, ttl: ttl, verifier: verifier}
}

func (p *PasswordProvider) Name() string { return p.name }

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (p *PasswordProvider) Login(ctx context.Context, creds Credentials) (string, time.Time, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", time.Time{}, engineerrors.New(engineerrors.KindValidation, "username and password are required")
	}
	ok, err := p.verifier.VerifyPassword(ctx, creds.Username, creds.Password)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, engineerrors.New(engineerrors.KindUnauthorized, "invalid credentials")
	}

	expiresAt := time.Now().Add(p.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: creds.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, engineerrors.Wrap(engineerrors.KindStorage, "sign token", err)
	}
	return signed, expiresAt, nil
}

func (p *PasswordProvider) ValidateToken(ctx context.Context, token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, engineerrors.New(engineerrors.KindUnauthorized, "unexpected signing method")
		}
		return p.secret, nil
	})
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindUnauthorized, "invalid token", err)
	}
	return nil
}

var _ Provider = (*PasswordProvider)(nil)

// BcryptVerifier is a UserVerifier backed by bcrypt-hashed passwords keyed by
// username, for hosts that don't want to implement their own verifier.
type BcryptVerifier struct {
	hashes map[string][]byte
}

func NewBcryptVerifier(hashes map[string][]byte) *BcryptVerifier {
	return &BcryptVerifier{hashes: hashes}
}

func (v *BcryptVerifier) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	hash, ok := v.hashes[username]
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}
