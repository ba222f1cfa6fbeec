// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package authgate is the Auth Gate (spec §4.9, L9): an ordered provider chain
// dispatched chain-of-responsibility style, modeled on the teacher's MultiAuthenticator
// (internal/auth/multi_authenticator.go) but oriented around login/logout/validate
// rather than inbound HTTP request authentication.
package authgate

import (
	"context"
	"time"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Credentials carries whatever a provider needs to authenticate: a password pair for
// the default provider, or an authorization code plus redirect state for OIDC-style
// providers.
type Credentials struct {
	Username string
	Password string
	Code     string
	State    string
}

// Provider is one entry in the Auth Gate's chain.
type Provider interface {
	Name() string
	// Login exchanges credentials for a bearer token and its expiry.
	Login(ctx context.Context, creds Credentials) (token string, expiresAt time.Time, err error)
	// ValidateToken calls the provider's userinfo (or equivalent) endpoint.
	ValidateToken(ctx context.Context, token string) error
}

const defaultProviderName = "default"

// Gate is the Auth Gate façade over AuthStoragePort and an ordered provider chain.
type Gate struct {
	providers []Provider
	byName    map[string]Provider
	store     storage.AuthStoragePort
}

func New(store storage.AuthStoragePort, providers ...Provider) *Gate {
	g := &Gate{store: store, byName: make(map[string]Provider)}
	for _, p := range providers {
		g.providers = append(g.providers, p)
		g.byName[p.Name()] = p
	}
	return g
}

// Login dispatches to the named provider, or to "default" if provider is empty and
// creds look like a password pair (spec §4.9).
func (g *Gate) Login(ctx context.Context, creds Credentials, provider string) error {
	name := provider
	if name == "" {
		if creds.Username != "" && creds.Password != "" {
			name = defaultProviderName
		} else {
			return engineerrors.New(engineerrors.KindValidation, "provider is required when credentials are not a password pair")
		}
	}
	p, ok := g.byName[name]
	if !ok {
		return engineerrors.New(engineerrors.KindValidation, "unknown auth provider: "+name)
	}
	token, expiresAt, err := p.Login(ctx, creds)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindUnauthorized, "login failed for provider "+name, err)
	}
	if err := g.store.SetToken(ctx, name, token, expiresAt); err != nil {
		return err
	}
	if creds.Username != "" {
		if err := g.store.SetUsername(ctx, creds.Username); err != nil {
			return err
		}
	}
	return nil
}

// IsAuthenticated reports whether any provider holds a non-expired token.
func (g *Gate) IsAuthenticated(ctx context.Context) (bool, error) {
	for _, p := range g.providers {
		_, expiresAt, ok, err := g.store.GetToken(ctx, p.Name())
		if err != nil {
			return false, err
		}
		if ok && time.Now().Before(expiresAt) {
			return true, nil
		}
	}
	return false, nil
}

// ValidateToken delegates to the named provider's userinfo endpoint with a 5-second
// timeout (spec §4.9, §5 "Cancellation & timeouts").
func (g *Gate) ValidateToken(ctx context.Context, provider, token string) error {
	p, ok := g.byName[provider]
	if !ok {
		return engineerrors.New(engineerrors.KindValidation, "unknown auth provider: "+provider)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.ValidateToken(ctx, token); err != nil {
		return engineerrors.Wrap(engineerrors.KindUnauthorized, "token validation failed", err)
	}
	return nil
}

// ActiveToken returns the current token for provider, for sync managers to attach to
// outbound requests.
func (g *Gate) ActiveToken(ctx context.Context, provider string) (string, error) {
	token, expiresAt, ok, err := g.store.GetToken(ctx, provider)
	if err != nil {
		return "", err
	}
	if !ok || !time.Now().Before(expiresAt) {
		return "", engineerrors.New(engineerrors.KindUnauthorized, "no valid token for provider: "+provider)
	}
	return token, nil
}

// Logout clears every provider's stored token and the remembered username.
func (g *Gate) Logout(ctx context.Context) error {
	return g.store.RemoveAll(ctx)
}
