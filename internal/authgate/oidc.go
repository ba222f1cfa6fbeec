// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package authgate

import (
	"context"
	"net/http"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

// OIDCProvider is a generic OAuth 2.0 authorization-code-flow provider backed by
// zitadel/oidc's certified Relying Party, modeled on the teacher's
// ZitadelRelyingParty (internal/auth/zitadel_rp.go) but trimmed to this gate's
// login/validate contract — no HTTP handlers or session middleware, since the server
// wrapper (out of scope) owns the redirect dance.
type OIDCProvider struct {
	name string
	rp   rp.RelyingParty
}

// NewOIDCProvider performs OIDC discovery against issuerURL and returns a Provider
// usable by the Auth Gate. ctx bounds the discovery request.
func NewOIDCProvider(ctx context.Context, name, issuerURL, clientID, clientSecret, redirectURL string, scopes []string) (*OIDCProvider, error) {
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	relyingParty, err := rp.NewRelyingPartyOIDC(ctx, issuerURL, clientID, clientSecret, redirectURL, scopes,
		rp.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindNetwork, "oidc discovery", err)
	}
	return &OIDCProvider{name: name, rp: relyingParty}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

// Login treats creds.Code as an authorization code already obtained by the host's
// redirect flow, and exchanges it for tokens (spec §4.9 "generic OAuth
// authorization-code flow").
func (p *OIDCProvider) Login(ctx context.Context, creds Credentials) (string, time.Time, error) {
	if creds.Code == "" {
		return "", time.Time{}, engineerrors.New(engineerrors.KindValidation, "authorization code is required")
	}
	tokens, err := rp.CodeExchange[*oidc.IDTokenClaims](ctx, creds.Code, p.rp)
	if err != nil {
		return "", time.Time{}, engineerrors.Wrap(engineerrors.KindUnauthorized, "code exchange failed", err)
	}
	expiresAt := tokens.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(1 * time.Hour)
	}
	return tokens.AccessToken, expiresAt, nil
}

// ValidateToken calls the provider's userinfo endpoint with the token as a bearer
// credential (spec §4.9); any non-2xx response is treated as an invalid token.
func (p *OIDCProvider) ValidateToken(ctx context.Context, token string) error {
	endpoint := p.rp.UserinfoEndpoint()
	if endpoint == "" {
		return engineerrors.New(engineerrors.KindUnauthorized, "provider has no userinfo endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindUnauthorized, "build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.rp.HttpClient().Do(req)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindNetwork, "userinfo request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engineerrors.New(engineerrors.KindUnauthorized, "userinfo rejected token")
	}
	return nil
}

var _ Provider = (*OIDCProvider)(nil)
