// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package authgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

func TestPasswordProvider_LoginIssuesVerifiableToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	verifier := NewBcryptVerifier(map[string][]byte{"alice": hash})
	provider := NewPasswordProvider("default", []byte("signing-secret"), time.Hour, verifier)

	token, expiresAt, err := provider.Login(context.Background(), Credentials{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	require.NoError(t, provider.ValidateToken(context.Background(), token))
}

func TestPasswordProvider_LoginRejectsWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	verifier := NewBcryptVerifier(map[string][]byte{"alice": hash})
	provider := NewPasswordProvider("default", []byte("signing-secret"), time.Hour, verifier)

	_, _, err = provider.Login(context.Background(), Credentials{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	kind, ok := engineerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, engineerrors.KindUnauthorized, kind)
}

func TestPasswordProvider_LoginRejectsMissingCredentials(t *testing.T) {
	provider := NewPasswordProvider("default", []byte("secret"), time.Hour, NewBcryptVerifier(nil))
	_, _, err := provider.Login(context.Background(), Credentials{Username: "alice"})
	require.Error(t, err)
}

func TestPasswordProvider_ValidateTokenRejectsWrongSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	verifier := NewBcryptVerifier(map[string][]byte{"alice": hash})
	provider := NewPasswordProvider("default", []byte("secret-a"), time.Hour, verifier)
	token, _, err := provider.Login(context.Background(), Credentials{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)

	other := NewPasswordProvider("default", []byte("secret-b"), time.Hour, verifier)
	err = other.ValidateToken(context.Background(), token)
	require.Error(t, err)
}

func TestBcryptVerifier_UnknownUsernameReturnsFalseNotError(t *testing.T) {
	verifier := NewBcryptVerifier(map[string][]byte{})
	ok, err := verifier.VerifyPassword(context.Background(), "ghost", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}
