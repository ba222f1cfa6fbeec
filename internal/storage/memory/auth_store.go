// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/idpass/datacollect-engine/internal/storage"
)

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// AuthStore implements storage.AuthStoragePort in memory.
type AuthStore struct {
	mu       sync.Mutex
	tokens   map[string]tokenEntry
	username string
	hasUser  bool
}

func NewAuthStore() *AuthStore {
	return &AuthStore{tokens: make(map[string]tokenEntry)}
}

func (s *AuthStore) Initialize(ctx context.Context) error { return nil }
func (s *AuthStore) Close(ctx context.Context) error       { return nil }

func (s *AuthStore) GetToken(ctx context.Context, provider string) (string, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[provider]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return e.token, e.expiresAt, true, nil
}

func (s *AuthStore) SetToken(ctx context.Context, provider, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider] = tokenEntry{token: token, expiresAt: expiresAt}
	return nil
}

func (s *AuthStore) RemoveToken(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}

func (s *AuthStore) GetUsername(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.hasUser, nil
}

func (s *AuthStore) SetUsername(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.hasUser = true
	return nil
}

func (s *AuthStore) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]tokenEntry)
	s.username = ""
	s.hasUser = false
	return nil
}

var _ storage.AuthStoragePort = (*AuthStore)(nil)
