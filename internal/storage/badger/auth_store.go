// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	"context"
	"time"

	bg "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

const (
	prefixAuthToken    = "auth_token/"
	prefixAuthUsername = "auth_username"
)

type tokenRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthStore implements storage.AuthStoragePort against a shared *bg.DB, namespaced by
// tenantID. It is the persisted counterpart to internal/authgate's in-process Gate,
// letting a remembered bearer token and username survive a process restart on the
// client-side backend (spec §3's auth gate, L9).
type AuthStore struct {
	db       *bg.DB
	tenantID string
}

func NewAuthStore(db *bg.DB, tenantID string) *AuthStore {
	return &AuthStore{db: db, tenantID: tenantID}
}

func (s *AuthStore) tk(parts ...string) []byte {
	key := s.tenantID
	for _, p := range parts {
		key += "/" + p
	}
	return []byte(key)
}

func (s *AuthStore) Initialize(ctx context.Context) error { return nil }
func (s *AuthStore) Close(ctx context.Context) error       { return nil }

func (s *AuthStore) GetToken(ctx context.Context, provider string) (string, time.Time, bool, error) {
	var rec tokenRecord
	var found bool
	err := s.db.View(func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(prefixAuthToken, provider))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return "", time.Time{}, false, engineerrors.Wrap(engineerrors.KindStorage, "get token", err)
	}
	if !found {
		return "", time.Time{}, false, nil
	}
	return rec.Token, rec.ExpiresAt, true, nil
}

func (s *AuthStore) SetToken(ctx context.Context, provider, token string, expiresAt time.Time) error {
	payload, err := json.Marshal(tokenRecord{Token: token, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *bg.Txn) error {
		return txn.Set(s.tk(prefixAuthToken, provider), payload)
	}); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "set token", err)
	}
	return nil
}

func (s *AuthStore) RemoveToken(ctx context.Context, provider string) error {
	if err := s.db.Update(func(txn *bg.Txn) error {
		err := txn.Delete(s.tk(prefixAuthToken, provider))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		return err
	}); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "remove token", err)
	}
	return nil
}

func (s *AuthStore) GetUsername(ctx context.Context) (string, bool, error) {
	var username string
	var found bool
	err := s.db.View(func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(prefixAuthUsername))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { username = string(val); return nil })
	})
	if err != nil {
		return "", false, engineerrors.Wrap(engineerrors.KindStorage, "get username", err)
	}
	return username, found, nil
}

func (s *AuthStore) SetUsername(ctx context.Context, username string) error {
	if err := s.db.Update(func(txn *bg.Txn) error {
		return txn.Set(s.tk(prefixAuthUsername), []byte(username))
	}); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "set username", err)
	}
	return nil
}

func (s *AuthStore) RemoveAll(ctx context.Context) error {
	return s.db.Update(func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		for _, prefix := range [][]byte{s.tk(prefixAuthToken), s.tk(prefixAuthUsername)} {
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, append([]byte{}, it.Item().Key()...))
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

var _ storage.AuthStoragePort = (*AuthStore)(nil)
