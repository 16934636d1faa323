// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/auth"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

var (
	tokenKey     = []byte("auth/token")
	importPrefix = []byte("import/")
)

// =============================================================================
// TokenStore
// =============================================================================

// TokenStore persists the OAuth token record in the encrypted database.
type TokenStore struct {
	db *DB
}

// NewTokenStore creates a TokenStore on db.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// LoadToken implements auth.TokenStore.
func (s *TokenStore) LoadToken(ctx context.Context) (*auth.TokenRecord, error) {
	raw, err := s.db.get(tokenKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	var rec auth.TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &rec, nil
}

// SaveToken implements auth.TokenStore.
func (s *TokenStore) SaveToken(ctx context.Context, rec auth.TokenRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.db.set(tokenKey, raw); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ClearToken implements auth.TokenStore.
func (s *TokenStore) ClearToken(ctx context.Context) error {
	if err := s.db.delete(tokenKey); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

var _ auth.TokenStore = (*TokenStore)(nil)

// =============================================================================
// ImportStore
// =============================================================================

// ImportRecord is a persisted user-imported model.
type ImportRecord struct {
	ID         string         `json:"id"`
	Model      *catalog.Model `json:"model"`
	TaskIDs    []string       `json:"taskIds"`
	ImportedAt time.Time      `json:"importedAt"`
}

// ImportStore persists imported models so they survive registry rebuilds
// and restarts.
type ImportStore struct {
	db *DB
}

// NewImportStore creates an ImportStore on db.
func NewImportStore(db *DB) *ImportStore {
	return &ImportStore{db: db}
}

func importKey(name string) []byte {
	return append(append([]byte(nil), importPrefix...), name...)
}

// Put stores rec keyed by its model name, replacing any previous record.
func (s *ImportStore) Put(ctx context.Context, rec ImportRecord) error {
	if rec.Model == nil {
		return errors.New("import record has no model")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode import %s: %w", rec.Model.Name, err)
	}
	return s.db.set(importKey(rec.Model.Name), raw)
}

// Delete removes the record for name. Missing records are not an error.
func (s *ImportStore) Delete(ctx context.Context, name string) error {
	return s.db.delete(importKey(name))
}

// List returns all records ordered by import time.
func (s *ImportStore) List(ctx context.Context) ([]ImportRecord, error) {
	var out []ImportRecord
	err := s.db.scan(importPrefix, func(_, value []byte) error {
		var rec ImportRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Model != nil {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportedAt.Before(out[j].ImportedAt) })
	return out, nil
}
