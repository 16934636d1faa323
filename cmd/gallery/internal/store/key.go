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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
)

// KeySize is the AES-256 key length BadgerDB expects.
const KeySize = 32

// ErrBadKeyFile is returned when the key file has the wrong length.
var ErrBadKeyFile = errors.New("encryption key file is corrupt")

// LoadOrCreateKey reads the database key from path, generating and
// persisting a random key (mode 0600) on first use. The returned Enclave
// holds the key sealed in memory.
func LoadOrCreateKey(path string) (*memguard.Enclave, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != KeySize {
			memguard.WipeBytes(raw)
			return nil, fmt.Errorf("%w: %s", ErrBadKeyFile, path)
		}
		// NewEnclave wipes raw.
		return memguard.NewEnclave(raw), nil

	case errors.Is(err, fs.ErrNotExist):
		return createKey(path)

	default:
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
}

func createKey(path string) (*memguard.Enclave, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	buf := memguard.NewBufferRandom(KeySize)
	defer buf.Destroy()

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("write encryption key: %w", err)
	}
	return buf.Seal(), nil
}
