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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LockFileName is created inside the data directory.
const LockFileName = ".gallery.lock"

// ErrLockHeld is returned when another process owns the data directory.
var ErrLockHeld = errors.New("data directory is locked by another process")

// DirLock is an advisory flock(2) lock on a data directory, so only one
// process drives transfers into it.
//
// # Thread Safety
//
// DirLock is NOT safe for concurrent use.
type DirLock struct {
	path string
	file *os.File
}

// NewDirLock creates a lock for dataDir. The lock is not yet acquired.
func NewDirLock(dataDir string) (*DirLock, error) {
	if dataDir == "" {
		return nil, errors.New("data directory must not be empty")
	}
	return &DirLock{path: filepath.Join(dataDir, LockFileName)}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking and records the holder PID.
//
// # Outputs
//
//   - error: ErrLockHeld if another process holds it.
func (l *DirLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w (pid %d)", ErrLockHeld, l.HolderPID())
		}
		return fmt.Errorf("flock: %w", err)
	}

	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	l.file = file
	return nil
}

// Release frees the lock. Safe to call when not held.
func (l *DirLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// HolderPID returns the PID recorded in the lock file, or 0.
func (l *DirLock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
