// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path so that readers see either the old
// content or the new content, never a partial write. The data goes to
// a temporary file in the same directory, is fsynced, and is renamed
// into place; the parent directory is then fsynced so the rename
// survives power loss.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	directory := filepath.Dir(path)
	file, err := os.CreateTemp(directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing %s: %w", temporaryPath, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("setting mode on %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", temporaryPath, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	return SyncDir(directory)
}

// SyncDir fsyncs a directory so that entries created or renamed in it
// are durable.
func SyncDir(directory string) error {
	handle, err := os.Open(directory)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", directory, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", directory, err)
	}
	return nil
}

// EnsureDirs creates each directory (and its parents) with mode 0755.
func EnsureDirs(directories ...string) error {
	for _, directory := range directories {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", directory, err)
		}
	}
	return nil
}

// Exists reports whether path exists. Errors other than "not exist"
// are returned so callers can distinguish a missing file from an
// unreadable one.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// CopyFile copies src to dst atomically, preserving nothing but the
// content. Used to stage solution tables before they are rewritten in
// place by external tools.
func CopyFile(src, dst string) error {
	input, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer input.Close()

	data, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return WriteAtomic(dst, data, 0o644)
}
