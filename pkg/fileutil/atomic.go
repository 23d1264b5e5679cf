// Package fileutil holds small filesystem helpers the disk-backed
// compile cache needs: directory creation and atomic file writes.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirForFile creates the parent directory of path if missing.
func EnsureDirForFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fileutil: ensure dir for %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory as
// path, syncs it, then renames it onto path. On POSIX systems rename is
// atomic, so a reader never observes a partially-written compiled
// handler even if two writers race on the same fingerprint.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) (retErr error) {
	if err := EnsureDirForFile(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("fileutil: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fileutil: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fileutil: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fileutil: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fileutil: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("fileutil: rename temp file onto destination: %w", err)
	}
	return nil
}
