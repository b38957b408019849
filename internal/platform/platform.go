// Package platform wraps the small set of OS facilities the engine needs
// directly: TTY detection for colour policy, page-backed allocations for
// the software backend's staging regions, and durable file writes for the
// persisted state. Everything device-side goes through internal/vkapi
// instead.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a same-directory temp file and
// rename, so a crash mid-write leaves the previous file intact. The
// resume state in position.txt must never be half-written: a torn file
// would silently restart the scan from a garbage StartValue.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("platform: creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform: closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("platform: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("platform: renaming %s into place: %w", path, err)
	}
	return nil
}

// OpenAppend opens path for appending, creating it if absent. Used for
// debug.log, which accumulates across runs.
func OpenAppend(path string, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return nil, fmt.Errorf("platform: opening %s for append: %w", path, err)
	}
	return f, nil
}
