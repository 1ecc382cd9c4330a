package integrity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes b to path via a temp-file-then-rename sequence: the
// original is preserved if anything goes wrong before the rename commits.
// The temp file is fsynced before rename so the rename can't be reordered
// ahead of the data hitting disk.
func WriteAtomic(path string, b []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := tempName(dir, filepath.Base(path))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrUnavailable, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write temp file: %v", ErrUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: fsync temp file: %v", ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close temp file: %v", ErrUnavailable, err)
	}

	if err := atomicRename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename into place: %v", ErrUnavailable, err)
	}
	return nil
}

// tempName returns a path "<dir>/.<base>.tmp-<random>" guaranteed not to
// collide with a concurrent writer.
func tempName(dir, base string) (string, error) {
	var r [8]byte
	if _, err := rand.Read(r[:]); err != nil {
		return "", fmt.Errorf("generate temp suffix: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", base, hex.EncodeToString(r[:]))), nil
}
