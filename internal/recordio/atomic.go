// Package recordio implements the KEY=VALUE record codec and the
// write-to-temp-then-rename commit discipline every writer in this
// module uses, per spec §4.1 and the redesign note in §9: replace
// ad-hoc `grep | cut -d=` access with a typed codec used by every
// reader and writer, preserving unknown keys on round-trip.
package recordio

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to path by first writing to a sibling
// temp file in the same directory (so the final rename is on the same
// filesystem, hence atomic) and renaming it into place. The temp name
// carries a random suffix so concurrent writers to the same path never
// collide on the temp file itself.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MutateFile implements the read-modify-write-with-temp-plus-rename
// pattern spec §4.1 requires for in-place edits of multi-field files:
// read the current bytes (nil if the file doesn't exist yet), let fn
// produce the new bytes, then commit atomically.
func MutateFile(path string, perm os.FileMode, fn func(current []byte) ([]byte, error)) error {
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, next, perm)
}

// CreateExclusive attempts an atomic test-and-set directory creation,
// the primitive the ID Allocator (spec §4.3) relies on even in the
// absence of a held lock.
func CreateExclusive(dir string) error {
	return os.Mkdir(dir, 0o755)
}

// IsExist reports whether err indicates the target already existed.
func IsExist(err error) bool {
	return os.IsExist(err)
}
