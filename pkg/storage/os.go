package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".lock"

// OS is a FileSystem backed by the operating system
type OS struct{}

// NewOS creates a new OS filesystem
func NewOS() *OS {
	return &OS{}
}

// Open opens the named file for reading
func (OS) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

// Create creates or truncates the named file
func (OS) Create(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// Append opens the named file for appending
func (OS) Append(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Remove deletes the named file
func (OS) Remove(name string) error {
	return os.Remove(name)
}

// Rename atomically replaces newName with oldName.
// Readers holding the replaced file keep reading the old contents.
func (OS) Rename(oldName, newName string) error {
	return os.Rename(oldName, newName)
}

// Exists reports whether the named file exists
func (OS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Size returns the size of the named file
func (OS) Size(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// MkdirAll creates a directory and any missing parents
func (OS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// RemoveAll deletes a directory tree
func (OS) RemoveAll(dir string) error {
	return os.RemoveAll(dir)
}

// List returns the regular files directly inside dir
func (OS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}
	return names, nil
}

// TryLock takes an exclusive flock on dir/.lock
func (OS) TryLock(dir string) (func() error, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	if !locked {
		return nil, ErrLocked
	}

	return fl.Unlock, nil
}
