// Package storage provides the filesystem capability used by the durable
// cache store. Implementations can be swapped for in-memory or
// fault-injecting variants without touching store logic.
package storage

import (
	"errors"
	"io"
	"io/fs"
)

var (
	// ErrNotExist is returned when a named file does not exist
	ErrNotExist = fs.ErrNotExist

	// ErrUnavailable is returned by every operation of a filesystem that
	// cannot be used at all
	ErrUnavailable = errors.New("storage: filesystem unavailable")

	// ErrLocked is returned when another process holds the directory lock
	ErrLocked = errors.New("storage: directory locked by another process")

	// ErrClosed is returned when writing to a closed writer
	ErrClosed = errors.New("storage: writer closed")
)

// FileSystem defines the file operations the cache store depends on.
// All failures are reported as errors.
type FileSystem interface {
	// Open opens the named file for reading
	Open(name string) (io.ReadCloser, error)

	// Create creates or truncates the named file for writing
	Create(name string) (io.WriteCloser, error)

	// Append opens the named file for appending, creating it if needed
	Append(name string) (io.WriteCloser, error)

	// Remove deletes the named file
	Remove(name string) error

	// Rename atomically replaces newName with oldName
	Rename(oldName, newName string) error

	// Exists reports whether the named file exists
	Exists(name string) bool

	// Size returns the size of the named file in bytes
	Size(name string) (int64, error)

	// MkdirAll creates a directory and any missing parents
	MkdirAll(dir string) error

	// RemoveAll deletes a directory and everything below it
	RemoveAll(dir string) error
}

// Locker is implemented by filesystems that can hold an exclusive
// cross-process lock on a directory.
type Locker interface {
	// TryLock acquires the lock without blocking. It returns ErrLocked if
	// another process holds it.
	TryLock(dir string) (release func() error, err error)
}

// Lister is implemented by filesystems that can enumerate a directory
type Lister interface {
	// List returns the sorted full names of the files directly inside dir.
	// A missing directory lists as empty.
	List(dir string) ([]string, error)
}
