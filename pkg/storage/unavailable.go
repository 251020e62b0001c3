package storage

import "io"

// Unavailable is a FileSystem where every operation fails.
// It stands in for a device that is missing or not writable.
type Unavailable struct{}

// NewUnavailable creates a filesystem that always fails
func NewUnavailable() *Unavailable {
	return &Unavailable{}
}

func (Unavailable) Open(string) (io.ReadCloser, error)   { return nil, ErrUnavailable }
func (Unavailable) Create(string) (io.WriteCloser, error) { return nil, ErrUnavailable }
func (Unavailable) Append(string) (io.WriteCloser, error) { return nil, ErrUnavailable }
func (Unavailable) Remove(string) error                   { return ErrUnavailable }
func (Unavailable) Rename(string, string) error           { return ErrUnavailable }
func (Unavailable) Exists(string) bool                    { return false }
func (Unavailable) Size(string) (int64, error)            { return 0, ErrUnavailable }
func (Unavailable) MkdirAll(string) error                 { return ErrUnavailable }
func (Unavailable) RemoveAll(string) error                { return ErrUnavailable }
