package storage

import (
	"bytes"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory FileSystem.
// A reader returned by Open holds a snapshot of the file, so later writes,
// renames or deletes of that name never affect it.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory creates an empty in-memory filesystem
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string][]byte),
	}
}

// Open opens the named file for reading
func (m *Memory) Open(name string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[filepath.Clean(name)]
	if !ok {
		return nil, ErrNotExist
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Create creates or truncates the named file.
// Contents become visible when the writer is closed.
func (m *Memory) Create(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)

	m.mu.Lock()
	m.files[name] = []byte{}
	m.mu.Unlock()

	return &memWriter{fs: m, name: name}, nil
}

// Append opens the named file for appending
func (m *Memory) Append(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)

	m.mu.Lock()
	if _, ok := m.files[name]; !ok {
		m.files[name] = []byte{}
	}
	m.mu.Unlock()

	return &memWriter{fs: m, name: name, append: true}, nil
}

// Remove deletes the named file
func (m *Memory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; !ok {
		return ErrNotExist
	}
	delete(m.files, name)
	return nil
}

// Rename replaces newName with oldName
func (m *Memory) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldName = filepath.Clean(oldName)
	data, ok := m.files[oldName]
	if !ok {
		return ErrNotExist
	}

	delete(m.files, oldName)
	m.files[filepath.Clean(newName)] = data
	return nil
}

// Exists reports whether the named file exists
func (m *Memory) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.files[filepath.Clean(name)]
	return ok
}

// Size returns the size of the named file
func (m *Memory) Size(name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[filepath.Clean(name)]
	if !ok {
		return 0, ErrNotExist
	}
	return int64(len(data)), nil
}

// MkdirAll is a no-op; directories are implied by file names
func (m *Memory) MkdirAll(dir string) error {
	return nil
}

// RemoveAll deletes every file below dir
func (m *Memory) RemoveAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir = filepath.Clean(dir)
	prefix := dir + string(filepath.Separator)
	for name := range m.files {
		if name == dir || strings.HasPrefix(name, prefix) {
			delete(m.files, name)
		}
	}
	return nil
}

// Names returns the sorted names of all files below dir
func (m *Memory) Names(dir string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := filepath.Clean(dir) + string(filepath.Separator)
	var names []string
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// List returns the files directly inside dir
func (m *Memory) List(dir string) ([]string, error) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	var names []string
	for _, name := range m.Names(dir) {
		if !strings.Contains(name[len(prefix):], string(filepath.Separator)) {
			names = append(names, name)
		}
	}
	return names, nil
}

type memWriter struct {
	fs     *Memory
	name   string
	append bool
	buf    bytes.Buffer
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	if !w.append {
		w.fs.files[w.name] = bytes.Clone(w.buf.Bytes())
		return nil
	}

	// Copy instead of appending in place so open snapshots stay intact
	existing := w.fs.files[w.name]
	data := make([]byte, 0, len(existing)+w.buf.Len())
	data = append(data, existing...)
	data = append(data, w.buf.Bytes()...)
	w.fs.files[w.name] = data
	return nil
}
