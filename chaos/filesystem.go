package chaos

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grpc-guardian/cache-guardian/pkg/storage"
)

// ErrInjectedIO is returned for injected filesystem failures
var ErrInjectedIO = errors.New("chaos: injected I/O failure")

// Failure selects targeted filesystem faults. Values combine with |.
type Failure uint8

const (
	FailHeaderWrite Failure = 1 << iota
	FailBodyWrite
	FailHeaderRead
	FailBodyRead

	// NoFailure disables targeted faults
	NoFailure Failure = 0
)

// FileSystemConfig holds configuration for filesystem chaos
type FileSystemConfig struct {
	Failures         Failure
	FaultProbability float64
}

// FileSystemOption is a functional option for filesystem chaos
type FileSystemOption func(*FileSystemConfig)

// WithFailures enables targeted header/body read/write faults.
// Write faults fail on Write; read faults fail on Read, after Open succeeds.
func WithFailures(f Failure) FileSystemOption {
	return func(c *FileSystemConfig) {
		c.Failures = f
	}
}

// WithFaultProbability fails any operation with the given probability
func WithFaultProbability(probability float64) FileSystemOption {
	return func(c *FileSystemConfig) {
		c.FaultProbability = probability
	}
}

// FileSystem wraps a storage.FileSystem and injects faults.
// Entry files are recognised by their ".0" (header) and ".1" (body) suffix,
// including in-progress temp files.
type FileSystem struct {
	delegate storage.FileSystem

	mu     sync.RWMutex
	config FileSystemConfig
}

// NewFileSystem wraps delegate
func NewFileSystem(delegate storage.FileSystem, opts ...FileSystemOption) *FileSystem {
	fs := &FileSystem{delegate: delegate}
	for _, opt := range opts {
		opt(&fs.config)
	}
	return fs
}

// SetFailures replaces the targeted faults
func (f *FileSystem) SetFailures(failures Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.Failures = failures
}

func (f *FileSystem) failures() (Failure, float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config.Failures, f.config.FaultProbability
}

func (f *FileSystem) random() bool {
	_, p := f.failures()
	return p > 0 && shouldInject(p)
}

type fileKind int

const (
	otherFile fileKind = iota
	headerFile
	bodyFile
)

func classify(name string) fileKind {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) < 2 {
		return otherFile
	}
	switch parts[1] {
	case "0":
		return headerFile
	case "1":
		return bodyFile
	default:
		return otherFile
	}
}

func (f *FileSystem) readFault(name string) bool {
	failures, _ := f.failures()
	switch classify(name) {
	case headerFile:
		return failures&FailHeaderRead != 0
	case bodyFile:
		return failures&FailBodyRead != 0
	}
	return false
}

func (f *FileSystem) writeFault(name string) bool {
	failures, _ := f.failures()
	switch classify(name) {
	case headerFile:
		return failures&FailHeaderWrite != 0
	case bodyFile:
		return failures&FailBodyWrite != 0
	}
	return false
}

// Open opens the named file, failing reads of targeted files
func (f *FileSystem) Open(name string) (io.ReadCloser, error) {
	if f.random() {
		return nil, ErrInjectedIO
	}
	rc, err := f.delegate.Open(name)
	if err != nil {
		return nil, err
	}
	if f.readFault(name) {
		return &failingReader{rc: rc}, nil
	}
	return rc, nil
}

// Create creates the named file, failing writes to targeted files
func (f *FileSystem) Create(name string) (io.WriteCloser, error) {
	if f.random() {
		return nil, ErrInjectedIO
	}
	wc, err := f.delegate.Create(name)
	if err != nil {
		return nil, err
	}
	if f.writeFault(name) {
		return &failingWriter{wc: wc}, nil
	}
	return wc, nil
}

func (f *FileSystem) Append(name string) (io.WriteCloser, error) {
	if f.random() {
		return nil, ErrInjectedIO
	}
	return f.delegate.Append(name)
}

func (f *FileSystem) Remove(name string) error {
	if f.random() {
		return ErrInjectedIO
	}
	return f.delegate.Remove(name)
}

func (f *FileSystem) Rename(oldName, newName string) error {
	if f.random() {
		return ErrInjectedIO
	}
	return f.delegate.Rename(oldName, newName)
}

func (f *FileSystem) Exists(name string) bool {
	return f.delegate.Exists(name)
}

func (f *FileSystem) Size(name string) (int64, error) {
	if f.random() {
		return 0, ErrInjectedIO
	}
	return f.delegate.Size(name)
}

func (f *FileSystem) MkdirAll(dir string) error {
	if f.random() {
		return ErrInjectedIO
	}
	return f.delegate.MkdirAll(dir)
}

func (f *FileSystem) RemoveAll(dir string) error {
	if f.random() {
		return ErrInjectedIO
	}
	return f.delegate.RemoveAll(dir)
}

// List forwards to the delegate when it can enumerate directories
func (f *FileSystem) List(dir string) ([]string, error) {
	lister, ok := f.delegate.(storage.Lister)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	if f.random() {
		return nil, ErrInjectedIO
	}
	return lister.List(dir)
}

type failingReader struct {
	rc io.ReadCloser
}

func (r *failingReader) Read([]byte) (int, error) { return 0, ErrInjectedIO }
func (r *failingReader) Close() error             { return r.rc.Close() }

type failingWriter struct {
	wc io.WriteCloser
}

func (w *failingWriter) Write([]byte) (int, error) { return 0, ErrInjectedIO }
func (w *failingWriter) Close() error              { return w.wc.Close() }
