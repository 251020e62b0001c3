package cache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grpc-guardian/cache-guardian/pkg/storage"
)

const (
	entriesDir  = "entries"
	headerIndex = 0
	bodyIndex   = 1
)

// DiskLRU is a durable Store with a byte capacity and least-recently-used
// eviction. Index mutations are serialized by a single mutex; file copies
// happen outside it.
type DiskLRU struct {
	fs      storage.FileSystem
	dir     string
	maxSize int64
	logger  *zap.Logger
	onEvict func(key string, size int64)

	mu           sync.Mutex
	entries      map[string]*list.Element
	lru          *list.List // front is most recently used
	size         int64
	nextGen      uint64
	redundantOps int
	journalDirty bool
	initialized  bool
	initErr      error
	unlock       func() error
	stats        Stats
}

type indexEntry struct {
	key        string
	headerSize int64
	bodySize   int64
	generation uint64
}

func (e *indexEntry) size() int64 {
	return e.headerSize + e.bodySize
}

// DiskLRUOption is a functional option for DiskLRU
type DiskLRUOption func(*DiskLRU)

// WithLogger sets the logger used for absorbed I/O faults
func WithLogger(logger *zap.Logger) DiskLRUOption {
	return func(s *DiskLRU) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvictionCallback registers a function called for every LRU eviction.
// It runs while the store lock is held and must not call back into the store.
func WithEvictionCallback(fn func(key string, size int64)) DiskLRUOption {
	return func(s *DiskLRU) {
		s.onEvict = fn
	}
}

// Open creates a store rooted at dir with a capacity of maxSize bytes.
// It never fails: the directory is prepared lazily, and while it cannot be
// the store behaves as an empty cache that rejects writes.
func Open(fs storage.FileSystem, dir string, maxSize int64, opts ...DiskLRUOption) *DiskLRU {
	s := &DiskLRU{
		fs:      fs,
		dir:     filepath.Clean(dir),
		maxSize: maxSize,
		logger:  zap.NewNop(),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.stats.MaxSize = maxSize
	return s
}

// Get returns a snapshot of the entry stored under key
func (s *DiskLRU) Get(ctx context.Context, key string) (*Snapshot, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.stats.Misses++
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	el, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	entry := el.Value.(*indexEntry)

	// Both files are opened under the lock so a concurrent Put can never
	// pair one entry's header with another's body
	headerReader, bodyReader, err := s.openEntryLocked(key)
	if err != nil {
		s.logger.Warn("cache entry unreadable, dropping",
			zap.String("key", key),
			zap.Error(err),
		)
		s.removeEntryLocked(el)
		s.stats.Misses++
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	s.lru.MoveToFront(el)
	s.appendJournalLocked(journalRecord{op: opRead, key: key})
	s.stats.Hits++
	s.mu.Unlock()

	header, err := io.ReadAll(headerReader)
	headerReader.Close()
	if err != nil {
		bodyReader.Close()
		s.logger.Warn("cache header read failed, dropping",
			zap.String("key", key),
			zap.Error(err),
		)
		s.dropIfCurrent(key, entry.generation)
		return nil, ErrNotFound
	}

	return &Snapshot{
		Key:    key,
		Header: header,
		Body:   bodyReader,
		Size:   entry.size(),
	}, nil
}

// Put stores header and body under key, then evicts until the store fits
func (s *DiskLRU) Put(ctx context.Context, key string, header []byte, body io.Reader) (err error) {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	defer func() {
		if err != nil {
			s.mu.Lock()
			s.stats.PutFailures++
			s.mu.Unlock()
		}
	}()

	suffix := "." + uuid.NewString() + ".tmp"
	headerTmp := s.entryPath(key, headerIndex) + suffix
	bodyTmp := s.entryPath(key, bodyIndex) + suffix
	cleanup := func() {
		s.removeQuietly(headerTmp)
		s.removeQuietly(bodyTmp)
	}

	// Writing temp files needs the directory to exist
	s.mu.Lock()
	initErr := s.ensureInitLocked()
	s.mu.Unlock()
	if initErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, initErr)
	}

	headerSize, err := s.writeFile(ctx, headerTmp, bytes.NewReader(header))
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to write header: %w", err)
	}

	bodySize, err := s.writeFile(ctx, bodyTmp, body)
	if err != nil {
		cleanup()
		return fmt.Errorf("failed to write body: %w", err)
	}

	if headerSize+bodySize > s.maxSize {
		cleanup()
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, headerSize+bodySize, s.maxSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear may have run while the temp files were written
	if err := s.ensureInitLocked(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if s.journalDirty {
		if err := s.rebuildJournalLocked(); err != nil {
			cleanup()
			return fmt.Errorf("failed to rebuild journal: %w", err)
		}
	}

	if err := s.fs.Rename(headerTmp, s.entryPath(key, headerIndex)); err != nil {
		cleanup()
		return fmt.Errorf("failed to commit header: %w", err)
	}

	if err := s.fs.Rename(bodyTmp, s.entryPath(key, bodyIndex)); err != nil {
		cleanup()
		// The old header was replaced, so the old entry is gone as well
		s.dropLocked(key)
		return fmt.Errorf("failed to commit body: %w", err)
	}

	rec := journalRecord{op: opClean, key: key, headerSize: headerSize, bodySize: bodySize}
	if err := s.appendJournalLocked(rec); err != nil {
		s.dropLocked(key)
		return fmt.Errorf("failed to journal entry: %w", err)
	}

	s.setEntryLocked(key, headerSize, bodySize)
	s.stats.Puts++
	s.trimToSizeLocked()
	s.maybeCompactLocked()

	return nil
}

// Remove deletes the entry stored under key
func (s *DiskLRU) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitLocked(); err != nil {
		return nil
	}

	if el, ok := s.entries[key]; ok {
		s.removeEntryLocked(el)
		s.stats.Removes++
	}
	return nil
}

// Clear removes every entry and resets the journal.
// Snapshots that are already open keep working.
func (s *DiskLRU) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureInitLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.fs.RemoveAll(s.entriesPath()); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	if err := s.fs.MkdirAll(s.entriesPath()); err != nil {
		return fmt.Errorf("failed to recreate entries dir: %w", err)
	}

	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.size = 0

	if err := s.rebuildJournalLocked(); err != nil {
		s.journalDirty = true
		return fmt.Errorf("failed to reset journal: %w", err)
	}
	return nil
}

// Stats returns store statistics
func (s *DiskLRU) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.entries)
	stats.Size = s.size
	stats.Degraded = !s.initialized && s.initErr != nil
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close releases the directory lock. The store reinitializes on next use.
func (s *DiskLRU) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.size = 0

	if s.unlock != nil {
		err := s.unlock()
		s.unlock = nil
		return err
	}
	return nil
}

// ensureInitLocked prepares the directory and replays the journal once.
// Failures are retried on the next call.
func (s *DiskLRU) ensureInitLocked() error {
	if s.initialized {
		return nil
	}

	if err := s.initLocked(); err != nil {
		if s.initErr == nil {
			s.logger.Warn("cache store unavailable, running without persistence",
				zap.String("dir", s.dir),
				zap.Error(err),
			)
		}
		s.initErr = err
		return err
	}

	s.initErr = nil
	s.initialized = true
	return nil
}

func (s *DiskLRU) initLocked() error {
	if err := s.fs.MkdirAll(s.entriesPath()); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	if locker, ok := s.fs.(storage.Locker); ok && s.unlock == nil {
		unlock, err := locker.TryLock(s.dir)
		if err != nil {
			return err
		}
		s.unlock = unlock
	}

	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.size = 0
	s.redundantOps = 0

	records, truncated, err := s.readJournalFile()
	if err != nil {
		if !errors.Is(err, storage.ErrNotExist) {
			s.logger.Warn("cache journal unreadable, starting empty",
				zap.String("dir", s.dir),
				zap.Error(err),
			)
		}
		// Files left without a journal can never be found again
		if err := s.fs.RemoveAll(s.entriesPath()); err != nil {
			s.logger.Debug("failed to remove orphaned entries", zap.Error(err))
		}
		if err := s.fs.MkdirAll(s.entriesPath()); err != nil {
			return fmt.Errorf("failed to create cache dir: %w", err)
		}
		s.journalDirty = true
		return nil
	}

	for _, rec := range records {
		switch rec.op {
		case opClean:
			s.setEntryLocked(rec.key, rec.headerSize, rec.bodySize)
		case opRead:
			if el, ok := s.entries[rec.key]; ok {
				s.lru.MoveToFront(el)
			}
		case opRemove:
			if el, ok := s.entries[rec.key]; ok {
				s.size -= el.Value.(*indexEntry).size()
				s.lru.Remove(el)
				delete(s.entries, rec.key)
			}
		}
	}

	s.redundantOps = len(records) - len(s.entries)
	s.journalDirty = truncated

	s.verifyEntriesLocked()
	s.sweepOrphansLocked()

	// A smaller capacity than the previous run applies immediately
	s.trimToSizeLocked()

	return nil
}

// verifyEntriesLocked drops replayed entries whose files do not have the
// journalled sizes. A crash between the header and body renames leaves such
// a mixed pair behind.
func (s *DiskLRU) verifyEntriesLocked() {
	dropped := 0
	for key, el := range s.entries {
		e := el.Value.(*indexEntry)
		if s.fileHasSize(s.entryPath(key, headerIndex), e.headerSize) &&
			s.fileHasSize(s.entryPath(key, bodyIndex), e.bodySize) {
			continue
		}

		s.logger.Warn("cache entry does not match journal, dropping", zap.String("key", key))
		s.removeQuietly(s.entryPath(key, headerIndex))
		s.removeQuietly(s.entryPath(key, bodyIndex))
		s.lru.Remove(el)
		delete(s.entries, key)
		s.size -= e.size()
		dropped++
	}

	if dropped > 0 {
		if err := s.rebuildJournalLocked(); err != nil {
			s.journalDirty = true
		}
	}
}

func (s *DiskLRU) fileHasSize(name string, want int64) bool {
	size, err := s.fs.Size(name)
	return err == nil && size == want
}

// sweepOrphansLocked removes files in the entries directory that no index
// record points at: leftovers of puts that never reached the journal and
// temp files of interrupted writes
func (s *DiskLRU) sweepOrphansLocked() {
	lister, ok := s.fs.(storage.Lister)
	if !ok {
		return
	}

	names, err := lister.List(s.entriesPath())
	if err != nil {
		s.logger.Debug("failed to list cache entries", zap.Error(err))
		return
	}

	removed := 0
	for _, name := range names {
		if key, ok := parseEntryName(filepath.Base(name)); ok {
			if _, indexed := s.entries[key]; indexed {
				continue
			}
		}
		s.removeQuietly(name)
		removed++
	}

	if removed > 0 {
		s.logger.Info("removed orphaned cache files",
			zap.String("dir", s.dir),
			zap.Int("files", removed),
		)
	}
}

// parseEntryName returns the key of a committed "<key>.0" or "<key>.1" file
func parseEntryName(base string) (string, bool) {
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return "", false
	}
	switch base[i+1:] {
	case "0", "1":
	default:
		return "", false
	}
	key := base[:i]
	return key, validKey(key)
}

func (s *DiskLRU) readJournalFile() ([]journalRecord, bool, error) {
	r, err := s.fs.Open(s.journalPath())
	if err != nil {
		return nil, false, err
	}
	defer r.Close()

	return readJournal(r)
}

// rebuildJournalLocked writes a compact journal holding only live entries,
// oldest first, and swaps it in
func (s *DiskLRU) rebuildJournalLocked() error {
	var buf strings.Builder
	buf.WriteString(journalHeader())
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*indexEntry)
		buf.WriteString(journalRecord{op: opClean, key: e.key, headerSize: e.headerSize, bodySize: e.bodySize}.String())
	}

	tmp := s.journalPath() + ".tmp"
	w, err := s.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, buf.String()); err != nil {
		w.Close()
		s.removeQuietly(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		s.removeQuietly(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, s.journalPath()); err != nil {
		s.removeQuietly(tmp)
		return err
	}

	s.redundantOps = 0
	s.journalDirty = false
	return nil
}

func (s *DiskLRU) appendJournalLocked(rec journalRecord) error {
	if s.journalDirty {
		// The next committed Put rewrites the journal from the index
		return nil
	}

	w, err := s.fs.Append(s.journalPath())
	if err != nil {
		s.logger.Debug("journal append failed", zap.String("op", rec.op), zap.Error(err))
		return err
	}
	if _, err := io.WriteString(w, rec.String()); err != nil {
		w.Close()
		s.logger.Debug("journal append failed", zap.String("op", rec.op), zap.Error(err))
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if rec.op != opClean {
		s.redundantOps++
	}
	return nil
}

func (s *DiskLRU) maybeCompactLocked() {
	if s.redundantOps < compactThreshold || s.redundantOps < len(s.entries) {
		return
	}
	if err := s.rebuildJournalLocked(); err != nil {
		s.logger.Warn("journal compaction failed", zap.Error(err))
	}
}

func (s *DiskLRU) setEntryLocked(key string, headerSize, bodySize int64) {
	s.nextGen++

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*indexEntry)
		s.size -= e.size()
		e.headerSize, e.bodySize, e.generation = headerSize, bodySize, s.nextGen
		s.size += e.size()
		s.lru.MoveToFront(el)
		s.redundantOps++
		return
	}

	e := &indexEntry{key: key, headerSize: headerSize, bodySize: bodySize, generation: s.nextGen}
	s.entries[key] = s.lru.PushFront(e)
	s.size += e.size()
}

// removeEntryLocked deletes an indexed entry's files and journals it
func (s *DiskLRU) removeEntryLocked(el *list.Element) {
	e := el.Value.(*indexEntry)
	s.removeQuietly(s.entryPath(e.key, headerIndex))
	s.removeQuietly(s.entryPath(e.key, bodyIndex))

	s.lru.Remove(el)
	delete(s.entries, e.key)
	s.size -= e.size()

	s.appendJournalLocked(journalRecord{op: opRemove, key: e.key})
}

// dropLocked removes key whether or not it is indexed
func (s *DiskLRU) dropLocked(key string) {
	if el, ok := s.entries[key]; ok {
		s.removeEntryLocked(el)
		return
	}
	s.removeQuietly(s.entryPath(key, headerIndex))
	s.removeQuietly(s.entryPath(key, bodyIndex))
}

// dropIfCurrent removes key only if it was not replaced since generation
func (s *DiskLRU) dropIfCurrent(key string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Hits--
	s.stats.Misses++

	if el, ok := s.entries[key]; ok && el.Value.(*indexEntry).generation == generation {
		s.removeEntryLocked(el)
	}
}

func (s *DiskLRU) trimToSizeLocked() {
	for s.size > s.maxSize {
		el := s.lru.Back()
		if el == nil {
			return
		}
		e := el.Value.(*indexEntry)
		s.removeEntryLocked(el)
		s.stats.Evictions++

		s.logger.Debug("cache entry evicted",
			zap.String("key", e.key),
			zap.Int64("size", e.size()),
		)
		if s.onEvict != nil {
			s.onEvict(e.key, e.size())
		}
	}
}

func (s *DiskLRU) openEntryLocked(key string) (io.ReadCloser, io.ReadCloser, error) {
	header, err := s.fs.Open(s.entryPath(key, headerIndex))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open header: %w", err)
	}

	body, err := s.fs.Open(s.entryPath(key, bodyIndex))
	if err != nil {
		header.Close()
		return nil, nil, fmt.Errorf("failed to open body: %w", err)
	}

	return header, body, nil
}

func (s *DiskLRU) writeFile(ctx context.Context, name string, r io.Reader) (int64, error) {
	w, err := s.fs.Create(name)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, &contextReader{ctx: ctx, r: r})
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func (s *DiskLRU) removeQuietly(name string) {
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, storage.ErrNotExist) {
		s.logger.Debug("failed to remove cache file", zap.String("file", name), zap.Error(err))
	}
}

func (s *DiskLRU) entriesPath() string {
	return filepath.Join(s.dir, entriesDir)
}

func (s *DiskLRU) journalPath() string {
	return filepath.Join(s.dir, journalFile)
}

func (s *DiskLRU) entryPath(key string, index int) string {
	return filepath.Join(s.dir, entriesDir, fmt.Sprintf("%s.%d", key, index))
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
