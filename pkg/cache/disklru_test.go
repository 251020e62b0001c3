package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grpc-guardian/cache-guardian/chaos"
	"github.com/grpc-guardian/cache-guardian/pkg/storage"
)

const testDir = "/cache"

func put(t *testing.T, s Store, key, header, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, []byte(header), strings.NewReader(body)))
}

func get(t *testing.T, s Store, key string) (string, string) {
	t.Helper()
	snap, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	defer snap.Close()

	body, err := io.ReadAll(snap.Body)
	require.NoError(t, err)
	return string(snap.Header), string(body)
}

func assertAbsent(t *testing.T, s Store, key string) {
	t.Helper()
	_, err := s.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskLRU_PutGet(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	put(t, s, "abc", "header", "body")

	header, body := get(t, s, "abc")
	assert.Equal(t, "header", header)
	assert.Equal(t, "body", body)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(10), stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Puts)
}

func TestDiskLRU_Missing(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	assertAbsent(t, s, "nope")
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestDiskLRU_Overwrite(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	put(t, s, "k", "h1", "first")
	put(t, s, "k", "h2", "second!")

	header, body := get(t, s, "k")
	assert.Equal(t, "h2", header)
	assert.Equal(t, "second!", body)
	assert.Equal(t, int64(9), s.Stats().Size)
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestDiskLRU_InvalidKey(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	for _, key := range []string{"", "UPPER", "../escape", "has space", strings.Repeat("a", 121)} {
		err := s.Put(context.Background(), key, []byte("h"), strings.NewReader("b"))
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
		assertAbsent(t, s, key)
	}
}

func TestDiskLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	s := Open(storage.NewMemory(), testDir, 10, WithEvictionCallback(func(key string, size int64) {
		evicted = append(evicted, key)
		assert.Equal(t, int64(5), size)
	}))

	put(t, s, "a", "h", "aaaa")
	put(t, s, "b", "h", "bbbb")

	// Touch a so b becomes the eviction candidate
	get(t, s, "a")

	put(t, s, "c", "h", "cccc")

	assertAbsent(t, s, "b")
	_, body := get(t, s, "a")
	assert.Equal(t, "aaaa", body)
	_, body = get(t, s, "c")
	assert.Equal(t, "cccc", body)

	assert.Equal(t, []string{"b"}, evicted)
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.Size, stats.MaxSize)
}

func TestDiskLRU_EntryTooLarge(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 8)

	put(t, s, "small", "h", "ok")

	err := s.Put(context.Background(), "big", []byte("h"), strings.NewReader("way too large"))
	assert.ErrorIs(t, err, ErrEntryTooLarge)

	assertAbsent(t, s, "big")
	_, body := get(t, s, "small")
	assert.Equal(t, "ok", body)
	assert.Equal(t, []string{
		filepath.Join(testDir, entriesDir, "small.0"),
		filepath.Join(testDir, entriesDir, "small.1"),
	}, mem.Names(filepath.Join(testDir, entriesDir)))
}

func TestDiskLRU_WriteFailureKeepsPreviousEntry(t *testing.T) {
	tests := []struct {
		name    string
		failure chaos.Failure
	}{
		{"header write", chaos.FailHeaderWrite},
		{"body write", chaos.FailBodyWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemory()
			fs := chaos.NewFileSystem(mem)
			s := Open(fs, testDir, 1024)

			put(t, s, "k", "old-header", "old-body")

			fs.SetFailures(tt.failure)
			err := s.Put(context.Background(), "k", []byte("new-header"), strings.NewReader("new-body"))
			require.Error(t, err)
			assert.ErrorIs(t, err, chaos.ErrInjectedIO)

			fs.SetFailures(chaos.NoFailure)
			header, body := get(t, s, "k")
			assert.Equal(t, "old-header", header)
			assert.Equal(t, "old-body", body)

			// No temp files are left behind
			assert.Equal(t, []string{
				filepath.Join(testDir, entriesDir, "k.0"),
				filepath.Join(testDir, entriesDir, "k.1"),
			}, mem.Names(filepath.Join(testDir, entriesDir)))
			assert.Equal(t, uint64(1), s.Stats().PutFailures)
		})
	}
}

func TestDiskLRU_WriteFailureLeavesNoEntry(t *testing.T) {
	fs := chaos.NewFileSystem(storage.NewMemory(), chaos.WithFailures(chaos.FailBodyWrite))
	s := Open(fs, testDir, 1024)

	err := s.Put(context.Background(), "k", []byte("h"), strings.NewReader("b"))
	require.Error(t, err)

	fs.SetFailures(chaos.NoFailure)
	assertAbsent(t, s, "k")
	assert.Equal(t, 0, s.Stats().Entries)
}

func TestDiskLRU_HeaderReadFailureDropsEntry(t *testing.T) {
	fs := chaos.NewFileSystem(storage.NewMemory())
	s := Open(fs, testDir, 1024)

	put(t, s, "k", "h", "b")

	fs.SetFailures(chaos.FailHeaderRead)
	assertAbsent(t, s, "k")

	fs.SetFailures(chaos.NoFailure)
	assertAbsent(t, s, "k")

	stats := s.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestDiskLRU_BodyReadFailureSurfacesOnRead(t *testing.T) {
	fs := chaos.NewFileSystem(storage.NewMemory())
	s := Open(fs, testDir, 1024)

	header := EncodeHeader(newResponse(200, "application/json"), fixedNow, 2)
	require.NoError(t, s.Put(context.Background(), "k", header, strings.NewReader("{}")))

	fs.SetFailures(chaos.FailBodyRead)
	snap, err := s.Get(context.Background(), "k")
	require.NoError(t, err)

	_, err = ReadEntry(snap)
	assert.ErrorIs(t, err, chaos.ErrInjectedIO)
}

func TestDiskLRU_Remove(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	put(t, s, "k", "h", "b")
	require.NoError(t, s.Remove(context.Background(), "k"))
	assertAbsent(t, s, "k")

	// Removing an absent key is not an error
	require.NoError(t, s.Remove(context.Background(), "k"))
	assert.Equal(t, uint64(1), s.Stats().Removes)
}

func TestDiskLRU_ClearKeepsOpenSnapshots(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 1024)

	put(t, s, "a", "h", "alpha")
	put(t, s, "b", "h", "beta")

	snap, err := s.Get(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, s.Clear(context.Background()))

	body, err := io.ReadAll(snap.Body)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(body))
	require.NoError(t, snap.Close())

	assertAbsent(t, s, "a")
	assertAbsent(t, s, "b")
	assert.Equal(t, int64(0), s.Stats().Size)

	put(t, s, "c", "h", "gamma")
	_, got := get(t, s, "c")
	assert.Equal(t, "gamma", got)
}

func TestDiskLRU_ReplaysJournal(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)

	put(t, s, "a", "h", "alpha")
	put(t, s, "b", "h", "beta")
	put(t, s, "c", "h", "gamma")
	get(t, s, "a")
	require.NoError(t, s.Remove(context.Background(), "b"))
	require.NoError(t, s.Close())

	reopened := Open(mem, testDir, 1024)
	assertAbsent(t, reopened, "b")
	_, body := get(t, reopened, "a")
	assert.Equal(t, "alpha", body)
	_, body = get(t, reopened, "c")
	assert.Equal(t, "gamma", body)
	assert.Equal(t, 2, reopened.Stats().Entries)
}

func TestDiskLRU_ReplayKeepsRecencyOrder(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 100)

	put(t, s, "a", "h", "aaaa")
	put(t, s, "b", "h", "bbbb")
	get(t, s, "a")
	require.NoError(t, s.Close())

	// A smaller capacity trims on open, oldest first
	reopened := Open(mem, testDir, 5)
	assertAbsent(t, reopened, "b")
	_, body := get(t, reopened, "a")
	assert.Equal(t, "aaaa", body)
}

func TestDiskLRU_CorruptJournalStartsEmpty(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)
	put(t, s, "a", "h", "alpha")
	require.NoError(t, s.Close())

	w, err := mem.Create(filepath.Join(testDir, journalFile))
	require.NoError(t, err)
	_, err = io.WriteString(w, "not a journal\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened := Open(mem, testDir, 1024)
	assertAbsent(t, reopened, "a")
	assert.Empty(t, mem.Names(filepath.Join(testDir, entriesDir)))

	put(t, reopened, "b", "h", "beta")

	journal := readAll(t, mem, filepath.Join(testDir, journalFile))
	assert.True(t, strings.HasPrefix(journal, journalHeader()))
	assert.Contains(t, journal, "CLEAN b 1 4\n")
}

func TestDiskLRU_TruncatedJournalIsRepaired(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)
	put(t, s, "a", "h", "alpha")
	require.NoError(t, s.Close())

	w, err := mem.Append(filepath.Join(testDir, journalFile))
	require.NoError(t, err)
	_, err = io.WriteString(w, "CLEAN b 1")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened := Open(mem, testDir, 1024)
	_, body := get(t, reopened, "a")
	assert.Equal(t, "alpha", body)
	assertAbsent(t, reopened, "b")

	put(t, reopened, "c", "h", "gamma")

	journal := readAll(t, mem, filepath.Join(testDir, journalFile))
	assert.NotContains(t, journal, "CLEAN b 1\n")
	assert.True(t, strings.HasSuffix(journal, "CLEAN c 1 5\n"))
}

func writeRaw(t *testing.T, fs storage.FileSystem, name, content string) {
	t.Helper()
	w, err := fs.Create(name)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestDiskLRU_MixedEntryFilesAreDropped(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)
	put(t, s, "a", "HEADER-OLD", "old-body")
	put(t, s, "b", "h", "beta")
	require.NoError(t, s.Close())

	// A new header committed without its body or journal record
	writeRaw(t, mem, filepath.Join(testDir, entriesDir, "a.0"), "HEADER-NEW-FOR-A-LONGER-BODY")

	reopened := Open(mem, testDir, 1024)
	assertAbsent(t, reopened, "a")
	_, body := get(t, reopened, "b")
	assert.Equal(t, "beta", body)
	assert.Equal(t, int64(5), reopened.Stats().Size)
	assert.Equal(t, []string{
		filepath.Join(testDir, entriesDir, "b.0"),
		filepath.Join(testDir, entriesDir, "b.1"),
	}, mem.Names(filepath.Join(testDir, entriesDir)))

	journal := readAll(t, mem, filepath.Join(testDir, journalFile))
	assert.NotContains(t, journal, "CLEAN a ")
	require.NoError(t, reopened.Close())

	again := Open(mem, testDir, 1024)
	assertAbsent(t, again, "a")
	assert.Equal(t, 1, again.Stats().Entries)
}

func TestDiskLRU_MissingBodyIsDropped(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)
	put(t, s, "a", "h", "alpha")
	require.NoError(t, s.Close())

	require.NoError(t, mem.Remove(filepath.Join(testDir, entriesDir, "a.1")))

	reopened := Open(mem, testDir, 1024)
	assertAbsent(t, reopened, "a")
	assert.Empty(t, mem.Names(filepath.Join(testDir, entriesDir)))
}

func TestDiskLRU_SweepsOrphanedFiles(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)
	put(t, s, "a", "h", "alpha")
	require.NoError(t, s.Close())

	entries := filepath.Join(testDir, entriesDir)
	// Committed files whose journal record was never written
	writeRaw(t, mem, filepath.Join(entries, "b.0"), "h")
	writeRaw(t, mem, filepath.Join(entries, "b.1"), "beta")
	// Temp files of an interrupted put
	writeRaw(t, mem, filepath.Join(entries, "c.0.0b9f7d1e.tmp"), "h")
	writeRaw(t, mem, filepath.Join(entries, "stray"), "x")

	reopened := Open(mem, testDir, 1024)
	_, body := get(t, reopened, "a")
	assert.Equal(t, "alpha", body)
	assertAbsent(t, reopened, "b")

	assert.Equal(t, []string{
		filepath.Join(entries, "a.0"),
		filepath.Join(entries, "a.1"),
	}, mem.Names(entries))
}

func TestDiskLRU_SweepsOrphansOnOS(t *testing.T) {
	dir := t.TempDir()
	fs := storage.NewOS()
	s := Open(fs, dir, 1024)
	put(t, s, "a", "h", "alpha")
	require.NoError(t, s.Close())

	orphan := filepath.Join(dir, entriesDir, "b.1")
	writeRaw(t, fs, orphan, "beta")

	reopened := Open(fs, dir, 1024)
	_, body := get(t, reopened, "a")
	assert.Equal(t, "alpha", body)
	assert.False(t, fs.Exists(orphan))
	require.NoError(t, reopened.Close())
}

func TestParseEntryName(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"abc.0", "abc", true},
		{"abc.1", "abc", true},
		{"abc.2", "", false},
		{"abc.0.uuid.tmp", "", false},
		{"ABC.0", "ABC", false},
		{"noext", "", false},
	}

	for _, tt := range tests {
		key, ok := parseEntryName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if tt.ok {
			assert.Equal(t, tt.key, key)
		}
	}
}

func TestDiskLRU_UnavailableFileSystem(t *testing.T) {
	s := Open(storage.NewUnavailable(), testDir, 1024)

	err := s.Put(context.Background(), "k", []byte("h"), strings.NewReader("b"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assertAbsent(t, s, "k")
	assert.NoError(t, s.Remove(context.Background(), "k"))

	stats := s.Stats()
	assert.True(t, stats.Degraded)
	assert.Equal(t, 0, stats.Entries)
}

func TestDiskLRU_RecoversWhenStorageReturns(t *testing.T) {
	fs := chaos.NewFileSystem(storage.NewMemory(), chaos.WithFaultProbability(1))
	s := Open(fs, testDir, 1024)

	assertAbsent(t, s, "k")
	assert.True(t, s.Stats().Degraded)

	healthy := chaos.NewFileSystem(storage.NewMemory())
	s.fs = healthy
	put(t, s, "k", "h", "b")
	assert.False(t, s.Stats().Degraded)
}

func TestDiskLRU_OSFileSystem(t *testing.T) {
	dir := t.TempDir()
	s := Open(storage.NewOS(), dir, 1024)
	put(t, s, "k", "h", "body")

	// The directory is locked to one store at a time
	other := Open(storage.NewOS(), dir, 1024)
	err := other.Put(context.Background(), "x", []byte("h"), strings.NewReader("b"))
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, s.Close())

	_, body := get(t, other, "k")
	assert.Equal(t, "body", body)
	require.NoError(t, other.Close())
}

func TestDiskLRU_SQLiteFileSystem(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	s := Open(db, testDir, 1024)
	put(t, s, "k", "h", "body")
	require.NoError(t, s.Close())

	reopened := Open(db, testDir, 1024)
	_, body := get(t, reopened, "k")
	assert.Equal(t, "body", body)
}

func TestDiskLRU_Concurrent(t *testing.T) {
	s := Open(storage.NewMemory(), testDir, 4096)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k%d", j%10)
				body := fmt.Sprintf("body-%s", key)
				if err := s.Put(context.Background(), key, []byte("h"), strings.NewReader(body)); err != nil {
					t.Error(err)
					return
				}

				snap, err := s.Get(context.Background(), key)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}
				got, err := io.ReadAll(snap.Body)
				snap.Close()
				if err != nil {
					t.Error(err)
					return
				}
				// Every writer of a key writes the same body
				assert.Equal(t, body, string(got))
			}
		}(i)
	}
	wg.Wait()

	stats := s.Stats()
	assert.LessOrEqual(t, stats.Size, stats.MaxSize)
	assert.Equal(t, 10, stats.Entries)
}

func TestDiskLRU_CanceledPut(t *testing.T) {
	mem := storage.NewMemory()
	s := Open(mem, testDir, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, "k", []byte("h"), strings.NewReader("b"))
	assert.ErrorIs(t, err, context.Canceled)
	assertAbsent(t, s, "k")
	assert.Empty(t, mem.Names(filepath.Join(testDir, entriesDir)))
}

func readAll(t *testing.T, fs storage.FileSystem, name string) string {
	t.Helper()
	r, err := fs.Open(name)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}
