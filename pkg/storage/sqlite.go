package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a FileSystem that keeps every file as a row in a single SQLite
// database. Appends are stored as separate rows in the appends table and
// folded in on read, so appending costs one insert whatever the file size.
// Readers load the whole file, so they are independent of later writes to
// the same name.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS appends (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS appends_name ON appends (name, id);
`

// OpenSQLite opens (or creates) a database at path.
// An empty path opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Open reads the named file with its appended records
func (s *SQLite) Open(name string) (io.ReadCloser, error) {
	name = filepath.Clean(name)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRow("SELECT data FROM files WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query("SELECT data FROM appends WHERE name = ? ORDER BY id", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buf := bytes.NewBuffer(data)
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}

// Create creates or truncates the named file.
// Contents are committed when the writer is closed.
func (s *SQLite) Create(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)
	if err := s.replace(name, []byte{}); err != nil {
		return nil, err
	}
	return &sqliteWriter{fs: s, name: name}, nil
}

// Append opens the named file for appending
func (s *SQLite) Append(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)
	if _, err := s.db.Exec("INSERT OR IGNORE INTO files (name, data) VALUES (?, ?)", name, []byte{}); err != nil {
		return nil, err
	}
	return &sqliteWriter{fs: s, name: name, append: true}, nil
}

// Remove deletes the named file
func (s *SQLite) Remove(name string) error {
	name = filepath.Clean(name)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM files WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotExist
	}
	if _, err := tx.Exec("DELETE FROM appends WHERE name = ?", name); err != nil {
		return err
	}

	return tx.Commit()
}

// Rename replaces newName with oldName in one transaction
func (s *SQLite) Rename(oldName, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	oldName, newName = filepath.Clean(oldName), filepath.Clean(newName)
	if _, err := tx.Exec("DELETE FROM files WHERE name = ?", newName); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM appends WHERE name = ?", newName); err != nil {
		return err
	}

	res, err := tx.Exec("UPDATE files SET name = ? WHERE name = ?", newName, oldName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotExist
	}
	if _, err := tx.Exec("UPDATE appends SET name = ? WHERE name = ?", newName, oldName); err != nil {
		return err
	}

	return tx.Commit()
}

// Exists reports whether the named file exists
func (s *SQLite) Exists(name string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM files WHERE name = ?", filepath.Clean(name)).Scan(&one)
	return err == nil
}

// Size returns the size of the named file
func (s *SQLite) Size(name string) (int64, error) {
	name = filepath.Clean(name)

	var size int64
	err := s.db.QueryRow(`SELECT length(data) + (
		SELECT COALESCE(SUM(length(data)), 0) FROM appends WHERE name = ?
	) FROM files WHERE name = ?`, name, name).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotExist
	}
	return size, err
}

// MkdirAll is a no-op; directories are implied by file names
func (s *SQLite) MkdirAll(string) error {
	return nil
}

// RemoveAll deletes every file below dir
func (s *SQLite) RemoveAll(dir string) error {
	dir = filepath.Clean(dir)
	prefix := dir + string(filepath.Separator)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"files", "appends"} {
		if _, err := tx.Exec(
			"DELETE FROM "+table+" WHERE name = ? OR substr(name, 1, ?) = ?",
			dir, len(prefix), prefix,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// List returns the files directly inside dir
func (s *SQLite) List(dir string) ([]string, error) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	rows, err := s.db.Query(
		"SELECT name FROM files WHERE substr(name, 1, ?) = ? ORDER BY name",
		len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !strings.Contains(name[len(prefix):], string(filepath.Separator)) {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// replace sets the contents of name and drops its appended records
func (s *SQLite) replace(name string, data []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR REPLACE INTO files (name, data) VALUES (?, ?)", name, data); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM appends WHERE name = ?", name); err != nil {
		return err
	}

	return tx.Commit()
}

type sqliteWriter struct {
	fs     *SQLite
	name   string
	append bool
	buf    bytes.Buffer
	closed bool
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	return w.buf.Write(p)
}

func (w *sqliteWriter) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if !w.append {
		return w.fs.replace(w.name, w.buf.Bytes())
	}
	if w.buf.Len() == 0 {
		return nil
	}

	_, err := w.fs.db.Exec("INSERT INTO appends (name, data) VALUES (?, ?)", w.name, w.buf.Bytes())
	return err
}
