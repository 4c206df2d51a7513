// Package sidecar implements the reconciliation engine's persisted
// path → (mtime, size) map. It is pushed and pulled as a single binary
// blob at the sync root (historically named files.pickle); this
// implementation backs that blob with an embedded SQLite database
// instead of a language-specific serialization, so the bytes are
// self-describing and inspectable with any sqlite3 client.
package sidecar

import (
	"database/sql"
	"os"

	_ "modernc.org/sqlite"

	aerrors "github.com/mpalmer/adbsync/internal/errors"
)

// DefaultName is the historical sidecar blob filename. Kept for
// interop with existing remote trees; only the bytes behind this name
// have changed meaning.
const DefaultName = "files.pickle"

// Entry is the (mtime, size) pair tracked per canonical relative path.
type Entry struct {
	Mtime uint32
	Size  uint32
}

// DB is the in-memory form of the sidecar map. The zero value is an
// empty DB, matching the "absence degrades to empty" rule.
type DB struct {
	entries map[string]Entry
}

// New returns an empty DB.
func New() *DB {
	return &DB{entries: make(map[string]Entry)}
}

// Get looks up path, returning ok=false if it is not tracked.
func (db *DB) Get(path string) (Entry, bool) {
	e, ok := db.entries[path]
	return e, ok
}

// Set records or overwrites path's entry.
func (db *DB) Set(path string, e Entry) {
	if db.entries == nil {
		db.entries = make(map[string]Entry)
	}
	db.entries[path] = e
}

// Delete removes path's entry, if present.
func (db *DB) Delete(path string) {
	delete(db.entries, path)
}

// Len returns the number of tracked paths.
func (db *DB) Len() int {
	return len(db.entries)
}

// Entries returns a defensive copy of the full path → Entry map.
func (db *DB) Entries() map[string]Entry {
	out := make(map[string]Entry, len(db.entries))
	for k, v := range db.entries {
		out[k] = v
	}
	return out
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path  TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	size  INTEGER NOT NULL
);
`

// Decode parses a sidecar blob (the raw bytes of a SQLite database
// file) into a DB. Any failure -- missing table, corrupt header,
// unreadable file -- degrades silently to an empty DB, per spec: the
// blob's absence or corruption is never fatal to reconciliation.
func Decode(blob []byte) *DB {
	db, err := decode(blob)
	if err != nil {
		return New()
	}
	return db
}

func decode(blob []byte) (*DB, error) {
	tmp, err := os.CreateTemp("", "adbsync-sidecar-*.sqlite")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", tmp.Name())
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	rows, err := sqlDB.Query(`SELECT path, mtime, size FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := New()
	for rows.Next() {
		var path string
		var mtime, size int64
		if err := rows.Scan(&path, &mtime, &size); err != nil {
			return nil, err
		}
		out.Set(path, Entry{Mtime: uint32(mtime), Size: uint32(size)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode serializes db as a fresh SQLite database file and returns its
// raw bytes, ready to be pushed as the sidecar blob.
func Encode(db *DB) ([]byte, error) {
	tmp, err := os.CreateTemp("", "adbsync-sidecar-*.sqlite")
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "creating sidecar temp file")
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "opening sidecar temp database")
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "creating sidecar schema")
	}
	if _, err := sqlDB.Exec(`PRAGMA user_version = 1`); err != nil {
		sqlDB.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "setting sidecar schema version")
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		sqlDB.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "starting sidecar transaction")
	}
	stmt, err := tx.Prepare(`INSERT INTO entries(path, mtime, size) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		sqlDB.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "preparing sidecar insert")
	}
	for p, e := range db.entries {
		if _, err := stmt.Exec(p, e.Mtime, e.Size); err != nil {
			stmt.Close()
			tx.Rollback()
			sqlDB.Close()
			return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "writing sidecar entry %s", p)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		sqlDB.Close()
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "committing sidecar transaction")
	}
	if err := sqlDB.Close(); err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "closing sidecar temp database")
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, aerrors.WrapErrorf(err, aerrors.LocalIOError, "reading back sidecar temp database")
	}
	return blob, nil
}
