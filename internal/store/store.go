// Package store provides the durable, origin-scoped key-value substrate
// shared by concurrent callback instances. Claims, the used-code ledger,
// the connected flag, and the last-accounts snapshot all live here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single-connection SQLite database holding namespaced
// key-value pairs.
type Store struct {
	path string
	conn *sql.DB
}

// Open opens the store at the default location.
func Open() (*Store, error) {
	return OpenAt(DefaultPath())
}

// OpenAt opens (or creates) the store at path.
func OpenAt(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}

	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	conn, err := openAndInit(clean)
	if err == nil {
		return &Store{path: clean, conn: conn}, nil
	}

	// Graceful handling: if the database is corrupt, preserve it and recreate.
	if !isCorruptSQLiteError(err) {
		return nil, err
	}

	if _, statErr := os.Stat(clean); statErr == nil {
		backupPath := clean + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(clean, backupPath); renameErr != nil {
			return nil, fmt.Errorf("store appears corrupt (%v), and rename failed: %w", err, renameErr)
		}
		if sidecarErr := renameSQLiteSidecars(clean, backupPath); sidecarErr != nil {
			return nil, fmt.Errorf("store appears corrupt (%v), and sidecar rename failed: %w", err, sidecarErr)
		}
	}

	conn, err = openAndInit(clean)
	if err != nil {
		return nil, err
	}
	return &Store{path: clean, conn: conn}, nil
}

// DefaultPath returns the default store file location.
func DefaultPath() string {
	if home := os.Getenv("IGLINK_HOME"); home != "" {
		return filepath.Join(home, "state.db")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".iglink", "state.db")
	}
	return filepath.Join(homeDir, ".iglink", "state.db")
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the store file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Get returns the value for (ns, key). The second return is false when the
// key is absent.
func (s *Store) Get(ns, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(
		`SELECT value FROM kv WHERE ns = ? AND key = ?`, ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return value, true, nil
}

// Put writes the value for (ns, key), replacing any prior value.
func (s *Store) Put(ns, key, value string) error {
	_, err := s.conn.Exec(
		`INSERT INTO kv (ns, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ns, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Delete removes (ns, key). Deleting an absent key is a no-op.
func (s *Store) Delete(ns, key string) error {
	if _, err := s.conn.Exec(`DELETE FROM kv WHERE ns = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// DeleteIf removes (ns, key) only when its current value equals expect.
// Returns true when a row was deleted. This backs the mutex's
// compare-and-delete release semantics.
func (s *Store) DeleteIf(ns, key, expect string) (bool, error) {
	res, err := s.conn.Exec(
		`DELETE FROM kv WHERE ns = ? AND key = ? AND value = ?`, ns, key, expect,
	)
	if err != nil {
		return false, fmt.Errorf("delete-if %s/%s: %w", ns, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete-if %s/%s: %w", ns, key, err)
	}
	return n > 0, nil
}

func openAndInit(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite PRAGMAs are per-connection; keep a single shared connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	// Ensure we don't leak file descriptors on init errors.
	initErr := func() error {
		if err := conn.Ping(); err != nil {
			return fmt.Errorf("ping: %w", err)
		}

		if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("set journal_mode=WAL: %w", err)
		}
		if _, err := conn.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
			return fmt.Errorf("set busy_timeout: %w", err)
		}

		if _, err := conn.Exec(`
			CREATE TABLE IF NOT EXISTS kv (
				ns         TEXT NOT NULL,
				key        TEXT NOT NULL,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (ns, key)
			);`); err != nil {
			return fmt.Errorf("create kv table: %w", err)
		}
		return nil
	}()

	if initErr != nil {
		_ = conn.Close()
		return nil, initErr
	}

	return conn, nil
}

func dsn(path string) string {
	// Use an explicit file: DSN so we can pass mode=rwc for auto-create.
	return "file:" + filepath.ToSlash(path) + "?mode=rwc"
}

func isCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrInvalid) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "file is not a database"):
		return true
	case strings.Contains(msg, "database disk image is malformed"):
		return true
	case strings.Contains(msg, "malformed"):
		return true
	default:
		return false
	}
}

func renameSQLiteSidecars(path, backupPath string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		oldPath := path + suffix
		if _, err := os.Stat(oldPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", oldPath, err)
		}
		if err := os.Rename(oldPath, backupPath+suffix); err != nil {
			return fmt.Errorf("rename %s: %w", oldPath, err)
		}
	}
	return nil
}
