package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var sqlitePragmas = []string{
	"busy_timeout = 5000",
	"journal_mode = WAL",
	"synchronous = NORMAL",
}

// SQLiteArea is a persistent Area backed by a single SQLite table.
// Several processes may open the same file; there is no coordination
// beyond SQLite's own write serialization.
type SQLiteArea struct {
	db       *sql.DB
	capacity int64
	logger   *slog.Logger
}

// OpenSQLite opens (or creates) the area database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by tests).
// A capacity <= 0 uses DefaultCapacity.
func OpenSQLite(dataDir string, capacity int64) (*SQLiteArea, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// Writes take the lock at BEGIN; a deferred transaction that reads
		// first can fail its upgrade with SQLITE_BUSY, which busy_timeout
		// does not retry.
		dsn = "file:" + filepath.Join(dataDir, "tubescope.db") + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: every statement serializes through it, and the
	// pragmas below apply to the only session there is.
	db.SetMaxOpenConns(1)
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec("PRAGMA " + pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &SQLiteArea{db: db, capacity: capacity, logger: slog.Default()}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return a, nil
}

// Close closes the underlying database connection.
func (a *SQLiteArea) Close() error {
	return a.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (a *SQLiteArea) migrate() error {
	if _, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := a.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := a.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (a *SQLiteArea) AppliedMigrations() ([]int, error) {
	rows, err := a.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (a *SQLiteArea) GetItem(key string) (string, bool) {
	var value string
	err := a.db.QueryRow("SELECT value FROM items WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		a.logger.Warn("storage read failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}

// SetItem upserts key. The byte budget check and the write happen in one
// transaction so a concurrent writer on the same file cannot slip past it.
func (a *SQLiteArea) SetItem(key, value string) error {
	size := itemSize(key, value)

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}
	defer tx.Rollback()

	var used, old int64
	if err := tx.QueryRow("SELECT COALESCE(SUM(size), 0) FROM items").Scan(&used); err != nil {
		return fmt.Errorf("computing usage: %w", err)
	}
	err = tx.QueryRow("SELECT size FROM items WHERE key = ?", key).Scan(&old)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading current size of %q: %w", key, err)
	}
	if used-old+size > a.capacity {
		return ErrQuotaExceeded
	}

	if _, err := tx.Exec(`
		INSERT INTO items (key, value, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`,
		key, value, size, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return tx.Commit()
}

func (a *SQLiteArea) RemoveItem(key string) {
	if _, err := a.db.Exec("DELETE FROM items WHERE key = ?", key); err != nil {
		a.logger.Warn("storage remove failed", "key", key, "error", err)
	}
}

func (a *SQLiteArea) Key(i int) (string, bool) {
	if i < 0 {
		return "", false
	}
	var key string
	err := a.db.QueryRow("SELECT key FROM items ORDER BY key ASC LIMIT 1 OFFSET ?", i).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		a.logger.Warn("storage key enumeration failed", "index", i, "error", err)
		return "", false
	}
	return key, true
}

func (a *SQLiteArea) Len() int {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n); err != nil {
		a.logger.Warn("storage count failed", "error", err)
		return 0
	}
	return n
}

// Usage returns the number of bytes currently stored.
func (a *SQLiteArea) Usage() (int64, error) {
	var used int64
	err := a.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM items").Scan(&used)
	return used, err
}

// Capacity returns the byte budget.
func (a *SQLiteArea) Capacity() int64 {
	return a.capacity
}
