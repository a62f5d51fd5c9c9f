// Package sqlite implements the repository interfaces on SQLite.
//
// modernc.org/sqlite is a pure Go translation of SQLite, so the binary needs
// no C toolchain. Full-text search uses the bundled FTS5 extension.
//
// CONNECTION SETTINGS:
// Pragmas are passed in the DSN (`_pragma=...`) rather than executed once,
// because database/sql keeps a pool and a one-off PRAGMA only reaches the
// connection that ran it.
//   - foreign_keys(1)      cascades likes/comments when a question is deleted
//   - busy_timeout(5000)   writers wait for the lock instead of failing
//   - journal_mode(wal)    readers do not block the writer (file DBs only)
//   - _txlock=immediate    transactions take the write lock up front, so two
//     concurrent like toggles queue instead of deadlocking on lock upgrade
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DB wraps a sql.DB connection pool and implements both
// repository.UserRepository and repository.QARepository.
type DB struct {
	conn *sql.DB

	mu      sync.Mutex
	entropy io.Reader
}

// New opens the database at dbPath and runs migrations.
//
// Accepted dbPath values:
//   - "data/qaplanet.db"  file-based, persistent
//   - ":memory:"          in-memory; lost on Close, used by tests
func New(dbPath string) (*DB, error) {
	memory := isMemory(dbPath)

	conn, err := sql.Open("sqlite", buildDSN(dbPath, memory))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate, empty database.
	// Pin the pool to a single connection so all queries see the same data.
	if memory {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{
		conn:    conn,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

func buildDSN(dbPath string, memory bool) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !memory {
		params = append(params, "_pragma=journal_mode(wal)")
	}

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(params, "&")
}

// Close closes the connection pool. Defer it right after New.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping is used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// newULID returns a time-ordered id. Monotonic entropy is not safe for
// concurrent use, hence the mutex.
func (db *DB) newULID() string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), db.entropy).String()
}

// now returns the current time in UTC. Timestamps are stored as text, so a
// single zone keeps ORDER BY created_at chronological.
func now() time.Time {
	return time.Now().UTC()
}

// migrate creates the schema. Every statement is idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
			email         TEXT UNIQUE COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			avatar        TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			last_login_at DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS qas (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			question   TEXT NOT NULL,
			answer     TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			views      INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL DEFAULT 'published',
			ai_model   TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_qas_created_at ON qas(created_at);
		CREATE INDEX IF NOT EXISTS idx_qas_user_id ON qas(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating qas table: %w", err)
	}

	// The like-set. The composite primary key is what guarantees a user
	// appears at most once per question.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS qa_likes (
			qa_id      TEXT NOT NULL REFERENCES qas(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (qa_id, user_id)
		) WITHOUT ROWID;
	`)
	if err != nil {
		return fmt.Errorf("creating qa_likes table: %w", err)
	}

	// Comment ids are ULIDs, so ORDER BY id is append order.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS qa_comments (
			id         TEXT PRIMARY KEY,
			qa_id      TEXT NOT NULL REFERENCES qas(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_qa_comments_qa_id ON qa_comments(qa_id, id);
	`)
	if err != nil {
		return fmt.Errorf("creating qa_comments table: %w", err)
	}

	// Search index. Triggers keep it in step with qas; view-count updates do
	// not touch indexed columns and so do not fire the update trigger.
	_, err = db.conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS qas_fts USING fts5(
			qa_id UNINDEXED,
			question,
			answer,
			tags
		);

		CREATE TRIGGER IF NOT EXISTS qas_fts_insert AFTER INSERT ON qas BEGIN
			INSERT INTO qas_fts (qa_id, question, answer, tags)
			VALUES (new.id, new.question, new.answer, new.tags);
		END;

		CREATE TRIGGER IF NOT EXISTS qas_fts_delete AFTER DELETE ON qas BEGIN
			DELETE FROM qas_fts WHERE qa_id = old.id;
		END;

		CREATE TRIGGER IF NOT EXISTS qas_fts_update AFTER UPDATE OF question, answer, tags ON qas BEGIN
			DELETE FROM qas_fts WHERE qa_id = old.id;
			INSERT INTO qas_fts (qa_id, question, answer, tags)
			VALUES (new.id, new.question, new.answer, new.tags);
		END;
	`)
	if err != nil {
		return fmt.Errorf("creating search index: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
