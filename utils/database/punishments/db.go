package punishments

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// dsnParams puts the database in WAL mode and makes every transaction take the
// write lock up front so concurrent writers queue on the busy timeout instead of
// failing on lock upgrade.
const dsnParams = "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS warnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		community_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		moderator_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS punishments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		community_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		moderator_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('ban', 'mute', 'kick')),
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		active INTEGER NOT NULL DEFAULT 0,
		reversed_at INTEGER,
		reversed_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mod_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		community_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		moderator_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
}

// Columns added after the first release. Existing databases are migrated in place.
var alterStatements = []string{
	`ALTER TABLE punishments ADD COLUMN reversed_by TEXT NOT NULL DEFAULT ''`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_warnings_member ON warnings (community_id, member_id)`,
	`CREATE INDEX IF NOT EXISTS idx_punishments_member ON punishments (community_id, member_id, kind, active)`,
	`CREATE INDEX IF NOT EXISTS idx_punishments_expiry ON punishments (active, expires_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_punishments_active ON punishments (community_id, member_id, kind)
		WHERE active = 1 AND kind IN ('ban', 'mute')`,
	`CREATE INDEX IF NOT EXISTS idx_mod_log_member ON mod_log (community_id, member_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mod_log_created ON mod_log (community_id, created_at)`,
}

// Init opens the database and ensures all necessary tables exist.
func Init(dbPath string) (*sqlx.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?" + dsnParams
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, stmt := range alterStatements {
		_, err = db.Exec(stmt)
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			db.Close()
			return nil, fmt.Errorf("failed to execute ALTER statement %s: %w", stmt, err)
		}
	}

	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return db, nil
}
