package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New opens the database at dbPath and applies pending migrations
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// m.Close would close the shared connection, so it is not called here
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// GetJulesKey retrieves the stored credential for a user
func (db *DB) GetJulesKey(ctx context.Context, userID string) (*CredentialRecord, error) {
	rec := &CredentialRecord{UserID: userID}
	err := db.conn.QueryRowContext(ctx,
		"SELECT key, stored_at FROM jules_keys WHERE user_id = ?", userID,
	).Scan(&rec.Key, &rec.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveJulesKey stores (or replaces) a user's encrypted key
func (db *DB) SaveJulesKey(ctx context.Context, userID, encryptedKey string) (*CredentialRecord, error) {
	rec := &CredentialRecord{UserID: userID, Key: encryptedKey, StoredAt: db.now().UTC()}
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO jules_keys (user_id, key, stored_at) VALUES (?, ?, ?)",
		rec.UserID, rec.Key, rec.StoredAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteJulesKey removes a user's stored key
func (db *DB) DeleteJulesKey(ctx context.Context, userID string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM jules_keys WHERE user_id = ?", userID)
	return err
}

// GetUserTimeZone returns the user's preferred time zone, or ErrNotFound
func (db *DB) GetUserTimeZone(ctx context.Context, userID string) (string, error) {
	var tz string
	err := db.conn.QueryRowContext(ctx,
		"SELECT preferred_time_zone FROM user_profiles WHERE user_id = ?", userID,
	).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tz, nil
}

// SaveUserTimeZone remembers the last time zone a user scheduled with
func (db *DB) SaveUserTimeZone(ctx context.Context, userID, timeZone string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO user_profiles (user_id, preferred_time_zone, updated_at) VALUES (?, ?, ?)",
		userID, timeZone, db.now().UTC())
	return err
}
