// Package sqlite is the durable Secure Storage backend. The schema is embedded
// and applied with golang-migrate when the storage is opened.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrBusy = errors.New("storage is busy")

type Storage struct {
	db *sql.DB
}

// New opens (creating if needed) the database at storagePath and migrates it.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// A single writer keeps last-writer-wins semantics simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s := &Storage{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return s, nil
}

// Migrate applies pending schema migrations. It is a no-op on an up-to-date database.
func (s *Storage) Migrate() error {
	const op = "storage.sqlite.Migrate"

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.sqlite.Get"

	stmt, err := s.db.PrepareContext(ctx, "SELECT value FROM secrets WHERE key = ?")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, wrapErr(err))
	}
	defer stmt.Close()

	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrKeyNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, wrapErr(err))
	}

	return value, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	const op = "storage.sqlite.Set"

	if key == "" {
		return fmt.Errorf("%s: %w", op, storage.ErrEmptyKey)
	}

	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO secrets (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, wrapErr(err))
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("%s: %w", op, wrapErr(err))
	}

	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	const op = "storage.sqlite.Delete"

	stmt, err := s.db.PrepareContext(ctx, "DELETE FROM secrets WHERE key = ?")
	if err != nil {
		return fmt.Errorf("%s: %w", op, wrapErr(err))
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("%s: %w", op, wrapErr(err))
	}

	return nil
}

func wrapErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
