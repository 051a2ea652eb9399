package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LucasBBacon/tabletop-homebrew-app/config"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/session"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage/encrypted"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage/memory"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage/sqlite"
)

type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type StorageApp struct {
	backend Backend
	storage session.SecureStorage
}

// NewStorageApp opens the configured secure storage, wrapping it with
// at-rest encryption when an encryption key is set.
func NewStorageApp(cfg config.StorageConfig) (*StorageApp, error) {
	const op = "app.NewStorageApp"

	var backend Backend

	switch cfg.Driver {
	case config.StorageMemory:
		backend = memory.New()
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		backend = s
	default:
		return nil, fmt.Errorf("%s: unknown storage driver %q", op, cfg.Driver)
	}

	sa := &StorageApp{backend: backend, storage: backend}

	if cfg.EncryptionKey != "" {
		enc, err := encrypted.New(backend, cfg.EncryptionKey)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sa.storage = enc
	}

	return sa, nil
}

func (s *StorageApp) Stop() error {
	return s.backend.Close()
}

// Storage returns the storage the session manager should use.
func (s *StorageApp) Storage() session.SecureStorage {
	return s.storage
}
