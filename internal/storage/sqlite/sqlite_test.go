package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage/sqlite"
)

func newStorage(t *testing.T, path string) *sqlite.Storage {
	t.Helper()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStorage_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, filepath.Join(t.TempDir(), "session.db"))

	_, err := s.Get(ctx, storage.RefreshTokenKey)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, storage.RefreshTokenKey, "R1"))
	require.NoError(t, s.Set(ctx, storage.RefreshTokenKey, "R2"))

	v, err := s.Get(ctx, storage.RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "R2", v)

	require.NoError(t, s.Delete(ctx, storage.RefreshTokenKey))
	require.NoError(t, s.Delete(ctx, storage.RefreshTokenKey), "deleting a missing key is not an error")

	_, err = s.Get(ctx, storage.RefreshTokenKey)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	first, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, storage.RefreshTokenKey, "R1"))
	require.NoError(t, first.Close())

	second := newStorage(t, path)

	v, err := second.Get(ctx, storage.RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "R1", v)
}

func TestStorage_MigrateIdempotent(t *testing.T) {
	s := newStorage(t, filepath.Join(t.TempDir(), "session.db"))

	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate())
}

func TestStorage_EmptyKey(t *testing.T) {
	s := newStorage(t, filepath.Join(t.TempDir(), "session.db"))

	err := s.Set(context.Background(), "", "v")
	assert.ErrorIs(t, err, storage.ErrEmptyKey)
}

func TestStorage_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := newStorage(t, filepath.Join(t.TempDir(), "session.db"))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Set(ctx, storage.RefreshTokenKey, string(rune('a'+i))))
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, storage.RefreshTokenKey)
	require.NoError(t, err)
	assert.Len(t, v, 1)
}
