package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

// Logout revokes the session remotely (best effort) and then clears it
// locally. Remote failures are only logged: after Logout returns there is no
// access token in memory and no refresh token in storage. Calling it without
// a session is a no-op. Only a failure to delete the stored token is returned.
func (m *Manager) Logout(ctx context.Context) error {
	const op = "session.Logout"

	log := m.log.With(slog.String("op", op))

	m.mu.Lock()
	accessToken, refreshToken := m.accessToken, m.refreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		stored, err := m.store.Get(ctx, storage.RefreshTokenKey)
		switch {
		case err == nil:
			refreshToken = stored
		case !errors.Is(err, storage.ErrKeyNotFound):
			log.Warn("failed to read stored refresh token", sl.Err(err))
		}
	}

	if refreshToken != "" {
		if err := m.auth.Logout(ctx, accessToken, refreshToken); err != nil {
			log.Warn("remote logout failed, clearing local session anyway", sl.Err(err))
		}
	}

	// Local teardown must finish even if the caller's ctx is already done.
	localCtx := context.WithoutCancel(ctx)

	m.storeMu.Lock()
	m.mu.Lock()
	m.epoch++
	m.accessToken = ""
	m.refreshToken = ""
	m.pending = nil
	m.transitionLocked(models.Anonymous, "logout")
	m.mu.Unlock()
	err := m.store.Delete(localCtx, storage.RefreshTokenKey)
	m.storeMu.Unlock()

	m.flush()

	if err != nil {
		log.Error("failed to delete stored refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, storageFailure(err))
	}

	if refreshToken != "" {
		log.Info("logged out")
	}

	return nil
}
