// Package session owns the client-held authentication state: an in-memory
// access token paired with a durably stored refresh token.
//
// A Manager is process-wide state. Construct one at startup with New and pass
// it to consumers; it starts Anonymous and is safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/jwt"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

// AuthService is the part of the remote Authentication Service the manager needs.
type AuthService interface {
	RefreshToken(ctx context.Context, refreshToken string) (models.RefreshedToken, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// SecureStorage persists the refresh token across restarts. Get returns
// storage.ErrKeyNotFound when the key is absent.
type SecureStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Config struct {
	// RefreshTimeout bounds the shared remote refresh call. Zero leaves it to the AuthService.
	RefreshTimeout time.Duration
	// ExpirySkew makes AccessToken refresh this long before the token's exp.
	ExpirySkew time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshTimeout: 15 * time.Second,
		ExpirySkew:     30 * time.Second,
	}
}

type Manager struct {
	log     *slog.Logger
	auth    AuthService
	store   SecureStorage
	cfg     Config
	metrics *Metrics
	now     func() time.Time

	// storeMu serializes durable writes with the epoch check that guards them,
	// so a late refresh cannot write a token back after Logout deleted it.
	// Lock order: storeMu, then mu.
	storeMu sync.Mutex

	mu           sync.Mutex
	state        models.State
	accessToken  string
	refreshToken string
	// epoch changes on Establish and Logout; refresh results from an older
	// epoch are never applied or handed to waiters.
	epoch   uint64
	pending *pendingRefresh

	listeners      []subscription
	nextListenerID uint64
	queue          []Event
	emitMu         sync.Mutex
}

// New creates an Anonymous manager. metrics may be nil.
func New(log *slog.Logger, auth AuthService, store SecureStorage, cfg Config, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Manager{
		log:     log,
		auth:    auth,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		state:   models.Anonymous,
	}
}

// Establish starts a session from a freshly issued token pair. The refresh
// token is written to storage first; only then does the in-memory state flip,
// so readers see either the old session or the complete new one.
func (m *Manager) Establish(ctx context.Context, accessToken, refreshToken string) error {
	const op = "session.Establish"

	if accessToken == "" || refreshToken == "" {
		return fmt.Errorf("%s: %w", op, failure.NewValidation("access and refresh tokens are required", nil))
	}

	m.storeMu.Lock()
	if err := m.store.Set(ctx, storage.RefreshTokenKey, refreshToken); err != nil {
		m.storeMu.Unlock()
		m.log.Error("failed to persist refresh token", slog.String("op", op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, storageFailure(err))
	}

	m.mu.Lock()
	m.epoch++
	m.accessToken = accessToken
	m.refreshToken = refreshToken
	m.pending = nil
	m.transitionLocked(models.Authenticated, "established")
	m.mu.Unlock()
	m.storeMu.Unlock()

	m.flush()

	m.log.Info("session established", slog.String("op", op))

	return nil
}

// CurrentAccessToken returns the in-memory access token; ok is false when no
// session is established.
func (m *Manager) CurrentAccessToken() (token string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken, m.accessToken != ""
}

func (m *Manager) State() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Resume reports whether a refresh token survived from a previous run and
// caches it. The state stays Anonymous until a refresh succeeds.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	const op = "session.Resume"

	m.mu.Lock()
	if m.refreshToken != "" {
		m.mu.Unlock()
		return true, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	stored, err := m.store.Get(ctx, storage.RefreshTokenKey)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			return false, nil
		case errors.Is(err, storage.ErrCorrupt):
			m.discardCorrupt(ctx, epoch, err)
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, storageFailure(err))
	}

	m.mu.Lock()
	if m.epoch == epoch && m.refreshToken == "" {
		m.refreshToken = stored
	}
	m.mu.Unlock()

	m.log.Debug("stored session found", slog.String("op", op))

	return true, nil
}

// AccessToken returns a usable access token, refreshing first when none is
// held or the held one expires within Config.ExpirySkew. Opaque tokens
// without a readable exp are used until the service rejects them.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	token := m.accessToken
	m.mu.Unlock()

	if token != "" && !m.expiring(token) {
		return token, nil
	}

	return m.Refresh(ctx)
}

// ReplaceRejected is called when the service rejected token. If the session
// already moved past it, the current token is returned without another
// exchange; otherwise a coalesced Refresh runs.
func (m *Manager) ReplaceRejected(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	current := m.accessToken
	m.mu.Unlock()

	if current != "" && current != rejected {
		return current, nil
	}

	return m.Refresh(ctx)
}

func (m *Manager) expiring(token string) bool {
	exp, ok := jwt.ExpiresAt(token)
	if !ok {
		return false
	}
	return !m.now().Add(m.cfg.ExpirySkew).Before(exp)
}

// discardCorrupt deletes a stored refresh token that can never be read back,
// unless a session was established or loaded since epoch.
func (m *Manager) discardCorrupt(ctx context.Context, epoch uint64, cause error) {
	const op = "session.discardCorrupt"

	log := m.log.With(slog.String("op", op))

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	superseded := m.epoch != epoch || m.refreshToken != ""
	m.mu.Unlock()

	if superseded {
		return
	}

	if err := m.store.Delete(context.WithoutCancel(ctx), storage.RefreshTokenKey); err != nil {
		log.Error("failed to delete unreadable refresh token", sl.Err(err))
		return
	}

	log.Warn("unreadable refresh token discarded", sl.Err(cause))
}

func storageFailure(err error) *failure.Error {
	return &failure.Error{
		Kind:    failure.Transport,
		Code:    failure.CodeStorageError,
		Message: "secure storage unavailable",
		Err:     err,
	}
}
