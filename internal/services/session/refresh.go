package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

// pendingRefresh is the shared placeholder for an in-flight exchange. done is
// closed once token and err are final.
type pendingRefresh struct {
	done    chan struct{}
	token   string
	err     error
	waiters int
}

// Refresh exchanges the refresh token for a new access token.
//
// At most one exchange is in flight: the first caller starts it and every
// caller arriving before it resolves waits for the same result. The exchange
// runs detached from the caller's context, so a caller whose ctx ends stops
// waiting without cancelling the exchange for the others.
//
// An Authentication failure tears the session down; a Transport failure
// keeps it so the caller may retry. If Establish or Logout runs while the
// exchange is in flight, its result is discarded and waiters receive the
// current access token, or a NO_SESSION failure after Logout.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	const op = "session.Refresh"

	p, err := m.join(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	m.metrics.waiters.Inc()
	defer m.metrics.waiters.Dec()

	select {
	case <-p.done:
		if p.err != nil {
			return "", fmt.Errorf("%s: %w", op, p.err)
		}
		return p.token, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, failure.NewTransport(failure.CodeCanceled, "stopped waiting for token refresh", ctx.Err()))
	}
}

// join attaches the caller to the in-flight refresh or starts one. When no
// refresh token is held it is loaded from storage first.
func (m *Manager) join(ctx context.Context) (*pendingRefresh, error) {
	for {
		m.mu.Lock()

		if p := m.pending; p != nil {
			p.waiters++
			m.mu.Unlock()
			m.metrics.coalesced.Inc()
			return p, nil
		}

		if m.refreshToken != "" {
			p := m.startLocked(ctx)
			m.mu.Unlock()
			m.flush()
			return p, nil
		}

		epoch := m.epoch
		m.mu.Unlock()

		stored, err := m.loadRefreshToken(ctx, epoch)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.epoch == epoch && m.refreshToken == "" {
			m.refreshToken = stored
		}
		m.mu.Unlock()
	}
}

func (m *Manager) startLocked(ctx context.Context) *pendingRefresh {
	p := &pendingRefresh{
		done:    make(chan struct{}),
		waiters: 1,
	}
	m.pending = p

	epoch, refreshToken := m.epoch, m.refreshToken
	m.transitionLocked(models.Refreshing, "refresh started")

	go m.exchange(context.WithoutCancel(ctx), p, epoch, refreshToken)

	return p
}

func (m *Manager) exchange(ctx context.Context, p *pendingRefresh, epoch uint64, refreshToken string) {
	const op = "session.exchange"

	log := m.log.With(slog.String("op", op))

	if m.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := m.auth.RefreshToken(ctx, refreshToken)
	// A refresh request the service refuses as malformed will not succeed on retry.
	err = failure.AsAuthentication(failure.Classify(err))

	log.Debug("refresh exchange finished", slog.Duration("duration", time.Since(start)))

	rotated := err == nil && res.RefreshToken != "" && res.RefreshToken != refreshToken

	m.storeMu.Lock()
	m.mu.Lock()

	current := m.epoch == epoch
	teardown := false

	switch {
	case err == nil:
		m.metrics.refreshCalls.WithLabelValues(resultSuccess).Inc()
		p.token = res.AccessToken
		if current {
			m.accessToken = res.AccessToken
			if rotated {
				m.refreshToken = res.RefreshToken
			}
			m.transitionLocked(models.Authenticated, "refreshed")
		}
	case failure.IsAuthentication(err):
		m.metrics.refreshCalls.WithLabelValues(resultAuthFailure).Inc()
		p.err = err
		if current {
			teardown = true
			m.epoch++
			m.accessToken = ""
			m.refreshToken = ""
			m.transitionLocked(models.Anonymous, "refresh rejected")
		}
	default:
		m.metrics.refreshCalls.WithLabelValues(resultTransportFailure).Inc()
		p.err = err
		if current {
			back := models.Anonymous
			if m.accessToken != "" {
				back = models.Authenticated
			}
			m.transitionLocked(back, "refresh failed")
		}
	}

	if !current {
		// Establish or Logout ran meanwhile; waiters get the session as it is now.
		if m.accessToken != "" {
			p.token, p.err = m.accessToken, nil
		} else {
			p.token, p.err = "", failure.NewAuthentication(failure.CodeNoSession, "session ended during refresh")
		}
	}

	if m.pending == p {
		m.pending = nil
	}
	waiters := p.waiters
	m.mu.Unlock()

	// Durable writes happen before waiters are released so they observe the
	// final stored state.
	switch {
	case current && rotated:
		if serr := m.store.Set(context.WithoutCancel(ctx), storage.RefreshTokenKey, res.RefreshToken); serr != nil {
			log.Error("failed to persist rotated refresh token", sl.Err(serr))
		}
	case teardown:
		if serr := m.store.Delete(context.WithoutCancel(ctx), storage.RefreshTokenKey); serr != nil {
			log.Error("failed to delete rejected refresh token", sl.Err(serr))
		}
	}
	m.storeMu.Unlock()

	m.flush()
	close(p.done)

	switch {
	case err == nil:
		log.Info("access token refreshed",
			slog.Int("waiters", waiters),
			slog.Bool("rotated", rotated),
			slog.Bool("applied", current),
		)
	case teardown:
		log.Warn("refresh rejected, session cleared", slog.Int("waiters", waiters), sl.Err(err))
	default:
		log.Warn("refresh failed", slog.Int("waiters", waiters), sl.Err(err))
	}
}

func (m *Manager) loadRefreshToken(ctx context.Context, epoch uint64) (string, error) {
	stored, err := m.store.Get(ctx, storage.RefreshTokenKey)
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, storage.ErrKeyNotFound):
		return "", failure.NewAuthentication(failure.CodeNoSession, "no session to refresh")
	case errors.Is(err, storage.ErrCorrupt):
		m.discardCorrupt(ctx, epoch, err)
		return "", failure.NewAuthentication(failure.CodeNoSession, "stored session is unreadable")
	default:
		return "", storageFailure(err)
	}
}
