package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/session"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage/memory"
)

// fakeAuth is a scripted AuthService. When release is set, RefreshToken
// blocks until it is closed.
type fakeAuth struct {
	refreshCalls atomic.Int64
	logoutCalls  atomic.Int64

	mu              sync.Mutex
	results         []refreshResult
	release         chan struct{}
	logoutErr       error
	refreshTokens   []string
	logoutArguments [][2]string
}

type refreshResult struct {
	token models.RefreshedToken
	err   error
}

func (f *fakeAuth) respond(token models.RefreshedToken, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, refreshResult{token: token, err: err})
}

func (f *fakeAuth) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = make(chan struct{})
	return f.release
}

func (f *fakeAuth) RefreshToken(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	f.refreshCalls.Add(1)

	f.mu.Lock()
	f.refreshTokens = append(f.refreshTokens, refreshToken)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return models.RefreshedToken{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.results) == 0 {
		return models.RefreshedToken{}, errors.New("fakeAuth: no scripted result")
	}
	r := f.results[0]
	f.results = f.results[1:]

	return r.token, r.err
}

func (f *fakeAuth) Logout(_ context.Context, accessToken, refreshToken string) error {
	f.logoutCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutArguments = append(f.logoutArguments, [2]string{accessToken, refreshToken})

	return f.logoutErr
}

func (f *fakeAuth) seenRefreshTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshTokens...)
}

// flakyStore fails writes on demand.
type flakyStore struct {
	*memory.Storage
	failSet    atomic.Bool
	failDelete atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	if s.failSet.Load() {
		return errDiskFull
	}
	return s.Storage.Set(ctx, key, value)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.failDelete.Load() {
		return errDiskFull
	}
	return s.Storage.Delete(ctx, key)
}

type fixture struct {
	auth    *fakeAuth
	store   *flakyStore
	reg     *prometheus.Registry
	manager *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, session.DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, cfg session.Config) *fixture {
	t.Helper()

	f := &fixture{
		auth:  &fakeAuth{},
		store: &flakyStore{Storage: memory.New()},
		reg:   prometheus.NewRegistry(),
	}
	f.manager = session.New(discardLogger(), f.auth, f.store, cfg, session.NewMetrics(f.reg))

	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) stored(t *testing.T) (string, bool) {
	t.Helper()

	v, err := f.store.Get(context.Background(), storage.RefreshTokenKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", false
	}
	require.NoError(t, err)

	return v, true
}

// metricValue returns the value of a gauge or counter sample matching labels.
func (f *fixture) metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := f.reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}

	return 0
}

func authFailure(message string) error {
	return failure.NewAuthentication("HTTP_ERROR", message)
}
