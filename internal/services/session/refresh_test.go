package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/session"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestRefresh_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	token, ok := f.manager.CurrentAccessToken()
	require.True(t, ok)
	assert.Equal(t, "A1", token)
	stored, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, "R1", stored)

	f.auth.respond(models.RefreshedToken{AccessToken: "A2"}, nil)

	got, err := f.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A2", got)

	token, _ = f.manager.CurrentAccessToken()
	assert.Equal(t, "A2", token)
	stored, _ = f.stored(t)
	assert.Equal(t, "R1", stored, "refresh token is kept when not rotated")

	f.auth.respond(models.RefreshedToken{}, authFailure("Refresh token revoked"))

	_, err = f.manager.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, failure.IsAuthentication(err))

	_, ok = f.manager.CurrentAccessToken()
	assert.False(t, ok)
	_, ok = f.stored(t)
	assert.False(t, ok)
	assert.Equal(t, models.Anonymous, f.manager.State())

	require.NoError(t, f.manager.Logout(ctx))
	assert.Zero(t, f.auth.logoutCalls.Load())
	assert.Equal(t, []string{"R1", "R1"}, f.auth.seenRefreshTokens())
}

func TestRefresh_CoalescesConcurrentCallers(t *testing.T) {
	for _, n := range []int{2, 10, 50} {
		t.Run(fmt.Sprintf("%d callers", n), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.manager.Establish(ctx, "A2", "R1"))

			release := f.auth.block()
			f.auth.respond(models.RefreshedToken{AccessToken: "A3"}, nil)

			results := make([]string, n)
			errs := make([]error, n)

			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = f.manager.Refresh(ctx)
				}()
			}

			require.Eventually(t, func() bool {
				return f.metricValue(t, "authsession_refresh_waiters", nil) == float64(n)
			}, waitFor, tick)
			assert.Equal(t, models.Refreshing, f.manager.State())

			close(release)
			wg.Wait()

			for i := range n {
				require.NoError(t, errs[i])
				assert.Equal(t, "A3", results[i])
			}

			assert.EqualValues(t, 1, f.auth.refreshCalls.Load())
			assert.Equal(t, float64(n-1), f.metricValue(t, "authsession_refresh_coalesced_total", nil))
			assert.Equal(t, float64(1), f.metricValue(t, "authsession_refresh_calls_total", map[string]string{"result": "success"}))
			assert.Zero(t, f.metricValue(t, "authsession_refresh_waiters", nil))

			token, _ := f.manager.CurrentAccessToken()
			assert.Equal(t, "A3", token)
			assert.Equal(t, models.Authenticated, f.manager.State())
		})
	}
}

func TestRefresh_ConcurrentFailureIsShared(t *testing.T) {
	const n = 8

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	release := f.auth.block()
	f.auth.respond(models.RefreshedToken{}, authFailure("Invalid or expired token"))

	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.manager.Refresh(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		return f.metricValue(t, "authsession_refresh_waiters", nil) == n
	}, waitFor, tick)
	close(release)
	wg.Wait()

	var first *failure.Error
	require.True(t, errors.As(errs[0], &first))
	assert.Equal(t, failure.Authentication, first.Kind)
	assert.Equal(t, "Invalid or expired token", first.Message)

	for _, err := range errs[1:] {
		var fe *failure.Error
		require.True(t, errors.As(err, &fe))
		assert.Same(t, first, fe)
	}

	assert.EqualValues(t, 1, f.auth.refreshCalls.Load())
	_, ok := f.manager.CurrentAccessToken()
	assert.False(t, ok)
}

func TestRefresh_RotatedTokenIsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	f.auth.respond(models.RefreshedToken{AccessToken: "A2", RefreshToken: "R2"}, nil)
	f.auth.respond(models.RefreshedToken{AccessToken: "A3"}, nil)

	_, err := f.manager.Refresh(ctx)
	require.NoError(t, err)

	stored, ok := f.stored(t)
	require.True(t, ok)
	assert.Equal(t, "R2", stored)

	_, err = f.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, f.auth.seenRefreshTokens())
}

func TestRefresh_TransportFailureKeepsSession(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "classified",
			err:  failure.NewTransport(failure.CodeHTTPError, "Internal server error", nil),
		},
		{
			name: "unclassified",
			err:  errors.New("dial tcp: connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

			f.auth.respond(models.RefreshedToken{}, tt.err)

			_, err := f.manager.Refresh(ctx)
			require.Error(t, err)
			assert.True(t, failure.IsTransport(err))

			token, ok := f.manager.CurrentAccessToken()
			require.True(t, ok)
			assert.Equal(t, "A1", token)
			stored, ok := f.stored(t)
			require.True(t, ok)
			assert.Equal(t, "R1", stored)
			assert.Equal(t, models.Authenticated, f.manager.State())
			assert.Equal(t, float64(1), f.metricValue(t, "authsession_refresh_calls_total", map[string]string{"result": "transport_failure"}))

			f.auth.respond(models.RefreshedToken{AccessToken: "A2"}, nil)
			got, err := f.manager.Refresh(ctx)
			require.NoError(t, err)
			assert.Equal(t, "A2", got)
		})
	}
}

func TestRefresh_CallerDeadlineDoesNotCancelExchange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Establish(context.Background(), "A1", "R1"))

	release := f.auth.block()
	f.auth.respond(models.RefreshedToken{AccessToken: "A2"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.manager.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.Transport, fe.Kind)
	assert.Equal(t, failure.CodeCanceled, fe.Code)

	close(release)

	require.Eventually(t, func() bool {
		token, _ := f.manager.CurrentAccessToken()
		return token == "A2"
	}, waitFor, tick)
	assert.EqualValues(t, 1, f.auth.refreshCalls.Load())
}

func TestRefresh_TimeoutBoundsExchange(t *testing.T) {
	f := newFixtureWithConfig(t, session.Config{RefreshTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	f.auth.block()

	_, err := f.manager.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, failure.IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	token, _ := f.manager.CurrentAccessToken()
	assert.Equal(t, "A1", token)
}

func TestRefresh_NoSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Refresh(context.Background())
	require.Error(t, err)

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.Authentication, fe.Kind)
	assert.Equal(t, failure.CodeNoSession, fe.Code)
	assert.Zero(t, f.auth.refreshCalls.Load())
}

func TestRefresh_UsesStoredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, storage.RefreshTokenKey, "R0"))

	f.auth.respond(models.RefreshedToken{AccessToken: "A1"}, nil)

	got, err := f.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", got)
	assert.Equal(t, []string{"R0"}, f.auth.seenRefreshTokens())
	assert.Equal(t, models.Authenticated, f.manager.State())
}

func TestRefresh_LogoutDuringRefreshWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	release := f.auth.block()
	f.auth.respond(models.RefreshedToken{AccessToken: "A2", RefreshToken: "R2"}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.metricValue(t, "authsession_refresh_waiters", nil) == 1
	}, waitFor, tick)

	require.NoError(t, f.manager.Logout(ctx))
	close(release)

	err := <-done
	require.Error(t, err)
	assert.True(t, failure.IsAuthentication(err))
	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.CodeNoSession, fe.Code)

	_, ok := f.manager.CurrentAccessToken()
	assert.False(t, ok)
	_, ok = f.stored(t)
	assert.False(t, ok, "rotated token must not be written back after logout")
	assert.Equal(t, models.Anonymous, f.manager.State())
}

func TestRefresh_EstablishDuringRefreshWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Establish(ctx, "A1", "R1"))

	release := f.auth.block()
	f.auth.respond(models.RefreshedToken{}, authFailure("Invalid or expired token"))

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := f.manager.Refresh(ctx)
		done <- result{token, err}
	}()

	require.Eventually(t, func() bool {
		return f.metricValue(t, "authsession_refresh_waiters", nil) == 1
	}, waitFor, tick)

	require.NoError(t, f.manager.Establish(ctx, "B1", "S1"))
	close(release)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "B1", r.token, "waiter gets the session established meanwhile")
	case <-time.After(waitFor):
		t.Fatal("refresh did not return")
	}

	token, ok := f.manager.CurrentAccessToken()
	require.True(t, ok)
	assert.Equal(t, "B1", token)
	stored, _ := f.stored(t)
	assert.Equal(t, "S1", stored)
}
