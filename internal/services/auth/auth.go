package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/validate"
)

type Auth struct {
	log            *slog.Logger
	accountService AccountService
	session        Session
}

type AccountService interface {
	Login(ctx context.Context, username, password string) (models.TokenPair, error)
	// Register returns a token pair only when the service issues one on sign up.
	Register(ctx context.Context, registration models.Registration) (*models.TokenPair, error)
}

type Session interface {
	Establish(ctx context.Context, accessToken, refreshToken string) error
	Logout(ctx context.Context) error
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	accountService AccountService,
	session Session,
) *Auth {
	return &Auth{
		log:            log,
		accountService: accountService,
		session:        session,
	}
}

// Login exchanges credentials for a token pair and establishes the session.
//
// If the service rejects the credentials, returns an Authentication failure
// and the session is left as it was.
func (a *Auth) Login(ctx context.Context, credentials models.Credentials) (models.TokenPair, error) {
	const op = "Auth.Login"

	log := a.log.With(
		slog.String("op", op),
		slog.String("username", credentials.Username),
	)

	if err := validate.Login(credentials); err != nil {
		log.Info("invalid login input", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("attempting to login user")

	pair, err := a.accountService.Login(ctx, credentials.Username, credentials.Password)
	if err != nil {
		if failure.IsAuthentication(err) {
			log.Info("login rejected", sl.Err(err))
		} else {
			log.Error("login failed", sl.Err(err))
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.session.Establish(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		log.Error("failed to establish session", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in successfully")

	return pair, nil
}

// Register creates an account and leaves the user logged in.
func (a *Auth) Register(ctx context.Context, registration models.Registration) error {
	const op = "Auth.Register"

	log := a.log.With(
		slog.String("op", op),
		slog.String("username", registration.Username),
	)

	if err := validate.Registration(registration); err != nil {
		log.Info("invalid registration input", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("registering account")

	pair, err := a.accountService.Register(ctx, registration)
	if err != nil {
		log.Warn("failed to register account", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if pair == nil {
		log.Debug("no tokens issued on sign up, logging in")

		if _, err := a.Login(ctx, registration.Credentials()); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}

	if err := a.session.Establish(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		log.Error("failed to establish session", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account registered")

	return nil
}

// Logout ends the session. Remote revocation is best effort.
func (a *Auth) Logout(ctx context.Context) error {
	const op = "Auth.Logout"

	log := a.log.With(slog.String("op", op))

	log.Info("logging out user")

	if err := a.session.Logout(ctx); err != nil {
		log.Error("failed to clear session", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
