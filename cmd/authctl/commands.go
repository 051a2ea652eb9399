package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LucasBBacon/tabletop-homebrew-app/config"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/app"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/failure"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/domain/models"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/jwt"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/session"
)

const (
	_shutdownPeriod = 5 * time.Second
	_retryInterval  = 5 * time.Second
	_minWait        = time.Second
	_opaqueRecheck  = time.Minute
)

var errUsage = errors.New(usage)

func run(ctx context.Context, log *slog.Logger, cfg *config.Config, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "login":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		username := fs.String("u", "", "username")
		password := fs.String("p", "", "password")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}

		if _, err := a.Auth.Login(ctx, models.Credentials{Username: *username, Password: *password}); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged in as", *username)

	case "register":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		username := fs.String("u", "", "username")
		email := fs.String("e", "", "email")
		password := fs.String("p", "", "password")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}

		err := a.Auth.Register(ctx, models.Registration{Username: *username, Email: *email, Password: *password})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "registered and logged in as", *username)

	case "refresh":
		token, err := a.Session.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)

	case "token":
		token, err := a.Session.AccessToken(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)

	case "status":
		found, err := a.Session.Resume(ctx)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(out, "no stored session")
			return nil
		}
		fmt.Fprintln(out, "stored session found")

	case "logout":
		if err := a.Auth.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "logged out")

	case "watch":
		return watch(ctx, log, cfg, a)

	default:
		return errUsage
	}

	return nil
}

// watch refreshes the access token shortly before it expires until ctx ends
// or the service rejects the session. Metrics are served while it runs when
// enabled.
func watch(ctx context.Context, log *slog.Logger, cfg *config.Config, a *app.App) error {
	const op = "authctl.watch"

	log = log.With(slog.String("op", op))

	unsubscribe := a.Session.Subscribe(func(ev session.Event) {
		log.Info("session state changed",
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("reason", ev.Reason),
		)
	})
	defer unsubscribe()

	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(log, cfg.Metrics.Addr, a)
		defer stopMetrics()
	}

	for {
		wait := _retryInterval

		token, err := a.Session.AccessToken(ctx)
		switch {
		case err == nil:
			wait = nextCheck(token, cfg.Session.ExpirySkew)
			log.Debug("access token valid", slog.Duration("next_check", wait))
		case ctx.Err() != nil:
			return nil
		case failure.IsAuthentication(err):
			log.Warn("session rejected, stopping", sl.Err(err))
			return err
		default:
			log.Warn("refresh failed, retrying", sl.Err(err), slog.Duration("retry_in", wait))
		}

		select {
		case <-ctx.Done():
			log.Info("stopping watch")
			return nil
		case <-time.After(wait):
		}
	}
}

// nextCheck returns how long token stays usable before it enters the
// refresh window.
func nextCheck(token string, skew time.Duration) time.Duration {
	exp, ok := jwt.ExpiresAt(token)
	if !ok {
		return _opaqueRecheck
	}
	return max(time.Until(exp)-skew, _minWait)
}

func serveMetrics(log *slog.Logger, addr string, a *app.App) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", sl.Err(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("metrics server couldn't stop gracefully", sl.Err(err))
		}
	}
}

// report prints err for a human. Validation failures list every field.
func report(w io.Writer, err error) {
	if errors.Is(err, errUsage) {
		fmt.Fprint(w, usage)
		return
	}

	var fe *failure.Error
	if !errors.As(err, &fe) {
		fmt.Fprintln(w, "error:", err)
		return
	}

	fmt.Fprintf(w, "%s error: %s\n", fe.Kind, fe.Message)
	for _, field := range slices.Sorted(maps.Keys(fe.Fields)) {
		fmt.Fprintf(w, "  %s: %s\n", field, fe.Fields[field])
	}
	if fe.Retryable() {
		fmt.Fprintln(w, "the service may be unavailable; try again")
	}
}
