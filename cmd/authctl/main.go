package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"

	"github.com/LucasBBacon/tabletop-homebrew-app/config"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/app"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/authtest"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/lib/logger/sl"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// Seeded into the --fake service.
const (
	demoUser     = "demo"
	demoEmail    = "demo@example.com"
	demoPassword = "Demo1234!"
)

func main() {
	os.Exit(authctl())
}

func authctl() int {
	fake := flag.Bool("fake", false, "run against an in-process authentication service")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *fake {
		svc := authtest.New(authtest.Options{})
		svc.AddUser(demoUser, demoEmail, demoPassword)
		srv := httptest.NewServer(svc)
		defer srv.Close()

		cfg.AuthService.BaseURL = srv.URL
		log.Info("using fake authentication service", slog.String("url", srv.URL), slog.String("user", demoUser))
	}

	storageApp, err := app.NewStorageApp(cfg.Storage)
	if err != nil {
		log.Error("failed to open storage", sl.Err(err))
		return 1
	}
	defer func(storageApp *app.StorageApp) {
		if err := storageApp.Stop(); err != nil {
			log.Error("closing storage app", sl.Err(err))
		}
	}(storageApp)

	application := app.New(log, cfg, storageApp)

	if err := run(rootCtx, log, cfg, application, flag.Args(), os.Stdout); err != nil {
		report(os.Stderr, err)
		return 1
	}

	return 0
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	// Logs go to stderr; stdout carries command output such as tokens.
	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
		log.Warn("unknown env, falling back to prod logging", slog.String("env", env))
	}

	return log
}

const usage = `usage: authctl [--config path] [--fake] <command> [flags]

commands:
  login     -u <username> -p <password>
  register  -u <username> -e <email> -p <password>
  refresh   exchange the stored refresh token for a new access token
  token     print a usable access token
  status    show whether a session is stored
  logout    revoke and clear the session
  watch     keep the session fresh until interrupted
`
