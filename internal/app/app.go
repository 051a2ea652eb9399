package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LucasBBacon/tabletop-homebrew-app/config"
	authhttp "github.com/LucasBBacon/tabletop-homebrew-app/internal/clients/auth/http"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/auth"
	"github.com/LucasBBacon/tabletop-homebrew-app/internal/services/session"
)

type App struct {
	Auth       *auth.Auth
	Session    *session.Manager
	Registry   *prometheus.Registry
	StorageApp *StorageApp
}

func New(
	log *slog.Logger,
	cfg *config.Config,
	storageApp *StorageApp,
) *App {
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	client := authhttp.New(log, cfg.AuthService.BaseURL, cfg.AuthService.Timeout)

	sessionManager := session.New(
		log,
		client,
		storageApp.Storage(),
		session.Config{
			RefreshTimeout: cfg.Session.RefreshTimeout,
			ExpirySkew:     cfg.Session.ExpirySkew,
		},
		session.NewMetrics(registry),
	)

	authService := auth.New(log, client, sessionManager)

	return &App{
		Auth:       authService,
		Session:    sessionManager,
		Registry:   registry,
		StorageApp: storageApp,
	}
}
