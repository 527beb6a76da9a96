package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/halcyon-admin/halcyon/internal/app"
	"github.com/halcyon-admin/halcyon/internal/observability"
	"github.com/halcyon-admin/halcyon/internal/perm"
	"github.com/halcyon-admin/halcyon/internal/platform/db"
	"github.com/halcyon-admin/halcyon/internal/roles"
	"github.com/halcyon-admin/halcyon/internal/settings"
	"github.com/halcyon-admin/halcyon/internal/shared"
	"github.com/halcyon-admin/halcyon/internal/users"
	"github.com/halcyon-admin/halcyon/jobs"
)

// featureFlagPrefix keys the settings rows that feature probes consult. Each
// feature module flips its own flag; absence reads as disabled.
const featureFlagPrefix = "feature_enabled:"

func featureProbes(store *settings.Store, keys []string) map[string]perm.ProbeFunc {
	probes := make(map[string]perm.ProbeFunc, len(keys))
	for _, key := range keys {
		flag := featureFlagPrefix + key
		probes[key] = func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			value, found, err := store.Get(ctx, flag)
			if err != nil {
				return false
			}
			return found && value == "true"
		}
	}
	return probes
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	asynqClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	settingsStore := settings.NewStore(pool)
	rolesService := roles.NewService(roles.NewRepository(pool))
	usersService := users.NewService(users.NewRepository(pool))

	catalog := perm.NewCatalog(logger, featureProbes(settingsStore, perm.FeatureKeys()), nil)
	metrics.Registerer().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "halcyon_perm_custom_keys",
		Help: "Custom permission keys currently registered.",
	}, func() float64 { return float64(len(catalog.CustomKeys())) }))

	permStore := perm.NewStore(pool)
	notifier := jobs.NewNotifier(asynqClient, logger)
	mutator := perm.NewMutator(perm.MutatorConfig{
		Store:         permStore,
		Catalog:       catalog,
		Roles:         rolesService,
		Settings:      settingsStore,
		Notifier:      notifier,
		Metrics:       metrics,
		Logger:        logger,
		TopRole:       cfg.TopRole,
		SecondaryRole: cfg.SecondaryRole,
	})
	// The catalog and mutator reference each other, so the hook is wired late.
	catalog.SetHook(mutator)

	query := perm.NewQuery(permStore, catalog, usersService, cfg.TopRole, logger)
	guard := perm.Guard{TopRole: cfg.TopRole, SecondaryRole: cfg.SecondaryRole}
	permMiddleware := perm.Middleware{Query: query, Logger: logger}
	permHandler := perm.NewHandler(logger, catalog, query, mutator, guard, rolesService, permMiddleware)
	rolesHandler := roles.NewHandler(rolesService, logger)
	usersHandler := users.NewHandler(usersService, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	// Authentication is owned by the hosting platform; behind its trusted
	// proxy the identity arrives as headers.
	authenticate := func(r *http.Request) (*shared.Actor, error) {
		raw := r.Header.Get("X-Auth-User-Id")
		if raw == "" {
			return nil, nil
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return nil, nil
		}
		actor := &shared.Actor{UserID: userID, Email: r.Header.Get("X-Auth-User-Email")}
		if rolesHeader := r.Header.Get("X-Auth-Roles"); rolesHeader != "" {
			actor.Roles = strings.Split(rolesHeader, ",")
		}
		return actor, nil
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Authenticate:       authenticate,
		PermissionsHandler: permHandler,
		RolesHandler:       rolesHandler,
		UsersHandler:       usersHandler,
		JobHandler:         jobHandler,
		PermGate:           permMiddleware,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
