package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/halcyon-admin/halcyon/internal/observability"
	"github.com/halcyon-admin/halcyon/internal/perm"
	"github.com/halcyon-admin/halcyon/internal/roles"
	"github.com/halcyon-admin/halcyon/internal/users"
	"github.com/halcyon-admin/halcyon/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Authenticate       AuthenticateFunc
	PermissionsHandler *perm.Handler
	RolesHandler       *roles.Handler
	UsersHandler       *users.Handler
	JobHandler         *jobs.Handler
	PermGate           perm.Middleware
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Halcyon defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:       params.Logger,
		Config:       params.Config,
		Authenticate: params.Authenticate,
		Metrics:      params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.RolesHandler != nil {
			r.With(params.PermGate.RequireKey(perm.KeyRoles)).
				Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.With(params.PermGate.RequireKey(perm.KeyUsers)).
				Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
