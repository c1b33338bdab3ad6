package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/purchaseorder"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger               *slog.Logger
	Config               *Config
	Pool                 *pgxpool.Pool
	AuthMiddleware       auth.Middleware
	PurchaseOrderHandler *purchaseorder.Handler
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ctx, cancel := context.WithTimeout(req.Context(), params.Config.AppReadTimeout)
		defer cancel()
		if params.Pool != nil {
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Warn("readiness ping failed", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(params.AuthMiddleware.RequirePrincipal)
		params.PurchaseOrderHandler.MountRoutes(api)
	})

	return r
}
