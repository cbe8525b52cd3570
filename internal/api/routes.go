package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/config"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
	syncpkg "store-sync-service/internal/sync"
)

type Handler struct {
	cfg      *config.Config
	store    store.Store
	manager  *syncpkg.Manager
	tokens   *security.TokenManager
	ws       *bus.WSHandler
	validate *validator.Validate
}

func NewHandler(cfg *config.Config, st store.Store, manager *syncpkg.Manager, tokens *security.TokenManager, ws *bus.WSHandler) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		manager:  manager,
		tokens:   tokens,
		ws:       ws,
		validate: validator.New(),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.Server.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	r.Get("/ws/sync", h.ws.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/start", h.StartSync)
		r.Post("/sync/stop", h.StopSync)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", h.ListOperations)
			r.Get("/stats", h.GetQueueStats)
			r.Post("/process-pending", h.ProcessPending)
			r.Get("/{id}", h.GetOperation)
			r.Post("/{id}/process", h.ProcessOperation)
			r.With(h.RequireAdmin).Post("/{id}/resolve", h.ResolveOperation)
		})

		r.With(h.RequireAdmin).Post("/conflicts/resolve-all", h.ResolveAllConflicts)

		r.Route("/stores/{id}", func(r chi.Router) {
			r.Get("/config", h.GetStoreConfig)
			r.With(h.RequireAdmin).Put("/config", h.UpdateStoreConfig)
			r.Post("/full-sync", h.TriggerFullSync)
			r.Get("/runs", h.ListSyncRuns)
		})

		r.With(h.RequireAdmin).Get("/audit", h.ListAudit)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
