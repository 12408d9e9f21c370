package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digster/crawlkit/internal/logging"
)

// NewRouter creates and configures the HTTP router with all routes.
func NewRouter(handlers *Handlers, config *ServerConfig, log *logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery(log))
	r.Use(LoggerMiddleware(log))

	if config.HasCORS() {
		r.Use(CORS(config.CORSOrigins))
	}
	if config.HasAuth() {
		r.Use(APIKeyAuth(config.APIKey))
	}

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/requests", handlers.AddRequest)
			r.Post("/fetch-next", handlers.FetchNextRequest)
			r.Post("/requests/{id}/handled", handlers.MarkHandled)
			r.Post("/requests/{id}/reclaim", handlers.Reclaim)
			r.Get("/status", handlers.QueueStatus)
		})

		r.Route("/pool", func(r chi.Router) {
			r.Get("/status", handlers.PoolStatus)
			r.Post("/pages", handlers.NewPage)
			r.Post("/controllers/{id}/retire", handlers.RetireController)
		})

		r.Get("/events", handlers.StreamEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, APIError{
			Code:    404,
			Message: "not found",
			Details: "endpoint does not exist",
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, APIError{
			Code:    405,
			Message: "method not allowed",
		})
	})

	return r
}
