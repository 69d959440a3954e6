package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theblitlabs/parity-fedsync/internal/api/middleware"
	"github.com/theblitlabs/parity-fedsync/internal/storage"
)

// Router wraps mux.Router with the coordinator's status routes.
type Router struct {
	*mux.Router
	middleware []mux.MiddlewareFunc
	endpoint   string
}

// NewRouter wires the status, round history, live feed and metrics routes.
func NewRouter(
	status StatusProvider,
	rounds storage.RoundStore,
	hub *Hub,
	gatherer prometheus.Gatherer,
	endpoint string,
) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		middleware: []mux.MiddlewareFunc{
			middleware.Logging,
		},
		endpoint: endpoint,
	}

	r.setup()
	r.registerRoutes(NewHandler(status, rounds), hub, gatherer)
	return r
}

func (r *Router) setup() {
	for _, m := range r.middleware {
		r.Use(m)
	}
}

func (r *Router) registerRoutes(h *Handler, hub *Hub, gatherer prometheus.Gatherer) {
	api := r.PathPrefix(r.endpoint).Subrouter()

	api.HandleFunc("/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/rounds", h.ListRounds).Methods("GET")
	api.Handle("/ws", hub).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// AddMiddleware adds a new middleware to the router
func (r *Router) AddMiddleware(middleware mux.MiddlewareFunc) {
	r.Use(middleware)
}
