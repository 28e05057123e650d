package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/config"
	"wismo-triage/pkg/handlers"
)

// NewRouter wires the API routes. Chat, session and case routes sit behind
// the API key check, the rate limiter and the body size limit; health, status
// and metrics do not.
func NewRouter(config *config.Config, handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *mux.Router {
	limiter := NewRateLimiter(config.RateLimitPerMinute)
	auth := apiKeyMiddleware(config.APIKey)
	bodyLimit := bodyLimitMiddleware(maxBodyBytes)

	protect := func(h http.HandlerFunc) http.Handler {
		return auth(limiter.Middleware(bodyLimit(h)))
	}

	router := mux.NewRouter()

	// API routes
	router.Handle("/chat", protect(handler.Chat)).Methods("POST")
	router.Handle("/sessions/{id}", protect(handler.GetSession)).Methods("GET")
	router.Handle("/cases/{id}", protect(handler.GetCase)).Methods("GET")
	router.Handle("/cases/{id}/close", protect(handler.CloseCase)).Methods("POST")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(config *config.Config, handler *handlers.Handler, gatherer prometheus.Gatherer, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(config, handler, gatherer, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
