package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const relayPath = "/api/relay"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (change feed)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Tokens
	mux.HandleFunc("/api/tokens", s.handleTokensRoute)  // GET (list), POST (add), DELETE (clear)
	mux.HandleFunc("/api/tokens/", s.handleTokenRoutes) // GET/DELETE /{id}

	// API routes - Relay (external extension or userscript)
	mux.HandleFunc(relayPath, s.app.TokenHandler.RelayHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Metrics
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Metrics, promhttp.HandlerOpts{}))

	// 404 handler for unmatched API routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleTokensRoute routes /api/tokens by method
func (s *Server) handleTokensRoute(w http.ResponseWriter, r *http.Request) {
	RouteCRUD(w, r,
		s.app.TokenHandler.ListHandler,
		s.app.TokenHandler.CreateHandler,
		nil,
		s.app.TokenHandler.ClearHandler,
	)
}

// handleTokenRoutes routes /api/tokens/{id}
func (s *Server) handleTokenRoutes(w http.ResponseWriter, r *http.Request) {
	RouteResourceItem(w, r,
		s.app.TokenHandler.GetHandler,
		nil,
		s.app.TokenHandler.DeleteHandler,
	)
}
