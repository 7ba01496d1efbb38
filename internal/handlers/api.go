package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

// BrowserStatus reports the attached targets, nil when no browser is running
type BrowserStatus interface {
	TabCount() int
	TargetCounts() map[string]int
}

type APIHandler struct {
	logger  arbor.ILogger
	browser BrowserStatus
}

func NewAPIHandler(logger arbor.ILogger, browser BrowserStatus) *APIHandler {
	return &APIHandler{
		logger:  logger,
		browser: browser,
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, common.CurrentBuild())
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"status":     "ok",
		"browser":    h.browser != nil,
		"goroutines": common.GetGoroutineCount(),
	}
	if h.browser != nil {
		response["tabs"] = h.browser.TabCount()
		response["targets"] = h.browser.TargetCounts()
	}

	WriteJSON(w, http.StatusOK, response)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
