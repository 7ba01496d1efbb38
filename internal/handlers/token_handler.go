package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
	"github.com/ternarybob/whatsmytoken/internal/services/tokens"
)

// TokenListResponse is returned by GET /api/tokens
type TokenListResponse struct {
	Tokens      []models.CapturedToken `json:"tokens,omitempty"`
	Groups      []tokens.DomainGroup   `json:"groups,omitempty"`
	TokenGroups []tokens.TokenGroup    `json:"token_groups,omitempty"`
	Count       int                    `json:"count"`
	Policy      models.AppendPolicy    `json:"policy"`
}

// AddTokenRequest is the body of POST /api/tokens
type AddTokenRequest struct {
	Token   string            `json:"token" validate:"required"`
	URL     string            `json:"url"`
	Domain  string            `json:"domain"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// TokenHandler serves the captured-token API
type TokenHandler struct {
	service     *tokens.Service
	coordinator *capture.Coordinator
	logger      arbor.ILogger
}

func NewTokenHandler(service *tokens.Service, coordinator *capture.Coordinator, logger arbor.ILogger) *TokenHandler {
	return &TokenHandler{
		service:     service,
		coordinator: coordinator,
		logger:      logger,
	}
}

// ListHandler handles GET /api/tokens?domain=&filter=&group=domain|token&sort=
func (h *TokenHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	grouping, err := tokens.ParseGrouping(query.Get("group"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var list []models.CapturedToken
	if domain := query.Get("domain"); domain != "" {
		list, err = h.service.GetTokensByDomain(r.Context(), domain)
	} else {
		list, err = h.service.List(r.Context())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tokens")
		WriteError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	list = tokens.Filter(list, query.Get("filter"))
	switch query.Get("sort") {
	case "newest":
		list = tokens.SortByTimestamp(list, true)
	case "oldest":
		list = tokens.SortByTimestamp(list, false)
	}

	response := TokenListResponse{
		Count:  len(list),
		Policy: h.service.Policy(),
	}
	switch grouping {
	case tokens.GroupDomain:
		response.Groups = tokens.GroupByDomain(list)
	case tokens.GroupToken:
		response.TokenGroups = tokens.GroupByToken(list)
	default:
		response.Tokens = list
		if response.Tokens == nil {
			response.Tokens = []models.CapturedToken{}
		}
	}

	WriteJSON(w, http.StatusOK, response)
}

// CreateHandler handles POST /api/tokens
func (h *TokenHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req AddTokenRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Without a token in the body, take it from this request's own
	// Authorization header or from the posted header set
	if req.Token == "" {
		if token, ok := capture.FindBearer(capture.HeaderGetter{Getter: r.Header}); ok {
			req.Token = token
		} else if token, ok := capture.FindBearer(capture.HeaderMap(req.Headers)); ok {
			req.Token = token
		}
	}
	if len(req.Headers) > 0 {
		req.Headers = capture.HeaderMap(req.Headers).WithoutAuthorization()
	}

	if err := validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ValidationError(err))
		return
	}

	added, err := h.service.AddToken(r.Context(), &models.CapturedToken{
		Token:   req.Token,
		URL:     req.URL,
		Domain:  req.Domain,
		Method:  req.Method,
		Headers: req.Headers,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to add token")
		WriteError(w, http.StatusInternalServerError, "Failed to add token")
		return
	}

	WriteJSON(w, http.StatusCreated, added)
}

// ClearHandler handles DELETE /api/tokens
func (h *TokenHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	if err := h.service.ClearTokens(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear tokens")
		WriteError(w, http.StatusInternalServerError, "Failed to clear tokens")
		return
	}

	WriteSuccess(w, "All tokens cleared")
}

// GetHandler handles GET /api/tokens/{id}
func (h *TokenHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := tokenIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Token ID is required")
		return
	}

	token, err := h.service.GetToken(r.Context(), id)
	if errors.Is(err, interfaces.ErrTokenNotFound) {
		WriteError(w, http.StatusNotFound, "Token not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get token")
		WriteError(w, http.StatusInternalServerError, "Failed to get token")
		return
	}

	WriteJSON(w, http.StatusOK, token)
}

// DeleteHandler handles DELETE /api/tokens/{id}
func (h *TokenHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	id := tokenIDFromPath(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Token ID is required")
		return
	}

	if err := h.service.RemoveToken(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to remove token")
		WriteError(w, http.StatusInternalServerError, "Failed to remove token")
		return
	}

	WriteSuccess(w, "Token removed")
}

// RelayHandler handles POST /api/relay: a capture envelope posted by an
// external extension or userscript. The page URL comes from Referer, or
// Origin when the referrer is stripped.
func (h *TokenHandler) RelayHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if !h.coordinator.HandleMessage(r.Context(), relayPageURL(r), raw) {
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func relayPageURL(r *http.Request) string {
	if ref := r.Header.Get("Referer"); ref != "" {
		return ref
	}
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			return origin + "/"
		}
	}
	return ""
}

// tokenIDFromPath extracts {id} from /api/tokens/{id}
func tokenIDFromPath(path string) string {
	id := strings.TrimPrefix(path, "/api/tokens/")
	id = strings.Trim(id, "/")
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
