package capture

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/telemetry"
)

// DomainFromURL returns the lower-cased hostname of raw, or
// models.UnknownDomain when it does not parse as an absolute URL.
func DomainFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return models.UnknownDomain
	}
	host := u.Hostname()
	if host == "" {
		return models.UnknownDomain
	}
	return strings.ToLower(host)
}

// NewNetworkCapture builds a record for a request observed with its full
// header set. Returns false when the request carries no Bearer token.
func NewNetworkCapture(rawURL, method string, headers HeaderMap, source models.CaptureSource, now time.Time) (*models.CapturedToken, bool) {
	token, ok := FindBearer(headers)
	if !ok {
		return nil, false
	}

	return &models.CapturedToken{
		ID:        common.NewTokenID(),
		Token:     token,
		Domain:    DomainFromURL(rawURL),
		URL:       rawURL,
		Timestamp: now.UnixMilli(),
		Method:    method,
		Headers:   headers.WithoutAuthorization(),
		Source:    source,
	}, true
}

// Persist appends a record and records the outcome. Errors are logged and
// counted, never returned: a failed capture must not affect the request.
func Persist(ctx context.Context, sink interfaces.TokenSink, logger arbor.ILogger, record *models.CapturedToken) bool {
	if err := sink.Append(ctx, record); err != nil {
		telemetry.StoreErrors.WithLabelValues("append").Inc()
		telemetry.CaptureDropped.WithLabelValues(telemetry.ReasonStoreError).Inc()
		logger.Warn().
			Err(err).
			Str("domain", record.Domain).
			Str("source", string(record.Source)).
			Msg("Failed to store captured token")
		return false
	}

	telemetry.CapturesTotal.WithLabelValues(string(record.Source)).Inc()
	logger.Debug().
		Str("id", record.ID).
		Str("domain", record.Domain).
		Str("method", record.Method).
		Str("source", string(record.Source)).
		Strs("headers", HeaderNames(record.Headers)).
		Msg("Captured bearer token")
	return true
}
