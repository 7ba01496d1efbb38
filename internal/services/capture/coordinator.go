package capture

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/telemetry"
)

// Coordinator receives capture envelopes relayed out of page contexts and
// turns them into stored records.
//
// The page cannot be trusted to report where it is or when something
// happened, so the domain comes from the page URL known to the caller and
// the timestamp from the coordinator's own clock.
type Coordinator struct {
	sink     interfaces.TokenSink
	logger   arbor.ILogger
	validate *validator.Validate
	now      func() time.Time
}

// NewCoordinator creates a coordinator appending to sink
func NewCoordinator(sink interfaces.TokenSink, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		sink:     sink,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// HandleMessage decodes a raw envelope and handles it. Malformed input is
// dropped silently; the return value reports whether a record was stored.
func (c *Coordinator) HandleMessage(ctx context.Context, pageURL string, raw []byte) bool {
	var msg models.RelayMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.drop(telemetry.ReasonInvalidMessage, "Discarding undecodable relay message", err)
		return false
	}
	return c.Handle(ctx, pageURL, &msg)
}

// Handle stores the capture carried by msg. pageURL is the main-frame URL of
// the tab that produced it, empty when unknown.
func (c *Coordinator) Handle(ctx context.Context, pageURL string, msg *models.RelayMessage) bool {
	if msg == nil || msg.Type != models.RelayMessageType {
		c.drop(telemetry.ReasonWrongType, "Ignoring message of unrelated type", nil)
		return false
	}
	if msg.Data == nil {
		c.drop(telemetry.ReasonInvalidMessage, "Discarding relay message without data", nil)
		return false
	}
	if err := c.validate.Struct(msg.Data); err != nil {
		c.drop(telemetry.ReasonInvalidMessage, "Discarding relay message with missing fields", err)
		return false
	}

	record := c.buildRecord(pageURL, msg.Data)
	return Persist(ctx, c.sink, c.logger, record)
}

func (c *Coordinator) buildRecord(pageURL string, data *models.RelayCapture) *models.CapturedToken {
	requestURL := ResolveURL(pageURL, data.URL)

	domain := DomainFromURL(pageURL)
	if domain == models.UnknownDomain {
		domain = DomainFromURL(requestURL)
	}

	source := data.Source
	if source != models.SourceFetch && source != models.SourceXHR {
		source = models.SourceRelay
	}

	return &models.CapturedToken{
		ID:        common.NewTokenID(),
		Token:     data.Token,
		Domain:    domain,
		URL:       requestURL,
		Timestamp: c.now().UnixMilli(),
		Method:    data.Method,
		Source:    source,
	}
}

func (c *Coordinator) drop(reason, msg string, err error) {
	telemetry.CaptureDropped.WithLabelValues(reason).Inc()
	event := c.logger.Debug().Str("reason", reason)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg(msg)
}

// ResolveURL resolves a possibly relative request URL against the page URL.
// The request URL is returned unchanged when either side does not parse.
func ResolveURL(pageURL, requestURL string) string {
	ref, err := url.Parse(requestURL)
	if err != nil || ref.IsAbs() || pageURL == "" {
		return requestURL
	}
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return requestURL
	}
	return base.ResolveReference(ref).String()
}
