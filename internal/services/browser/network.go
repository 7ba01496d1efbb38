package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
)

// NetworkInterceptor observes every request a tab sends through the
// DevTools Network domain. It only listens: the Fetch domain is never
// enabled, so requests cannot be paused or rewritten.
type NetworkInterceptor struct {
	sink   interfaces.TokenSink
	logger arbor.ILogger
	now    func() time.Time
}

// NewNetworkInterceptor creates an interceptor appending to sink
func NewNetworkInterceptor(sink interfaces.TokenSink, logger arbor.ILogger) *NetworkInterceptor {
	return &NetworkInterceptor{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Actions enables network events on a tab
func (n *NetworkInterceptor) Actions() chromedp.Tasks {
	return chromedp.Tasks{network.Enable()}
}

// HandleRequest inspects one outgoing request. A matching record is built
// synchronously and stored in the background; the caller is the CDP event
// loop and must not block.
func (n *NetworkInterceptor) HandleRequest(ev *network.EventRequestWillBeSent) (*models.CapturedToken, bool) {
	if ev == nil || ev.Request == nil {
		return nil, false
	}

	headers := capture.HeaderMapFromAny(ev.Request.Headers)
	record, ok := capture.NewNetworkCapture(ev.Request.URL, ev.Request.Method, headers, models.SourceNetwork, n.now())
	if !ok {
		return nil, false
	}

	common.SafeGo(n.logger, "network-capture", func() {
		capture.Persist(context.Background(), n.sink, n.logger, record)
	})
	return record, true
}
