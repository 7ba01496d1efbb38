package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
)

//go:embed scripts/page_hook.js
var pageHookScript string

//go:embed scripts/relay.js
var relayScriptTemplate string

const bindingPlaceholder = "__WHATSMYTOKEN_BINDING__"

// PageInterceptor installs the fetch/XHR hook in each document's main world
// and a relay in an isolated world. The relay forwards hook notifications
// through a runtime binding, which only the isolated world can see.
type PageInterceptor struct {
	coordinator *capture.Coordinator
	logger      arbor.ILogger
	worldName   string
	bindingName string
}

// NewPageInterceptor creates a page interceptor feeding coordinator
func NewPageInterceptor(coordinator *capture.Coordinator, worldName, bindingName string, logger arbor.ILogger) *PageInterceptor {
	return &PageInterceptor{
		coordinator: coordinator,
		logger:      logger,
		worldName:   worldName,
		bindingName: bindingName,
	}
}

// BindingName is the runtime binding the relay calls
func (p *PageInterceptor) BindingName() string {
	return p.bindingName
}

// RelayScript returns the relay source bound to the configured binding name
func (p *PageInterceptor) RelayScript() string {
	quoted, _ := json.Marshal(p.bindingName)
	return strings.ReplaceAll(relayScriptTemplate, bindingPlaceholder, string(quoted))
}

// Actions registers the binding and both scripts on a tab. Scripts run in
// every future document before page scripts, and immediately in the
// current one so tabs attached after load are covered too.
func (p *PageInterceptor) Actions() chromedp.Tasks {
	return chromedp.Tasks{
		runtime.Enable(),
		page.Enable(),
		runtime.AddBinding(p.bindingName).WithExecutionContextName(p.worldName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(pageHookScript).
				WithRunImmediately(true).
				Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(p.RelayScript()).
				WithWorldName(p.worldName).
				WithRunImmediately(true).
				Do(ctx)
			return err
		}),
	}
}

// HandleBinding dispatches one binding call to the coordinator in the
// background. pageURL must be read from the tab when the event arrives.
func (p *PageInterceptor) HandleBinding(ev *runtime.EventBindingCalled, pageURL string) bool {
	if ev == nil || ev.Name != p.bindingName {
		return false
	}

	payload := []byte(ev.Payload)
	common.SafeGo(p.logger, "page-capture", func() {
		p.coordinator.HandleMessage(context.Background(), pageURL, payload)
	})
	return true
}
