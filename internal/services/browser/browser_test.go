package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
)

type memorySink struct {
	mu     sync.Mutex
	tokens []models.CapturedToken
}

func (s *memorySink) Append(ctx context.Context, token *models.CapturedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, *token)
	return nil
}

func (s *memorySink) snapshot() []models.CapturedToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CapturedToken(nil), s.tokens...)
}

func (s *memorySink) count() int {
	return len(s.snapshot())
}

func requestEvent(url, method string, headers network.Headers) *network.EventRequestWillBeSent {
	return &network.EventRequestWillBeSent{
		RequestID: "1000.1",
		Request: &network.Request{
			URL:     url,
			Method:  method,
			Headers: headers,
		},
	}
}

func navigatedEvent(url string, parent cdp.FrameID) *page.EventFrameNavigated {
	return &page.EventFrameNavigated{
		Frame: &cdp.Frame{
			ID:       "frame-1",
			ParentID: parent,
			URL:      url,
		},
	}
}

func relayPayload(token, url, method, source string) string {
	return `{"type":"BEARER_TOKEN_CAPTURED","data":{"token":"` + token + `","url":"` + url + `","method":"` + method + `","source":"` + source + `"}}`
}

func TestNetworkInterceptor_CapturesBearer(t *testing.T) {
	sink := &memorySink{}
	n := NewNetworkInterceptor(sink, arbor.NewLogger())

	record, ok := n.HandleRequest(requestEvent("https://api.example.com/v1/users", "GET", network.Headers{
		"Authorization": "Bearer abc123",
		"Accept":        "application/json",
	}))
	require.True(t, ok)
	assert.Equal(t, "abc123", record.Token)
	assert.Equal(t, "api.example.com", record.Domain)
	assert.Equal(t, models.SourceNetwork, record.Source)
	assert.Equal(t, map[string]string{"Accept": "application/json"}, record.Headers)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, record.ID, sink.snapshot()[0].ID)
}

func TestNetworkInterceptor_IgnoresOtherRequests(t *testing.T) {
	sink := &memorySink{}
	n := NewNetworkInterceptor(sink, arbor.NewLogger())

	_, ok := n.HandleRequest(requestEvent("https://a.com", "GET", network.Headers{"Authorization": "Basic abc"}))
	assert.False(t, ok)
	_, ok = n.HandleRequest(requestEvent("https://a.com", "GET", network.Headers{"Authorization": "Bearer"}))
	assert.False(t, ok)
	_, ok = n.HandleRequest(requestEvent("https://a.com", "GET", nil))
	assert.False(t, ok)
	_, ok = n.HandleRequest(&network.EventRequestWillBeSent{})
	assert.False(t, ok)
	_, ok = n.HandleRequest(nil)
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestNetworkInterceptor_UnparseableURL(t *testing.T) {
	sink := &memorySink{}
	n := NewNetworkInterceptor(sink, arbor.NewLogger())

	record, ok := n.HandleRequest(requestEvent("::not a url", "POST", network.Headers{"authorization": "bearer t"}))
	require.True(t, ok)
	assert.Equal(t, models.UnknownDomain, record.Domain)
}

func TestTab_TracksMainFrameOnly(t *testing.T) {
	tab := newTab("T1", pageTargetType, "")
	assert.Empty(t, tab.PageURL())

	tab.HandleFrameNavigated(navigatedEvent("https://app.example.com/home", ""))
	assert.Equal(t, "https://app.example.com/home", tab.PageURL())

	tab.HandleFrameNavigated(navigatedEvent("https://ads.example.net/frame", "frame-1"))
	assert.Equal(t, "https://app.example.com/home", tab.PageURL())

	tab.HandleFrameNavigated(nil)
	tab.HandleFrameNavigated(&page.EventFrameNavigated{})
	assert.Equal(t, TabInfo{ID: "T1", Type: "page", URL: "https://app.example.com/home"}, tab.Info())
}

func TestPageInterceptor_RelayScriptUsesBinding(t *testing.T) {
	p := NewPageInterceptor(nil, "whatsmytoken", "__whatsmytokenRelay", arbor.NewLogger())

	script := p.RelayScript()
	assert.Contains(t, script, `var binding = "__whatsmytokenRelay";`)
	assert.NotContains(t, script, bindingPlaceholder)
	assert.Contains(t, script, models.RelayMessageType)
	assert.Contains(t, script, models.PageMessageType)

	assert.Contains(t, pageHookScript, models.PageMessageType)
	assert.Len(t, p.Actions(), 5)
}

func TestPageInterceptor_HandleBinding(t *testing.T) {
	sink := &memorySink{}
	coordinator := capture.NewCoordinator(sink, arbor.NewLogger())
	p := NewPageInterceptor(coordinator, "whatsmytoken", "__whatsmytokenRelay", arbor.NewLogger())

	ok := p.HandleBinding(&runtime.EventBindingCalled{
		Name:    "__whatsmytokenRelay",
		Payload: relayPayload("page-token", "/api/me", "GET", "fetch"),
	}, "https://app.example.com/dashboard")
	require.True(t, ok)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	record := sink.snapshot()[0]
	assert.Equal(t, "page-token", record.Token)
	assert.Equal(t, "app.example.com", record.Domain)
	assert.Equal(t, "https://app.example.com/api/me", record.URL)
	assert.Equal(t, models.SourceFetch, record.Source)

	assert.False(t, p.HandleBinding(&runtime.EventBindingCalled{Name: "other", Payload: "{}"}, ""))
	assert.False(t, p.HandleBinding(nil, ""))
}

func newTestSession(sink *memorySink, captureConfig common.CaptureConfig) *Session {
	logger := arbor.NewLogger()
	coordinator := capture.NewCoordinator(sink, logger)
	return NewSession(
		common.BrowserConfig{},
		captureConfig,
		NewNetworkInterceptor(sink, logger),
		NewPageInterceptor(coordinator, captureConfig.WorldName, captureConfig.BindingName, logger),
		logger,
	)
}

func defaultCaptureConfig() common.CaptureConfig {
	return common.NewDefaultConfig().Capture
}

// Scenario: a page at app.example.com calls fetch to api.example.com. The
// network path and the page path each store one record.
func TestSession_DispatchBothPaths(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession(sink, defaultCaptureConfig())
	tab := newTab("T1", pageTargetType, "")

	s.dispatch(tab, navigatedEvent("https://app.example.com/", ""))
	s.dispatch(tab, requestEvent("https://api.example.com/v1/users", "GET", network.Headers{"Authorization": "Bearer abc123"}))
	s.dispatch(tab, &runtime.EventBindingCalled{
		Name:    "__whatsmytokenRelay",
		Payload: relayPayload("abc123", "https://api.example.com/v1/users", "GET", "fetch"),
	})

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	domains := map[models.CaptureSource]string{}
	for _, r := range sink.snapshot() {
		assert.Equal(t, "abc123", r.Token)
		domains[r.Source] = r.Domain
	}
	assert.Equal(t, "api.example.com", domains[models.SourceNetwork])
	assert.Equal(t, "app.example.com", domains[models.SourceFetch])
}

func TestSession_DispatchRespectsCaptureToggles(t *testing.T) {
	sink := &memorySink{}
	cfg := defaultCaptureConfig()
	cfg.Network = false
	cfg.PageContext = false
	s := newTestSession(sink, cfg)
	tab := newTab("T1", pageTargetType, "")

	s.dispatch(tab, requestEvent("https://api.example.com", "GET", network.Headers{"Authorization": "Bearer x"}))
	s.dispatch(tab, &runtime.EventBindingCalled{
		Name:    "__whatsmytokenRelay",
		Payload: relayPayload("x", "https://api.example.com", "GET", "xhr"),
	})
	s.dispatch(tab, "unrelated event")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestSession_ClaimAndDetach(t *testing.T) {
	s := newTestSession(&memorySink{}, defaultCaptureConfig())

	// Not started
	assert.False(t, s.claim("T1", pageTargetType))

	s.browserCtx = context.Background()
	assert.True(t, s.claim("T1", pageTargetType))
	assert.False(t, s.claim("T1", pageTargetType))
	assert.True(t, s.claim("T2", pageTargetType))
	assert.Len(t, s.Tabs(), 2)

	cancelled := false
	s.tabs["T2"].cancel = func() { cancelled = true }

	s.handleBrowserEvent(&target.EventTargetDestroyed{TargetID: "T2"})
	assert.True(t, cancelled)
	assert.Equal(t, []TabInfo{{ID: "T1", Type: "page"}}, s.Tabs())

	// Browser-level targets are never claimed
	s.handleBrowserEvent(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "B1", Type: "browser"}})
	s.handleBrowserEvent(&target.EventTargetCreated{TargetInfo: nil})
	assert.Len(t, s.Tabs(), 1)
}

func TestSession_ClaimsIframesAndWorkers(t *testing.T) {
	s := newTestSession(&memorySink{}, defaultCaptureConfig())

	// Claim directly; handleBrowserEvent would also start a real attach
	s.browserCtx = context.Background()
	for id, typ := range map[target.ID]string{"F1": "iframe", "W1": "worker", "S1": "service_worker", "H1": "shared_worker"} {
		require.True(t, observedTargets[typ], typ)
		assert.True(t, s.claim(id, typ))
	}
	assert.False(t, observedTargets["browser"])
	assert.False(t, observedTargets["tab"])

	assert.Len(t, s.Tabs(), 4)
	assert.Zero(t, s.TabCount(), "only page targets count as tabs")
	assert.Equal(t, map[string]int{"iframe": 1, "worker": 1, "service_worker": 1, "shared_worker": 1}, s.TargetCounts())

	s.handleBrowserEvent(&target.EventTargetInfoChanged{TargetInfo: &target.Info{
		TargetID: "F1",
		Type:     "iframe",
		URL:      "https://widget.example.net/embed",
	}})
	assert.Equal(t, "https://widget.example.net/embed", s.tabs["F1"].tab.PageURL())
}

func TestSession_TargetActions(t *testing.T) {
	s := newTestSession(&memorySink{}, defaultCaptureConfig())

	// page hook (5) + network (1)
	assert.Len(t, s.tabActions("page"), 6)
	assert.Len(t, s.tabActions("iframe"), 6)
	// workers have no Page domain
	assert.Len(t, s.tabActions("service_worker"), 1)
	assert.Len(t, s.tabActions("worker"), 1)

	s.capture.PageContext = false
	assert.Len(t, s.tabActions("iframe"), 2)
}

// A service worker's fetch only shows up through the network path; the
// record carries the request host.
func TestSession_DispatchFromWorker(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession(sink, defaultCaptureConfig())
	worker := newTab("W1", "service_worker", "https://app.example.com/sw.js")

	s.dispatch(worker, requestEvent("https://api.example.com/sync", "POST", network.Headers{"Authorization": "Bearer sw-token"}))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	record := sink.snapshot()[0]
	assert.Equal(t, "sw-token", record.Token)
	assert.Equal(t, "api.example.com", record.Domain)
	assert.Equal(t, models.SourceNetwork, record.Source)
}

func TestSession_PingWithoutBrowser(t *testing.T) {
	s := newTestSession(&memorySink{}, defaultCaptureConfig())
	assert.Error(t, s.Ping(context.Background()))
}

func TestSession_AllocatorOptions(t *testing.T) {
	s := newTestSession(&memorySink{}, defaultCaptureConfig())
	base := len(s.allocatorOptions())

	s.config.ExecPath = "/usr/bin/chromium"
	s.config.UserDataDir = t.TempDir()
	s.config.NoSandbox = true
	assert.Equal(t, base+3, len(s.allocatorOptions()))
}

type fakePinger struct {
	calls atomic.Int32
	err   error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestKeepAlive_Pings(t *testing.T) {
	pinger := &fakePinger{}
	k := NewKeepAlive(pinger, arbor.NewLogger())
	require.NoError(t, k.Start("@every 1s"))
	defer k.Stop()

	require.Eventually(t, func() bool { return pinger.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestKeepAlive_FailureIsLoggedOnly(t *testing.T) {
	pinger := &fakePinger{err: errors.New("connection closed")}
	k := NewKeepAlive(pinger, arbor.NewLogger())

	assert.NotPanics(t, k.tick)
	assert.Equal(t, int32(1), pinger.calls.Load())
}

func TestKeepAlive_InvalidSchedule(t *testing.T) {
	k := NewKeepAlive(&fakePinger{}, arbor.NewLogger())
	assert.Error(t, k.Start("not a schedule"))
}
