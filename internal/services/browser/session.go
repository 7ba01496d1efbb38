package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
)

const (
	pageTargetType   = "page"
	iframeTargetType = "iframe"
)

// observedTargets lists the target types the interceptors attach to.
// Scripted targets have a document and get the page hook; workers only
// get network capture.
var observedTargets = map[string]bool{
	pageTargetType:   true,
	iframeTargetType: true,
	"worker":         true,
	"shared_worker":  true,
	"service_worker": true,
}

func scriptedTarget(targetType string) bool {
	return targetType == pageTargetType || targetType == iframeTargetType
}

// attachedTab pairs a tab with its chromedp context. ctx is nil while the
// attach is still in progress; cancel is nil for the first tab, whose
// context is the browser's own.
type attachedTab struct {
	tab    *Tab
	ctx    context.Context
	cancel context.CancelFunc
}

// Session owns the Chrome process and attaches the interceptors to every
// page, out-of-process iframe and worker target, including those opened later. Each tab delivers its
// events on its own chromedp listener; the store is the only state they share.
type Session struct {
	config  common.BrowserConfig
	capture common.CaptureConfig
	network *NetworkInterceptor
	page    *PageInterceptor
	logger  arbor.ILogger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[target.ID]*attachedTab
	pending       map[target.ID]string // navigation to run once the tab is attached
	keepAlive     *KeepAlive
	started       bool
}

// NewSession creates a browser session; nothing is launched until Start
func NewSession(config common.BrowserConfig, captureConfig common.CaptureConfig, networkInterceptor *NetworkInterceptor, pageInterceptor *PageInterceptor, logger arbor.ILogger) *Session {
	return &Session{
		config:  config,
		capture: captureConfig,
		network: networkInterceptor,
		page:    pageInterceptor,
		logger:  logger,
		tabs:    make(map[target.ID]*attachedTab),
		pending: make(map[target.ID]string),
	}
}

// Start launches Chrome, attaches to the first tab and opens the start URLs
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("browser session already started")
	}
	s.started = true
	s.mu.Unlock()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, s.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			s.logger.Debug().Msgf("chromedp: "+format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			s.logger.Debug().Msgf("chromedp error: "+format, args...)
		}),
	)

	s.mu.Lock()
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.mu.Unlock()

	first := newTab("", pageTargetType, "")
	s.listen(browserCtx, first)

	// The first Run launches the browser, so it must not carry a timeout
	if err := chromedp.Run(browserCtx, s.tabActions(pageTargetType)); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		first.ID = c.Target.TargetID
	}
	s.mu.Lock()
	s.tabs[first.ID] = &attachedTab{tab: first, ctx: browserCtx}
	s.mu.Unlock()

	chromedp.ListenBrowser(browserCtx, s.handleBrowserEvent)
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
	})); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enable target discovery, new tabs will not be observed")
	}

	s.logger.Info().
		Str("target_id", string(first.ID)).
		Bool("headless", s.config.Headless).
		Bool("network_capture", s.capture.Network).
		Bool("page_capture", s.capture.PageContext).
		Msg("Browser started")

	s.openStartURLs(browserCtx)

	if s.config.KeepAlive != "" {
		keepAlive := NewKeepAlive(s, s.logger)
		if err := keepAlive.Start(s.config.KeepAlive); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to start browser keep-alive")
		} else {
			s.mu.Lock()
			s.keepAlive = keepAlive
			s.mu.Unlock()
		}
	}

	return nil
}

// Stop closes the browser and every tab context
func (s *Session) Stop() {
	s.mu.Lock()
	keepAlive := s.keepAlive
	s.keepAlive = nil
	browserCtx := s.browserCtx
	browserCancel := s.browserCancel
	allocCancel := s.allocCancel
	s.tabs = make(map[target.ID]*attachedTab)
	s.pending = make(map[target.ID]string)
	s.browserCtx = nil
	s.mu.Unlock()

	if keepAlive != nil {
		keepAlive.Stop()
	}
	if browserCtx != nil {
		if err := chromedp.Cancel(browserCtx); err != nil {
			s.logger.Debug().Err(err).Msg("Browser did not close cleanly")
		}
	}
	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	s.logger.Info().Msg("Browser stopped")
}

// Ping round-trips Browser.getVersion
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	if browserCtx == nil {
		return fmt.Errorf("browser not running")
	}
	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return fmt.Errorf("browser not running")
	}

	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		return err
	}
	s.logger.Trace().Str("product", product).Msg("Browser responded")
	return nil
}

// Tabs returns the attached tabs, ordered by id
func (s *Session) Tabs() []TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TabInfo, 0, len(s.tabs))
	for _, t := range s.tabs {
		infos = append(infos, t.tab.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// TargetCounts returns the number of attached targets per target type
func (s *Session) TargetCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, t := range s.tabs {
		counts[t.tab.Type]++
	}
	return counts
}

// TabCount returns the number of attached page targets
func (s *Session) TabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, t := range s.tabs {
		if t.tab.Type == pageTargetType {
			count++
		}
	}
	return count
}

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", s.config.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	if s.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.config.ExecPath))
	}
	if s.config.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(s.config.UserDataDir))
		s.logger.Debug().Str("path", s.config.UserDataDir).Msg("Using user data directory")
	}
	if s.config.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// tabActions prepares a freshly attached target. Workers have no Page domain.
func (s *Session) tabActions(targetType string) chromedp.Tasks {
	var tasks chromedp.Tasks
	if scriptedTarget(targetType) {
		if s.capture.PageContext && s.page != nil {
			tasks = append(tasks, s.page.Actions()...)
		} else {
			tasks = append(tasks, page.Enable())
		}
	}
	if s.capture.Network && s.network != nil {
		tasks = append(tasks, s.network.Actions()...)
	}
	return tasks
}

// listen routes one tab's events to the interceptors. It runs on the
// chromedp event loop, so handlers only read state and hand work off.
func (s *Session) listen(tabCtx context.Context, tab *Tab) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		s.dispatch(tab, ev)
	})
}

func (s *Session) dispatch(tab *Tab, ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if s.capture.Network && s.network != nil {
			s.network.HandleRequest(e)
		}
	case *page.EventFrameNavigated:
		tab.HandleFrameNavigated(e)
	case *runtime.EventBindingCalled:
		if s.capture.PageContext && s.page != nil {
			s.page.HandleBinding(e, tab.PageURL())
		}
	}
}

func (s *Session) handleBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || !observedTargets[info.Type] {
			return
		}
		if !s.claim(info.TargetID, info.Type) {
			return
		}
		common.SafeGo(s.logger, "attach-"+info.Type, func() {
			s.attach(info.TargetID, info.URL)
		})
	case *target.EventTargetInfoChanged:
		// Iframe and worker targets report their URL here, not through a
		// main-frame navigation
		info := e.TargetInfo
		if info == nil || info.Type == pageTargetType {
			return
		}
		s.mu.Lock()
		entry, ok := s.tabs[info.TargetID]
		s.mu.Unlock()
		if ok {
			entry.tab.SetURL(info.URL)
		}
	case *target.EventTargetDestroyed:
		s.detach(e.TargetID)
	}
}

// claim reserves a target so it is attached only once
func (s *Session) claim(id target.ID, targetType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx == nil {
		return false
	}
	if _, ok := s.tabs[id]; ok {
		return false
	}
	s.tabs[id] = &attachedTab{tab: newTab(id, targetType, "")}
	return true
}

// attach installs the interceptors on a claimed target, then runs any
// navigation queued for it
func (s *Session) attach(id target.ID, currentURL string) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	entry, ok := s.tabs[id]
	s.mu.Unlock()
	if browserCtx == nil || !ok {
		return
	}

	tab := entry.tab
	tab.SetURL(currentURL)

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))
	s.listen(tabCtx, tab)

	if err := chromedp.Run(tabCtx, s.tabActions(tab.Type)); err != nil {
		cancel()
		s.detach(id)
		s.logger.Warn().Err(err).
			Str("target_id", string(id)).
			Str("type", tab.Type).
			Msg("Failed to attach to target")
		return
	}

	s.mu.Lock()
	if current, ok := s.tabs[id]; !ok || current != entry {
		s.mu.Unlock()
		cancel()
		return
	}
	entry.ctx = tabCtx
	entry.cancel = cancel
	navigateTo := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	s.logger.Debug().
		Str("target_id", string(id)).
		Str("type", tab.Type).
		Str("url", currentURL).
		Msg("Attached to target")

	if navigateTo != "" {
		s.navigate(tabCtx, navigateTo)
	}
}

func (s *Session) detach(id target.ID) {
	s.mu.Lock()
	entry, ok := s.tabs[id]
	if ok {
		delete(s.tabs, id)
	}
	delete(s.pending, id)
	s.mu.Unlock()

	if ok && entry.cancel != nil {
		entry.cancel()
	}
}

func (s *Session) navigate(tabCtx context.Context, url string) {
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("Failed to open start URL")
	}
}

// openStartURLs navigates the first tab to the first URL and opens one new
// tab per remaining URL. New tabs start blank and are navigated only after
// the interceptors are attached.
func (s *Session) openStartURLs(browserCtx context.Context) {
	for i, u := range s.config.StartURLs {
		if u == "" {
			continue
		}
		if i == 0 {
			s.navigate(browserCtx, u)
			continue
		}

		var id target.ID
		err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			id, err = target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
			return err
		}))
		if err != nil {
			s.logger.Warn().Err(err).Str("url", u).Msg("Failed to open tab for start URL")
			continue
		}

		// Discovery may have claimed, or even finished attaching, the target already
		s.mu.Lock()
		entry, claimed := s.tabs[id]
		switch {
		case claimed && entry.ctx != nil:
			tabCtx := entry.ctx
			s.mu.Unlock()
			s.navigate(tabCtx, u)
		case claimed:
			s.pending[id] = u
			s.mu.Unlock()
		default:
			s.tabs[id] = &attachedTab{tab: newTab(id, pageTargetType, "")}
			s.pending[id] = u
			s.mu.Unlock()
			targetID := id
			common.SafeGo(s.logger, "attach-start-tab", func() {
				s.attach(targetID, "about:blank")
			})
		}
	}
}
