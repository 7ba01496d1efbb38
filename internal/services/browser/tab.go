package browser

import (
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// Tab is one attached target and the URL its main frame is showing.
// Despite the name it also covers iframe and worker targets.
type Tab struct {
	ID   target.ID
	Type string

	mu  sync.RWMutex
	url string
}

// TabInfo is a read-only snapshot of a tab
type TabInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

func newTab(id target.ID, targetType, url string) *Tab {
	return &Tab{ID: id, Type: targetType, url: url}
}

// PageURL returns the current main-frame URL, empty before the first navigation
func (t *Tab) PageURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// SetURL records the target URL reported by the browser
func (t *Tab) SetURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

// HandleFrameNavigated tracks main-frame navigations; subframes are ignored
func (t *Tab) HandleFrameNavigated(ev *page.EventFrameNavigated) {
	if ev == nil || ev.Frame == nil || ev.Frame.ParentID != "" {
		return
	}
	t.mu.Lock()
	t.url = ev.Frame.URL
	t.mu.Unlock()
}

// Info returns a snapshot
func (t *Tab) Info() TabInfo {
	return TabInfo{ID: string(t.ID), Type: t.Type, URL: t.PageURL()}
}
