package browser

import (
	"context"
	"sync"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/dispatch"
)

// Pool keeps one tab per dispatch target and serves them as capture pages.
type Pool struct {
	mgr *Manager

	mu      sync.Mutex
	tabs    map[string]*Tab
	onClose []func(targetID string)
}

var _ dispatch.PageSource = (*Pool)(nil)

// NewPool creates a pool over mgr. Tabs are dropped when mgr recycles.
func NewPool(mgr *Manager) *Pool {
	p := &Pool{mgr: mgr, tabs: make(map[string]*Tab)}
	mgr.OnRecycle(p.dropAll)
	return p
}

// OnClose registers fn to run with the target id of every tab that goes away.
func (p *Pool) OnClose(fn func(targetID string)) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Page implements dispatch.PageSource. It reuses the target's tab,
// navigating it when the target URL changed, or opens a new one.
func (p *Pool) Page(ctx context.Context, t dispatch.Target) (capture.Page, error) {
	return p.Open(ctx, t)
}

// Open returns the tab of t, opening it if needed.
func (p *Pool) Open(ctx context.Context, t dispatch.Target) (*Tab, error) {
	p.mu.Lock()
	tab, ok := p.tabs[t.ID]
	p.mu.Unlock()

	if ok {
		if t.URL == "" || t.URL == tab.URL() {
			return tab, nil
		}
		if err := tab.navigate(ctx, p.mgr, t.URL); err != nil {
			return nil, err
		}
		return tab, nil
	}

	tab, err := OpenTab(ctx, p.mgr, t.URL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if prev, ok := p.tabs[t.ID]; ok {
		p.mu.Unlock()
		_ = tab.Close()
		return prev, nil
	}
	p.tabs[t.ID] = tab
	p.mu.Unlock()

	p.mgr.cfg.Logger.Debug("browser: tab opened", "target", t.ID, "url", t.URL)
	return tab, nil
}

// Select opens the tab of t and selects the contents of the first element
// matching css.
func (p *Pool) Select(ctx context.Context, t dispatch.Target, css string) error {
	tab, err := p.Open(ctx, t)
	if err != nil {
		return err
	}
	return tab.SelectContents(ctx, css)
}

// Tab returns the open tab of targetID.
func (p *Pool) Tab(targetID string) (*Tab, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tab, ok := p.tabs[targetID]
	return tab, ok
}

// Close closes the tab of targetID.
func (p *Pool) Close(targetID string) error {
	p.mu.Lock()
	tab, ok := p.tabs[targetID]
	delete(p.tabs, targetID)
	hooks := p.onClose
	p.mu.Unlock()

	if !ok {
		return nil
	}
	for _, fn := range hooks {
		fn(targetID)
	}
	return tab.Close()
}

// CloseAll closes every tab.
func (p *Pool) CloseAll() {
	for _, id := range p.ids() {
		if err := p.Close(id); err != nil {
			p.mgr.cfg.Logger.Debug("browser: close tab", "target", id, "error", err)
		}
	}
}

// dropAll forgets every tab without touching Chrome, which is already gone.
// It runs under the manager lock and must not call back into it.
func (p *Pool) dropAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tabs))
	for id := range p.tabs {
		ids = append(ids, id)
	}
	p.tabs = make(map[string]*Tab)
	hooks := p.onClose
	p.mu.Unlock()

	for _, id := range ids {
		for _, fn := range hooks {
			fn(id)
		}
	}
}

func (p *Pool) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tabs))
	for id := range p.tabs {
		ids = append(ids, id)
	}
	return ids
}
