package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"

	"github.com/hazyhaar/scout/capture"
)

// ErrNoBrowser is returned when a tab is requested before Start.
var ErrNoBrowser = errors.New("browser: no active browser")

// selectionPathJS returns the element-children index path, from the document
// element, of the element enclosing the first selection range. Text ancestors
// are promoted to their parent. "" means no range.
const selectionPathJS = `() => {
	const s = window.getSelection();
	if (!s || s.rangeCount === 0) return "";
	let n = s.getRangeAt(0).commonAncestorContainer;
	if (n.nodeType !== Node.ELEMENT_NODE) n = n.parentElement;
	if (!n) return "";
	const path = [];
	while (n && n !== document.documentElement) {
		const p = n.parentElement;
		if (!p) return "";
		path.unshift(Array.prototype.indexOf.call(p.children, n));
		n = p;
	}
	return JSON.stringify(path);
}`

const selectContentsJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	const r = document.createRange();
	r.selectNodeContents(el);
	const s = window.getSelection();
	s.removeAllRanges();
	s.addRange(r);
	return true;
}`

// Tab is a live Chrome page usable as a capture.Page.
type Tab struct {
	page   *rod.Page
	router *rod.HijackRouter

	mu  sync.RWMutex
	url string
}

var _ capture.Page = (*Tab)(nil)

// OpenTab creates a tab on mgr's browser and navigates it to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, ErrNoBrowser
	}

	var (
		page *rod.Page
		err  error
	)
	if *mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{page: page}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		t.router = blockResources(page, mgr.cfg.ResourceBlocking)
	}
	if err := t.navigate(ctx, mgr, pageURL); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tab) navigate(ctx context.Context, mgr *Manager, pageURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()

	if err := t.page.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := t.page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	t.mu.Lock()
	t.url = pageURL
	t.mu.Unlock()
	return nil
}

// URL returns the address the tab was last navigated to.
func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// Document parses the tab's current DOM.
func (t *Tab) Document(ctx context.Context) (*html.Node, error) {
	src, err := t.outerHTML(ctx)
	if err != nil {
		return nil, err
	}
	return parse(src)
}

// Selection resolves the live selection against a fresh parse of the DOM.
// The returned range spans the enclosing element itself.
func (t *Tab) Selection(ctx context.Context) (capture.Selection, error) {
	res, err := t.page.Context(ctx).Eval(selectionPathJS)
	if err != nil {
		return capture.Selection{}, fmt.Errorf("browser: read selection: %w", err)
	}
	raw := res.Value.Str()
	if raw == "" {
		return capture.Selection{}, nil
	}
	var path []int
	if err := json.Unmarshal([]byte(raw), &path); err != nil {
		return capture.Selection{}, fmt.Errorf("browser: decode selection path: %w", err)
	}

	doc, err := t.Document(ctx)
	if err != nil {
		return capture.Selection{}, err
	}
	el := nodeAtPath(doc, path)
	if el == nil {
		return capture.Selection{}, fmt.Errorf("browser: selection path %v not in document", path)
	}
	return capture.Selection{Ranges: []capture.Range{{Start: el, End: el}}}, nil
}

// SelectContents selects the contents of the first element matching css,
// as a user dragging across it would.
func (t *Tab) SelectContents(ctx context.Context, css string) error {
	res, err := t.page.Context(ctx).Eval(selectContentsJS, css)
	if err != nil {
		return fmt.Errorf("browser: select %q: %w", css, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: %q matches nothing", css)
	}
	return nil
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
	}
	return t.page.Close()
}

func (t *Tab) outerHTML(ctx context.Context) (string, error) {
	res, err := t.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func parse(src string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("browser: parse DOM: %w", err)
	}
	return doc, nil
}

// nodeAtPath follows element-children indices from the document element.
func nodeAtPath(doc *html.Node, path []int) *html.Node {
	n := firstElement(doc)
	for _, idx := range path {
		if n == nil || idx < 0 {
			return nil
		}
		n = nthElement(n, idx)
	}
	return n
}

func firstElement(n *html.Node) *html.Node {
	return nthElement(n, 0)
}

func nthElement(parent *html.Node, idx int) *html.Node {
	i := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if i == idx {
			return c
		}
		i++
	}
	return nil
}
