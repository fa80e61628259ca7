package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/scout/locator"
)

// Page is the document an agent runs inside.
type Page interface {
	URL() string
	// Document returns the current DOM. Callers must not modify it.
	Document(ctx context.Context) (*html.Node, error)
	// Selection returns the user's current selection, possibly empty.
	Selection(ctx context.Context) (Selection, error)
}

// Range is one contiguous selection between two nodes of the same tree.
type Range struct {
	Start *html.Node
	End   *html.Node
}

// CommonAncestor returns the deepest node containing both ends, which may
// be a text node when the range lies inside one.
func (r Range) CommonAncestor() *html.Node {
	if r.Start == nil {
		return r.End
	}
	if r.End == nil {
		return r.Start
	}
	seen := make(map[*html.Node]bool)
	for n := r.Start; n != nil; n = n.Parent {
		seen[n] = true
	}
	for n := r.End; n != nil; n = n.Parent {
		if seen[n] {
			return n
		}
	}
	return nil
}

// Selection holds the ranges of a user selection.
type Selection struct {
	Ranges []Range
}

// Empty reports whether the selection has no ranges.
func (s Selection) Empty() bool { return len(s.Ranges) == 0 }

// StaticPage is a Page over parsed HTML with a programmable selection. It
// backs one-shot captures of fetched markup and tests.
type StaticPage struct {
	url string
	doc *html.Node

	mu  sync.RWMutex
	sel Selection
}

// NewStaticPage parses src as the document served at pageURL.
func NewStaticPage(pageURL, src string) (*StaticPage, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("capture: parse %s: %w", pageURL, err)
	}
	return &StaticPage{url: pageURL, doc: doc}, nil
}

func (p *StaticPage) URL() string { return p.url }

func (p *StaticPage) Document(context.Context) (*html.Node, error) {
	return p.doc, nil
}

func (p *StaticPage) Selection(context.Context) (Selection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Selection{Ranges: append([]Range(nil), p.sel.Ranges...)}, nil
}

// SelectNodes replaces the selection with a single range.
func (p *StaticPage) SelectNodes(start, end *html.Node) {
	p.mu.Lock()
	p.sel = Selection{Ranges: []Range{{Start: start, End: end}}}
	p.mu.Unlock()
}

// SelectContents selects the children of the first element matching the CSS
// selector, the way a user drags across an element's text.
func (p *StaticPage) SelectContents(css string) error {
	return p.selectFirst(css, locator.ResolveCSS(p.doc, css))
}

// SelectXPath behaves like SelectContents with an XPath.
func (p *StaticPage) SelectXPath(xpath string) error {
	return p.selectFirst(xpath, locator.ResolveXPath(p.doc, xpath))
}

// ClearSelection removes every range.
func (p *StaticPage) ClearSelection() {
	p.mu.Lock()
	p.sel = Selection{}
	p.mu.Unlock()
}

func (p *StaticPage) selectFirst(expr string, matches []*html.Node) error {
	if len(matches) == 0 {
		return fmt.Errorf("capture: %q matches nothing", expr)
	}
	el := matches[0]
	start, end := el.FirstChild, el.LastChild
	if start == nil {
		start, end = el, el
	}
	p.SelectNodes(start, end)
	return nil
}
