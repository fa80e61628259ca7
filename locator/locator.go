// Package locator computes the XPath and CSS selector pair that identifies an
// element inside a parsed HTML document.
//
// Both generators are total: any input that is not an element yields "".
// Selectors are best effort. A class compound is only used when it matches a
// single element at generation time; elements sharing their classes fall back
// to the parent-relative form, which is not guaranteed to stay unique once
// the document changes.
package locator

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Locator is the pair of strings sent alongside a captured fragment.
type Locator struct {
	XPath       string `json:"xpath"`
	CSSSelector string `json:"cssSelector"`
}

// Empty reports whether neither selector could be computed.
func (l Locator) Empty() bool {
	return l.XPath == "" && l.CSSSelector == ""
}

// Of returns both selectors for n.
func Of(n *html.Node) Locator {
	return Locator{XPath: XPathOf(n), CSSSelector: CSSSelectorOf(n)}
}

// XPathOf returns an XPath for n. An element carrying an id is anchored at
// //*[@id="..."]; body is /html/body; everything else is the parent path
// followed by the tag and its 1-based position among same-tag siblings.
func XPathOf(n *html.Node) string {
	if !isElement(n) {
		return ""
	}
	if id := attr(n, "id"); id != "" {
		return fmt.Sprintf(`//*[@id="%s"]`, id)
	}
	if isBody(n) {
		return "/html/body"
	}
	return fmt.Sprintf("%s/%s[%d]", XPathOf(n.Parent), n.Data, sameTagIndex(n))
}

// CSSSelectorOf returns a CSS selector for n, preferring #id, then body, then
// a class compound that matches exactly once in n's document, then
// "<parent> > <tag>".
func CSSSelectorOf(n *html.Node) string {
	if !isElement(n) {
		return ""
	}
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	if isBody(n) {
		return "body"
	}
	if classes := strings.Fields(attr(n, "class")); len(classes) > 0 {
		sel := "." + strings.Join(classes, ".")
		if countMatches(root(n), sel) == 1 {
			return sel
		}
	}
	parent := CSSSelectorOf(n.Parent)
	if parent == "" {
		return n.Data
	}
	return parent + " > " + n.Data
}

// sameTagIndex counts preceding element siblings with n's tag, plus n itself.
func sameTagIndex(n *html.Node) int {
	idx := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			idx++
		}
	}
	return idx
}

// countMatches runs sel against the whole tree containing n. Selectors that
// fail to compile match nothing.
func countMatches(top *html.Node, sel string) int {
	return goquery.NewDocumentFromNode(top).Find(sel).Length()
}

func root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func isElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

func isBody(n *html.Node) bool {
	return n.DataAtom == atom.Body
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}
