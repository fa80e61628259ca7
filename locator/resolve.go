package locator

import (
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ResolveXPath evaluates the XPath subset produced by XPathOf against doc:
//
//	/html/body/div[2]        absolute steps with positional predicates
//	//*[@id="main"]/ul[1]    id anchor followed by relative steps
//	//article                descendant search by tag
func ResolveXPath(doc *html.Node, xpath string) []*html.Node {
	xpath = strings.TrimSpace(xpath)
	if doc == nil || xpath == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(xpath, "//"); ok {
		first, tail := cutStep(rest)
		var matches []*html.Node
		walk(doc, func(n *html.Node) {
			if first.matches(n) {
				matches = append(matches, n)
			}
		})
		return followSteps(matches, tail)
	}
	if rest, ok := strings.CutPrefix(xpath, "/"); ok {
		return followSteps([]*html.Node{doc}, rest)
	}
	return nil
}

// ResolveCSS returns every element under doc matching sel, or nil when sel
// does not compile.
func ResolveCSS(doc *html.Node, sel string) []*html.Node {
	if doc == nil || strings.TrimSpace(sel) == "" {
		return nil
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		return nil
	}
	return s.MatchAll(doc)
}

// followSteps applies slash-separated child steps to every node in from.
func followSteps(from []*html.Node, path string) []*html.Node {
	current := from
	for path != "" {
		var st step
		st, path = cutStep(path)
		if st.tag == "" {
			continue
		}
		var next []*html.Node
		for _, p := range current {
			for c := p.FirstChild; c != nil; c = c.NextSibling {
				if st.matches(c) {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return current
}

// step is one location step: a tag test plus an optional predicate.
type step struct {
	tag       string
	attrName  string
	attrValue string
	position  int // 1-based, 0 when absent
}

// cutStep splits the first step off path. Slashes inside a predicate
// (an id value such as "a/b") do not end the step.
func cutStep(path string) (step, string) {
	depth := 0
	end := len(path)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '/':
			if depth == 0 {
				end = i
			}
		}
		if end != len(path) {
			break
		}
	}
	rest := ""
	if end < len(path) {
		rest = path[end+1:]
	}
	return parseStep(path[:end]), rest
}

func parseStep(s string) step {
	open := strings.IndexByte(s, '[')
	if open < 0 {
		return step{tag: s}
	}
	st := step{tag: s[:open]}
	pred := strings.TrimSuffix(s[open+1:], "]")

	if n, err := strconv.Atoi(pred); err == nil {
		st.position = n
		return st
	}
	if expr, ok := strings.CutPrefix(pred, "@"); ok {
		if name, val, found := strings.Cut(expr, "="); found {
			st.attrName = name
			st.attrValue = strings.Trim(val, `'"`)
		} else {
			st.attrName = expr
		}
	}
	return st
}

func (st step) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if st.tag != "*" && n.Data != st.tag {
		return false
	}
	if st.attrName != "" {
		for _, a := range n.Attr {
			if a.Key == st.attrName {
				return st.attrValue == "" || a.Val == st.attrValue
			}
		}
		return false
	}
	if st.position > 0 {
		return sameTagIndex(n) == st.position
	}
	return true
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
