package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// pluralTypes maps the config spelling to the CDP resource type.
var pluralTypes = map[string]string{
	"images":      "image",
	"fonts":       "font",
	"stylesheets": "stylesheet",
	"scripts":     "script",
}

// blockSet lowercases CDP resource types named in Config.ResourceBlocking.
// Both "images" and "image" block images; other CDP types pass through.
func blockSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if t, ok := pluralTypes[n]; ok {
			n = t
		}
		set[n] = true
	}
	return set
}

// blockResources fails the page's requests for blocked types. Captures only
// need the DOM. It returns nil when nothing is blocked.
func blockResources(page *rod.Page, names []string) *rod.HijackRouter {
	blocked := blockSet(names)
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[strings.ToLower(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
