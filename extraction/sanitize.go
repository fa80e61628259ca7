package extraction

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// stripPolicy keeps document structure and the attributes extraction code
// selects on (id, class, data-*, form fields) and drops scripts, styles and
// event handlers.
func stripPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.RequireNoFollowOnLinks(false)
		p.AllowElements("main", "nav", "form", "label", "button", "select", "option", "textarea", "input", "time")
		p.AllowAttrs("id", "class", "role", "title").Globally()
		p.AllowDataAttributes()
		p.AllowAttrs("name", "type", "value", "placeholder").OnElements("input", "button", "select", "option", "textarea")
		p.AllowAttrs("datetime").OnElements("time")
		policy = p
	})
	return policy
}

// Sanitize removes markup that carries no extractable data. It runs before
// truncation so the character budget goes to content.
func Sanitize(html string) string {
	return stripPolicy().Sanitize(html)
}
