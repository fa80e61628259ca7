package extraction

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/locator"
	"github.com/hazyhaar/scout/message"
)

// MaxHTMLChars is the number of characters of markup sent to the model.
const MaxHTMLChars = 50_000

// TruncationMarker is appended to markup cut at MaxHTMLChars.
const TruncationMarker = "\n<!-- ... HTML truncated ... -->"

// NoExplanation is the explanation used when the response has none.
const NoExplanation = "No explanation generated."

// DefaultQuery replaces an empty user query.
const DefaultQuery = "Extract the main data from this page."

const systemPrompt = "You are an expert web scraping engineer. " +
	"Given HTML and a data requirement, you write clean, working extraction code " +
	"and briefly explain how it works."

// Request is everything one extraction call sends.
type Request struct {
	HTML           string
	Query          string
	Mode           string
	Locator        *locator.Locator
	PageURL        string
	TargetLanguage string
	Model          string
}

// NewRequest assembles a Request from a capture and the current config.
// max <= 0 means MaxHTMLChars.
func NewRequest(p capture.Payload, query, pageURL string, cfg Config, max int) Request {
	lang := cfg.DefaultLanguage
	if strings.TrimSpace(lang) == "" {
		lang = DefaultLanguage
	}
	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return Request{
		HTML:           TruncateN(p.HTML, max),
		Query:          query,
		Mode:           p.Mode,
		Locator:        p.Locator,
		PageURL:        pageURL,
		TargetLanguage: lang,
		Model:          model,
	}
}

// Truncate caps html at MaxHTMLChars characters and appends
// TruncationMarker. Output of Truncate is a fixed point.
func Truncate(html string) string {
	return TruncateN(html, MaxHTMLChars)
}

// TruncateN is Truncate with a custom limit.
func TruncateN(html string, max int) string {
	if max <= 0 {
		max = MaxHTMLChars
	}
	n := utf8.RuneCountInString(html)
	if n <= max {
		return html
	}
	if strings.HasSuffix(html, TruncationMarker) && n-utf8.RuneCountInString(TruncationMarker) == max {
		return html
	}
	i, count := 0, 0
	for i = range html {
		if count == max {
			break
		}
		count++
	}
	return html[:i] + TruncationMarker
}

// Prompt renders the system and user messages for r.
func (r Request) Prompt() (system, user string) {
	query := strings.TrimSpace(r.Query)
	if query == "" {
		query = DefaultQuery
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write %s code that extracts data from the web page at %s.\n", r.TargetLanguage, r.PageURL)
	fmt.Fprintf(&b, "Requirement: %s\n", query)
	if r.Mode == message.ModeSelection && r.Locator != nil {
		b.WriteString("Scope: the user selected one element of the page. Its HTML is given below.\n")
		fmt.Fprintf(&b, "XPath: %s\n", r.Locator.XPath)
		fmt.Fprintf(&b, "CSS selector: %s\n", r.Locator.CSSSelector)
	} else {
		b.WriteString("Scope: the full page. The complete HTML is given below.\n")
	}
	b.WriteString("Answer with the code in one fenced code block, followed by a short explanation.\n\n")
	b.WriteString("```html\n")
	b.WriteString(r.HTML)
	b.WriteString("\n```")
	return systemPrompt, b.String()
}

// fence matches the first fenced block: an optional language tag line, then
// the body up to the nearest closing fence.
var fence = regexp.MustCompile("(?s)```([\\w+#.-]*[ \\t]*\\r?\\n)?(.*?)```")

// ParseResponse splits a model answer into code and explanation. Only the
// first fenced block is used; later blocks stay in the explanation.
func ParseResponse(text string) message.Result {
	m := fence.FindStringSubmatchIndex(text)
	if m == nil {
		return message.Result{Code: text, Explanation: NoExplanation}
	}
	code := strings.TrimSpace(text[m[4]:m[5]])
	explanation := strings.TrimSpace(text[:m[0]] + text[m[1]:])
	if code == "" {
		code = text
	}
	if explanation == "" {
		explanation = NoExplanation
	}
	return message.Result{Code: code, Explanation: explanation}
}
