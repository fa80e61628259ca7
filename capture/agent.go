// Package capture implements the in-page agent that serializes the document
// or the user's selection in answer to controller commands.
//
// The agent only reads the page. Every command overwrites the agent's last
// capture, and the same capture is returned inside the acknowledgment, so
// concurrent callers never need the shared record.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/scout/locator"
	"github.com/hazyhaar/scout/message"
)

// ErrNoSelection is returned by CaptureSelection when nothing is selected.
var ErrNoSelection = errors.New("capture: no selection")

// Payload is a captured fragment.
type Payload = message.Capture

// Announcer receives the agent's liveness handshake.
type Announcer interface {
	Hello(ctx context.Context, h message.Hello) (message.HelloAck, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// Agent answers capture commands for one page.
type Agent struct {
	page   Page
	logger *slog.Logger

	mu        sync.Mutex
	last      *Payload
	contextID string
}

// NewAgent binds an agent to page.
func NewAgent(page Page, opts ...Option) *Agent {
	a := &Agent{page: page, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// CaptureFullPage serializes the document element.
func (a *Agent) CaptureFullPage(ctx context.Context) (Payload, error) {
	doc, err := a.page.Document(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("capture: document: %w", err)
	}
	out, err := render(documentElement(doc))
	if err != nil {
		return Payload{}, err
	}
	return Payload{Mode: message.ModeFull, HTML: out}, nil
}

// CaptureSelection serializes the element enclosing the first selection
// range and computes its locator. A common ancestor that is a text node is
// promoted to its parent element.
func (a *Agent) CaptureSelection(ctx context.Context) (Payload, error) {
	sel, err := a.page.Selection(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("capture: selection: %w", err)
	}
	if sel.Empty() {
		return Payload{}, ErrNoSelection
	}

	n := sel.Ranges[0].CommonAncestor()
	for n != nil && n.Type != html.ElementNode {
		if n.Type == html.DocumentNode {
			n = documentElement(n)
			break
		}
		n = n.Parent
	}
	if n == nil {
		return Payload{}, ErrNoSelection
	}

	out, err := render(n)
	if err != nil {
		return Payload{}, err
	}
	loc := locator.Of(n)
	a.verify(ctx, n, loc)
	return Payload{Mode: message.ModeSelection, HTML: out, Locator: &loc}, nil
}

// Handle executes cmd and reports the outcome. It never returns an error:
// failures are encoded in the Ack.
func (a *Agent) Handle(ctx context.Context, cmd message.Command) message.Ack {
	a.mu.Lock()
	a.last = nil
	a.mu.Unlock()

	var (
		p   Payload
		err error
		msg string
	)
	switch cmd.Action {
	case message.ActionCaptureFullPage:
		p, err = a.CaptureFullPage(ctx)
		msg = "Full page captured"
	case message.ActionCaptureSelection:
		p, err = a.CaptureSelection(ctx)
		msg = "Selection captured"
	default:
		return message.Ack{Error: fmt.Sprintf("unknown action %q", cmd.Action)}
	}

	if errors.Is(err, ErrNoSelection) {
		a.logger.WarnContext(ctx, "capture: no selection", "url", a.page.URL())
		return message.Ack{Error: message.NoSelectionText}
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "capture: failed", "action", cmd.Action, "error", err)
		return message.Ack{Error: err.Error()}
	}

	a.mu.Lock()
	a.last = &p
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "capture: done",
		"action", cmd.Action, "url", a.page.URL(), "bytes", len(p.HTML))
	return message.Ack{Success: true, Message: msg, Capture: &p}
}

// HandleMessage is Handle over JSON bytes, suitable for a message bus.
func (a *Agent) HandleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	var cmd message.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("capture: decode command: %w", err)
	}
	return message.Encode(a.Handle(ctx, cmd))
}

// Last returns the capture produced by the most recent command, if any.
func (a *Agent) Last() (Payload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Payload{}, false
	}
	return *a.last, true
}

// Announce sends the liveness handshake. A failed handshake is logged and
// otherwise ignored: the controller falls back to injection.
func (a *Agent) Announce(ctx context.Context, to Announcer) {
	ack, err := to.Hello(ctx, message.Hello{
		Action: message.ActionContentScriptLoaded,
		URL:    a.page.URL(),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "capture: handshake failed", "url", a.page.URL(), "error", err)
		return
	}
	a.mu.Lock()
	a.contextID = ack.ContextID
	a.mu.Unlock()
	a.logger.DebugContext(ctx, "capture: handshake acknowledged",
		"url", a.page.URL(), "context_id", ack.ContextID)
}

// ContextID returns the id assigned by the controller during Announce.
func (a *Agent) ContextID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contextID
}

// verify logs when the generated XPath does not resolve back to n.
func (a *Agent) verify(ctx context.Context, n *html.Node, loc locator.Locator) {
	if got := locator.ResolveXPath(rootOf(n), loc.XPath); len(got) != 1 || got[0] != n {
		a.logger.DebugContext(ctx, "capture: xpath not unique",
			"xpath", loc.XPath, "matches", len(got))
	}
}

func documentElement(doc *html.Node) *html.Node {
	if doc == nil || doc.Type != html.DocumentNode {
		return doc
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return doc
}

func rootOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func render(n *html.Node) (string, error) {
	if n == nil {
		return "", fmt.Errorf("capture: empty document")
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", fmt.Errorf("capture: render: %w", err)
	}
	return buf.String(), nil
}
