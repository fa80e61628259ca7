// Package dispatch delivers capture commands from the controller to the
// agent of exactly one target context.
//
// A delivery first sends directly. When the transport reports that nothing
// received the command, the agent is injected, the controller waits a settle
// delay for the agent's handshake, and the command is sent exactly once more.
// A second failure ends the delivery with *DeliveryError. Targets on
// browser-internal schemes are refused before any I/O.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/message"
)

// DefaultSettleDelay is the wait between injection and the retried send.
const DefaultSettleDelay = 500 * time.Millisecond

// DefaultRestrictedSchemes never host an agent.
var DefaultRestrictedSchemes = []string{
	"about", "chrome", "chrome-extension", "chrome-search", "devtools",
	"edge", "moz-extension", "restricted", "view-source",
}

// Target is one page context.
type Target struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Transport moves commands into a target context.
type Transport interface {
	// Send delivers cmd and returns the agent's acknowledgment. It returns
	// an error wrapping ErrNoReceiver when no agent is listening.
	Send(ctx context.Context, t Target, cmd message.Command) (message.Ack, error)
	// Inject loads an agent into the target context.
	Inject(ctx context.Context, t Target) error
}

// Delivery records the outcome of one Deliver call.
type Delivery struct {
	Ack      message.Ack
	Trace    []State
	Attempts int
	Injected bool
}

// Final is the last state reached.
func (d Delivery) Final() State {
	if len(d.Trace) == 0 {
		return Idle
	}
	return d.Trace[len(d.Trace)-1]
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) { c.settle = d }
}

// WithRestrictedSchemes replaces DefaultRestrictedSchemes.
func WithRestrictedSchemes(schemes ...string) Option {
	return func(c *Controller) {
		c.restricted = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			c.restricted[strings.ToLower(strings.TrimSuffix(s, ":"))] = true
		}
	}
}

// WithIDGenerator sets the generator for handshake context ids.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *Controller) { c.newID = g }
}

// OnTransition registers fn to observe every state change.
func OnTransition(fn func(t Target, from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller owns command delivery and agent residency.
type Controller struct {
	transport    Transport
	settle       time.Duration
	restricted   map[string]bool
	newID        idgen.Generator
	onTransition func(Target, State, State)
	sleep        func(context.Context, time.Duration) error
	logger       *slog.Logger

	mu       sync.RWMutex
	resident map[string]string // target id -> context id
}

// New creates a Controller delivering through tr.
func New(tr Transport, opts ...Option) *Controller {
	c := &Controller{
		transport: tr,
		settle:    DefaultSettleDelay,
		newID:     idgen.Context,
		sleep:     sleepContext,
		logger:    slog.Default(),
		resident:  make(map[string]string),
	}
	WithRestrictedSchemes(DefaultRestrictedSchemes...)(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Deliver sends cmd to t, injecting the agent once if it is absent.
func (c *Controller) Deliver(ctx context.Context, t Target, cmd message.Command) (Delivery, error) {
	r := &run{c: c, t: t, trace: []State{Idle}}

	if scheme, ok := c.Restricted(t.URL); ok {
		r.to(Failed)
		c.logger.InfoContext(ctx, "dispatch: restricted target", "target", t.ID, "scheme", scheme)
		return r.result(), &UnsupportedTargetError{URL: t.URL, Scheme: scheme}
	}

	r.to(Sending)
	ack, err := r.send(ctx, cmd)
	if err == nil {
		r.ack = ack
		r.to(Delivered)
		return r.result(), nil
	}
	if !errors.Is(err, ErrNoReceiver) {
		r.to(Failed)
		c.logger.WarnContext(ctx, "dispatch: send failed", "target", t.ID, "error", err)
		return r.result(), &DeliveryError{TargetID: t.ID, Attempts: r.attempts, Err: err}
	}

	c.Forget(t.ID)
	r.to(Injecting)
	r.injected = true
	c.logger.InfoContext(ctx, "dispatch: no receiver, injecting agent", "target", t.ID, "url", t.URL)
	injectErr := c.transport.Inject(ctx, t)
	if injectErr != nil {
		c.logger.WarnContext(ctx, "dispatch: inject failed", "target", t.ID, "error", injectErr)
	}

	if err := c.sleep(ctx, c.settle); err != nil {
		r.to(Failed)
		return r.result(), &DeliveryError{TargetID: t.ID, Attempts: r.attempts, Err: errors.Join(injectErr, err)}
	}

	r.to(Retrying)
	ack, err = r.send(ctx, cmd)
	if err != nil {
		r.to(Failed)
		c.logger.WarnContext(ctx, "dispatch: retry failed", "target", t.ID, "error", err)
		return r.result(), &DeliveryError{TargetID: t.ID, Attempts: r.attempts, Err: errors.Join(injectErr, err)}
	}
	r.ack = ack
	r.to(Delivered)
	return r.result(), nil
}

// HandleMenu maps a context-menu item to its capture command and delivers it.
func (c *Controller) HandleMenu(ctx context.Context, item string, t Target) (Delivery, error) {
	cmd, ok := MenuCommand(item)
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %q", ErrUnknownMenuItem, item)
	}
	return c.Deliver(ctx, t, cmd)
}

// MenuCommand returns the command bound to a context-menu item.
func MenuCommand(item string) (message.Command, bool) {
	switch item {
	case message.MenuCrawlFullPage:
		return message.Command{Action: message.ActionCaptureFullPage}, true
	case message.MenuCrawlSelection:
		return message.Command{Action: message.ActionCaptureSelection}, true
	}
	return message.Command{}, false
}

// Hello acknowledges an agent's handshake and marks t resident.
func (c *Controller) Hello(ctx context.Context, t Target, h message.Hello) message.HelloAck {
	id := c.newID()
	c.mu.Lock()
	c.resident[t.ID] = id
	c.mu.Unlock()
	c.logger.DebugContext(ctx, "dispatch: agent resident", "target", t.ID, "context_id", id, "url", h.URL)
	return message.HelloAck{Status: message.StatusAcknowledged, ContextID: id}
}

// Resident returns the context id of t's agent, if it has announced itself.
func (c *Controller) Resident(targetID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.resident[targetID]
	return id, ok
}

// Forget drops the residency record for targetID.
func (c *Controller) Forget(targetID string) {
	c.mu.Lock()
	delete(c.resident, targetID)
	c.mu.Unlock()
}

// Restricted reports whether rawURL uses a scheme that never hosts an agent.
func (c *Controller) Restricted(rawURL string) (string, bool) {
	scheme, _, found := strings.Cut(strings.TrimSpace(rawURL), ":")
	if !found {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	return scheme, c.restricted[scheme]
}

// run is the state of one Deliver call.
type run struct {
	c        *Controller
	t        Target
	trace    []State
	attempts int
	injected bool
	ack      message.Ack
}

func (r *run) to(next State) {
	cur := r.trace[len(r.trace)-1]
	if !canTransition(cur, next) {
		panic(fmt.Sprintf("dispatch: illegal transition %s -> %s", cur, next))
	}
	r.trace = append(r.trace, next)
	if r.c.onTransition != nil {
		r.c.onTransition(r.t, cur, next)
	}
}

func (r *run) send(ctx context.Context, cmd message.Command) (message.Ack, error) {
	r.attempts++
	return r.c.transport.Send(ctx, r.t, cmd)
}

func (r *run) result() Delivery {
	return Delivery{Ack: r.ack, Trace: r.trace, Attempts: r.attempts, Injected: r.injected}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
