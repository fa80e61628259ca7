package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/connectivity"
	"github.com/hazyhaar/scout/message"
)

// PageSource opens the page behind a target so an agent can be bound to it.
type PageSource interface {
	Page(ctx context.Context, t Target) (capture.Page, error)
}

// PageFunc adapts a function to PageSource.
type PageFunc func(ctx context.Context, t Target) (capture.Page, error)

func (f PageFunc) Page(ctx context.Context, t Target) (capture.Page, error) { return f(ctx, t) }

// Handshaker acknowledges agent handshakes. *Controller implements it.
type Handshaker interface {
	Hello(ctx context.Context, t Target, h message.Hello) message.HelloAck
}

// LocalTransport hosts agents in-process on a connectivity bus, one handler
// per target id. Injection binds a fresh agent to the target's page.
//
// An agent belongs to the URL it was injected for. A send to the same id
// with another URL is a navigation: the old agent is dropped and the send
// reports ErrNoReceiver so the controller injects into the new page.
type LocalTransport struct {
	bus    *connectivity.Router
	pages  PageSource
	logger *slog.Logger

	mu          sync.RWMutex
	hs          Handshaker
	injectCount map[string]int
	boundURL    map[string]string
}

// NewLocalTransport creates a transport over bus that opens pages via pages.
func NewLocalTransport(bus *connectivity.Router, pages PageSource, logger *slog.Logger) *LocalTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTransport{
		bus:         bus,
		pages:       pages,
		logger:      logger,
		injectCount: make(map[string]int),
		boundURL:    make(map[string]string),
	}
}

// SetHandshaker sets who receives the handshake of injected agents.
func (lt *LocalTransport) SetHandshaker(h Handshaker) {
	lt.mu.Lock()
	lt.hs = h
	lt.mu.Unlock()
}

// Send implements Transport.
func (lt *LocalTransport) Send(ctx context.Context, t Target, cmd message.Command) (message.Ack, error) {
	if lt.navigated(t) {
		lt.logger.DebugContext(ctx, "dispatch: target navigated, agent dropped", "target", t.ID, "url", t.URL)
		return message.Ack{}, fmt.Errorf("%w: %s navigated", ErrNoReceiver, t.ID)
	}
	payload, err := message.Encode(cmd)
	if err != nil {
		return message.Ack{}, err
	}
	resp, err := lt.bus.Call(ctx, t.ID, payload)
	if err != nil {
		var nr *connectivity.ErrNotRegistered
		if errors.As(err, &nr) {
			return message.Ack{}, fmt.Errorf("%w: %s", ErrNoReceiver, t.ID)
		}
		return message.Ack{}, err
	}
	return message.Decode[message.Ack](resp)
}

// Inject implements Transport. The agent announces itself before Inject
// returns.
func (lt *LocalTransport) Inject(ctx context.Context, t Target) error {
	page, err := lt.pages.Page(ctx, t)
	if err != nil {
		return fmt.Errorf("dispatch: open page %s: %w", t.ID, err)
	}
	agent := capture.NewAgent(page, capture.WithLogger(lt.logger))
	lt.bus.RegisterLocal(t.ID, agent.HandleMessage)

	lt.mu.Lock()
	lt.injectCount[t.ID]++
	lt.boundURL[t.ID] = t.URL
	hs := lt.hs
	lt.mu.Unlock()

	if hs != nil {
		agent.Announce(ctx, announcer{hs: hs, t: t})
	}
	return nil
}

// Detach removes the agent of targetID, as when its page navigates away.
func (lt *LocalTransport) Detach(targetID string) bool {
	lt.mu.Lock()
	delete(lt.boundURL, targetID)
	lt.mu.Unlock()
	return lt.bus.Unregister(targetID)
}

// navigated unregisters the agent of t when it was injected for another URL.
func (lt *LocalTransport) navigated(t Target) bool {
	lt.mu.Lock()
	bound, ok := lt.boundURL[t.ID]
	stale := ok && t.URL != "" && bound != t.URL
	if stale {
		delete(lt.boundURL, t.ID)
	}
	lt.mu.Unlock()
	if stale {
		lt.bus.Unregister(t.ID)
	}
	return stale
}

// Injections returns how many times an agent was injected into targetID.
func (lt *LocalTransport) Injections(targetID string) int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.injectCount[targetID]
}

type announcer struct {
	hs Handshaker
	t  Target
}

func (a announcer) Hello(ctx context.Context, h message.Hello) (message.HelloAck, error) {
	return a.hs.Hello(ctx, a.t, h), nil
}
