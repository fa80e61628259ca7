// Package scout wires the capture pipeline into one service: the dispatch
// controller reaches the agent of a target page, the agent answers with the
// captured fragment and its locators, and the extraction client turns the
// fragment plus a query into code. The service is exposed over HTTP and as
// MCP tools.
package scout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/connectivity"
	"github.com/hazyhaar/scout/dispatch"
	"github.com/hazyhaar/scout/extraction"
	"github.com/hazyhaar/scout/horosafe"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/message"
	"github.com/hazyhaar/scout/settings"
)

// Selector sets the user selection on a target's page before a capture.
// browser.Pool implements it.
type Selector interface {
	Select(ctx context.Context, t dispatch.Target, css string) error
}

// Config tunes a Service. Zero values select the package defaults.
type Config struct {
	SettleDelay       time.Duration
	RestrictedSchemes []string

	// ExtractTimeout bounds each model call. 0 leaves only the request context.
	ExtractTimeout time.Duration
	MaxHTMLChars   int
	HTTPClient     *http.Client

	// SanitizeHTML strips scripts, styles and event handlers from captures
	// before they reach the model.
	SanitizeHTML bool

	// AllowPrivateTargets lets captures reach loopback and private hosts.
	AllowPrivateTargets bool

	// HandlerTimeout bounds one agent round trip on the bus. Default: 30s.
	HandlerTimeout time.Duration
}

func (c *Config) defaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = dispatch.DefaultSettleDelay
	}
	if c.MaxHTMLChars <= 0 {
		c.MaxHTMLChars = extraction.MaxHTMLChars
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
}

// Service is the capture-and-extract pipeline.
type Service struct {
	cfg       Config
	bus       *connectivity.Router
	transport *dispatch.LocalTransport
	ctl       *dispatch.Controller
	client    *extraction.Client
	settings  *settings.Store
	selector  Selector
	logger    *slog.Logger
}

// New builds a Service whose agents run on pages from pages and whose model
// calls read options from store. If pages also implements Selector, captures
// may carry a CSS selection.
func New(pages dispatch.PageSource, store *settings.Store, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	bus := connectivity.New(
		connectivity.WithLogger(logger),
		connectivity.WithMiddleware(
			connectivity.Recovery(logger),
			connectivity.Logging(logger),
			connectivity.Timeout(cfg.HandlerTimeout),
		),
	)
	lt := dispatch.NewLocalTransport(bus, pages, logger)

	ctlOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithSettleDelay(cfg.SettleDelay),
		dispatch.OnTransition(func(t dispatch.Target, from, to dispatch.State) {
			logger.Debug("scout: delivery state", "target", t.ID, "from", from.String(), "to", to.String())
		}),
	}
	if len(cfg.RestrictedSchemes) > 0 {
		ctlOpts = append(ctlOpts, dispatch.WithRestrictedSchemes(cfg.RestrictedSchemes...))
	}
	ctl := dispatch.New(lt, ctlOpts...)
	lt.SetHandshaker(ctl)

	clientOpts := []extraction.Option{
		extraction.WithLogger(logger),
		extraction.WithTimeout(cfg.ExtractTimeout),
		extraction.WithMaxHTMLChars(cfg.MaxHTMLChars),
		extraction.WithSanitize(cfg.SanitizeHTML),
	}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, extraction.WithHTTPClient(cfg.HTTPClient))
	}

	s := &Service{
		cfg:       cfg,
		bus:       bus,
		transport: lt,
		ctl:       ctl,
		client:    extraction.New(store, clientOpts...),
		settings:  store,
		logger:    logger,
	}
	if sel, ok := pages.(Selector); ok {
		s.selector = sel
	}
	return s
}

// CaptureRequest asks for one capture of a target page.
type CaptureRequest struct {
	Target dispatch.Target `json:"target"`
	// Action is message.ActionCaptureFullPage or message.ActionCaptureSelection.
	Action string `json:"action"`
	// Select, when set, selects the contents of the first matching element
	// before a selection capture.
	Select string `json:"select,omitempty"`
}

// CaptureResult is a successful capture.
type CaptureResult struct {
	Capture   message.Capture `json:"capture"`
	Message   string          `json:"message,omitempty"`
	Attempts  int             `json:"attempts"`
	Injected  bool            `json:"injected"`
	ContextID string          `json:"contextId,omitempty"`
}

// Capture delivers the capture command to the target's agent.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	cmd := message.Command{Action: req.Action}
	if !cmd.Valid() {
		return nil, badRequestf("unknown capture action %q", req.Action)
	}
	t, err := s.target(req.Target)
	if err != nil {
		return nil, err
	}
	if req.Select != "" {
		if cmd.Action != message.ActionCaptureSelection {
			return nil, badRequestf("select only applies to %s", message.ActionCaptureSelection)
		}
		if err := s.selectOn(ctx, t, req.Select); err != nil {
			return nil, err
		}
	}

	d, err := s.ctl.Deliver(kit.WithTargetID(ctx, t.ID), t, cmd)
	if err != nil {
		return nil, err
	}
	return s.result(t, d)
}

// Menu handles a context-menu click on a target.
func (s *Service) Menu(ctx context.Context, item string, target dispatch.Target) (*CaptureResult, error) {
	t, err := s.target(target)
	if err != nil {
		return nil, err
	}
	d, err := s.ctl.HandleMenu(kit.WithTargetID(ctx, t.ID), item, t)
	if err != nil {
		return nil, err
	}
	return s.result(t, d)
}

// Hello acknowledges the handshake of an agent living in target.
func (s *Service) Hello(ctx context.Context, target dispatch.Target, h message.Hello) (message.HelloAck, error) {
	if h.Action != message.ActionContentScriptLoaded {
		return message.HelloAck{}, badRequestf("unexpected handshake action %q", h.Action)
	}
	t, err := s.target(target)
	if err != nil {
		return message.HelloAck{}, err
	}
	return s.ctl.Hello(ctx, t, h), nil
}

// Process runs one extraction request. Failures are reported in the
// response, tagged with their Kind.
func (s *Service) Process(ctx context.Context, req message.ProcessRequest) message.ProcessResponse {
	res, err := s.process(ctx, req)
	if err != nil {
		return failure(err)
	}
	return message.ProcessResponse{Success: true, Data: res}
}

func (s *Service) process(ctx context.Context, req message.ProcessRequest) (*message.Result, error) {
	if req.Action != "" && req.Action != message.ActionProcessHTML {
		return nil, badRequestf("unexpected action %q", req.Action)
	}
	if req.HTML == "" {
		// A missing key is reported before an empty capture.
		if cur, err := s.settings.Get(ctx); err == nil && strings.TrimSpace(cur.APIKey) == "" {
			return nil, &extraction.MissingCredentialError{}
		}
		return nil, badRequestf("html is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = message.ModeFull
	}
	if mode != message.ModeFull && mode != message.ModeSelection {
		return nil, badRequestf("unknown mode %q", req.Mode)
	}
	p := capture.Payload{Mode: mode, HTML: req.HTML, Locator: req.SelectedText}
	return s.client.Extract(ctx, p, req.Query, req.PageURL)
}

// ExtractRequest captures a target and asks for extraction code in one call.
type ExtractRequest struct {
	CaptureRequest
	Query string `json:"query"`
}

// ExtractResult pairs the capture with the model's answer.
type ExtractResult struct {
	Capture message.Capture `json:"capture"`
	Result  message.Result  `json:"result"`
}

// Extract is the full flow: capture, then extraction of the captured fragment.
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	cr, err := s.Capture(ctx, req.CaptureRequest)
	if err != nil {
		return nil, err
	}
	res, err := s.process(ctx, message.ProcessRequest{
		Action:       message.ActionProcessHTML,
		HTML:         cr.Capture.HTML,
		Query:        req.Query,
		SelectedText: cr.Capture.Locator,
		Mode:         cr.Capture.Mode,
		PageURL:      req.Target.URL,
	})
	if err != nil {
		return nil, err
	}
	return &ExtractResult{Capture: cr.Capture, Result: *res}, nil
}

// Detach drops the agent of targetID, as after a navigation or a closed tab.
func (s *Service) Detach(targetID string) {
	s.transport.Detach(targetID)
	s.ctl.Forget(targetID)
}

// Agents lists the target ids with a live agent.
func (s *Service) Agents() []string {
	return s.bus.IDs()
}

// Resident reports the context id of targetID's agent.
func (s *Service) Resident(targetID string) (string, bool) {
	return s.ctl.Resident(targetID)
}

func (s *Service) target(t dispatch.Target) (dispatch.Target, error) {
	t.URL = strings.TrimSpace(t.URL)
	t.ID = strings.TrimSpace(t.ID)
	if t.URL == "" {
		return t, badRequestf("target url is required")
	}
	if t.ID == "" {
		t.ID = t.URL
	}
	if _, restricted := s.ctl.Restricted(t.URL); restricted {
		// Refused by Deliver with *dispatch.UnsupportedTargetError.
		return t, nil
	}
	check := horosafe.ValidatePublicURL
	if s.cfg.AllowPrivateTargets {
		check = horosafe.ValidateURL
	}
	if err := check(t.URL); err != nil {
		return t, fmt.Errorf("scout: target %s: %w", t.URL, err)
	}
	return t, nil
}

func (s *Service) selectOn(ctx context.Context, t dispatch.Target, css string) error {
	if s.selector == nil {
		return badRequestf("this page source cannot set a selection")
	}
	if _, restricted := s.ctl.Restricted(t.URL); restricted {
		return nil
	}
	if err := s.selector.Select(ctx, t, css); err != nil {
		return &SelectError{Selector: css, Err: err}
	}
	return nil
}

func (s *Service) result(t dispatch.Target, d dispatch.Delivery) (*CaptureResult, error) {
	ack := d.Ack
	if !ack.Success {
		if ack.Error == message.NoSelectionText {
			return nil, capture.ErrNoSelection
		}
		return nil, &AgentError{TargetID: t.ID, Message: ack.Error}
	}
	if ack.Capture == nil {
		return nil, &AgentError{TargetID: t.ID, Message: "acknowledgment carries no capture"}
	}
	ctxID, _ := s.ctl.Resident(t.ID)
	return &CaptureResult{
		Capture:   *ack.Capture,
		Message:   ack.Message,
		Attempts:  d.Attempts,
		Injected:  d.Injected,
		ContextID: ctxID,
	}, nil
}

// Settings returns the stored options.
func (s *Service) Settings(ctx context.Context) (settings.Settings, error) {
	return s.settings.Get(ctx)
}

// SettingsUpdate changes stored options. Nil fields keep their current value.
type SettingsUpdate struct {
	APIKey          *string `json:"apiKey,omitempty"`
	APIEndpoint     *string `json:"apiEndpoint,omitempty"`
	DefaultLanguage *string `json:"defaultLanguage,omitempty"`
	Model           *string `json:"modelType,omitempty"`
}

func (u SettingsUpdate) apply(cur settings.Settings) settings.Settings {
	if u.APIKey != nil {
		cur.APIKey = *u.APIKey
	}
	if u.APIEndpoint != nil {
		cur.APIEndpoint = *u.APIEndpoint
	}
	if u.DefaultLanguage != nil {
		cur.DefaultLanguage = *u.DefaultLanguage
	}
	if u.Model != nil {
		cur.Model = *u.Model
	}
	return cur
}

// UpdateSettings merges u into the stored options.
func (s *Service) UpdateSettings(ctx context.Context, u SettingsUpdate) (settings.Settings, error) {
	cur, err := s.settings.Get(ctx)
	if err != nil {
		return settings.Settings{}, err
	}
	return s.settings.Save(ctx, u.apply(cur))
}

// ResetSettings restores the default options.
func (s *Service) ResetSettings(ctx context.Context) (settings.Settings, error) {
	return s.settings.Reset(ctx)
}

// TestSettings sends a probe request with the stored options merged with u,
// without saving anything. It returns the model's reply.
func (s *Service) TestSettings(ctx context.Context, u SettingsUpdate) (string, error) {
	cur, err := s.settings.Get(ctx)
	if err != nil {
		return "", err
	}
	cfg, err := settings.Normalize(u.apply(cur))
	if err != nil {
		return "", err
	}
	return s.client.Probe(ctx, cfg)
}

// errBadRequest marks caller mistakes.
var errBadRequest = errors.New("bad request")

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("scout: %w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
