package scout

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scout/dispatch"
	"github.com/hazyhaar/scout/idgen"
	"github.com/hazyhaar/scout/kit"
	"github.com/hazyhaar/scout/message"
)

// RegisterMCP registers the scout tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCaptureTool(srv)
	s.registerExtractTool(srv)
	s.registerSettingsTool(srv)
}

// tool wraps the endpoint of the named tool with tracing and call logging.
func (s *Service) tool(name string) kit.Middleware {
	return kit.Chain(kit.Traced(idgen.Trace), kit.Logged(s.logger, name))
}

// toolError prefixes err with its kind so MCP clients can branch on it.
func toolError(err error) error {
	return fmt.Errorf("%s: %w", Kind(err), err)
}

var captureProps = map[string]any{
	"url":       map[string]any{"type": "string", "description": "Page URL"},
	"target_id": map[string]any{"type": "string", "description": "Page context id; defaults to the URL"},
	"mode":      map[string]any{"type": "string", "enum": []string{message.ModeFull, message.ModeSelection}},
	"select":    map[string]any{"type": "string", "description": "CSS selector whose contents are selected before a selection capture"},
}

type captureArgs struct {
	URL      string `json:"url"`
	TargetID string `json:"target_id"`
	Mode     string `json:"mode"`
	Select   string `json:"select"`
}

func (a captureArgs) request() CaptureRequest {
	action := message.ActionCaptureFullPage
	if a.Mode == message.ModeSelection || (a.Mode == "" && a.Select != "") {
		action = message.ActionCaptureSelection
	}
	return CaptureRequest{
		Target: dispatch.Target{ID: a.TargetID, URL: a.URL},
		Action: action,
		Select: a.Select,
	}
}

// --- capture ---

func (s *Service) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scout_capture",
		Description: "Capture the HTML of a page, or of the selected element with its XPath and CSS selector.",
		InputSchema: kit.InputSchema(captureProps, "url"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		args := req.(*captureArgs)
		res, err := s.Capture(ctx, args.request())
		if err != nil {
			return nil, toolError(err)
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, s.tool(tool.Name)(endpoint), kit.DecodeJSON[captureArgs]())
}

// --- extract ---

type extractArgs struct {
	captureArgs
	Query string `json:"query"`
}

func (s *Service) registerExtractTool(srv *mcp.Server) {
	props := make(map[string]any, len(captureProps)+1)
	for k, v := range captureProps {
		props[k] = v
	}
	props["query"] = map[string]any{"type": "string", "description": "What to extract; a generic query is used when empty"}

	tool := &mcp.Tool{
		Name:        "scout_extract",
		Description: "Capture a page or selection and generate data-extraction code for it with the configured model.",
		InputSchema: kit.InputSchema(props, "url"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		args := req.(*extractArgs)
		res, err := s.Extract(ctx, ExtractRequest{CaptureRequest: args.request(), Query: args.Query})
		if err != nil {
			return nil, toolError(err)
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, s.tool(tool.Name)(endpoint), kit.DecodeJSON[extractArgs]())
}

// --- settings ---

type settingsArgs struct {
	Action          string  `json:"action"`
	APIKey          *string `json:"api_key"`
	APIEndpoint     *string `json:"api_endpoint"`
	DefaultLanguage *string `json:"default_language"`
	Model           *string `json:"model"`
}

func (a settingsArgs) update() SettingsUpdate {
	return SettingsUpdate{
		APIKey:          a.APIKey,
		APIEndpoint:     a.APIEndpoint,
		DefaultLanguage: a.DefaultLanguage,
		Model:           a.Model,
	}
}

func (s *Service) registerSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "scout_settings",
		Description: "Read, update, reset or test the extraction settings (API key, endpoint, language, model).",
		InputSchema: kit.InputSchema(map[string]any{
			"action":           map[string]any{"type": "string", "enum": []string{"get", "set", "reset", "test"}},
			"api_key":          map[string]any{"type": "string"},
			"api_endpoint":     map[string]any{"type": "string"},
			"default_language": map[string]any{"type": "string"},
			"model":            map[string]any{"type": "string"},
		}, "action"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		args := req.(*settingsArgs)
		switch args.Action {
		case "get":
			cur, err := s.Settings(ctx)
			if err != nil {
				return nil, toolError(err)
			}
			return viewOf(cur), nil
		case "set":
			saved, err := s.UpdateSettings(ctx, args.update())
			if err != nil {
				return nil, toolError(err)
			}
			return viewOf(saved), nil
		case "reset":
			d, err := s.ResetSettings(ctx)
			if err != nil {
				return nil, toolError(err)
			}
			return viewOf(d), nil
		case "test":
			reply, err := s.TestSettings(ctx, args.update())
			if err != nil {
				return nil, toolError(err)
			}
			return map[string]string{"reply": reply}, nil
		}
		return nil, toolError(badRequestf("unknown settings action %q", args.Action))
	}

	kit.RegisterMCPTool(srv, tool, s.tool(tool.Name)(endpoint), kit.DecodeJSON[settingsArgs]())
}
