package scout

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "scout-test", Version: "0.1.0"}

func mcpSession(t *testing.T, f *fixture) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	f.svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, newFixture(t, Config{}))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"scout_capture": true, "scout_extract": true, "scout_settings": true}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing tools: %v", want)
	}
}

func TestMCP_Capture(t *testing.T) {
	session := mcpSession(t, newFixture(t, Config{AllowPrivateTargets: true}))

	text, isErr := mcpCall(t, session, "scout_capture", map[string]any{
		"url":    shopURL,
		"select": "h1.title",
	})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var res CaptureResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if res.Capture.HTML != `<h1 class="title">Lamp</h1>` || res.Capture.Locator.CSSSelector != ".title" {
		t.Fatalf("capture: %+v", res.Capture)
	}
	if !res.Injected {
		t.Fatal("first capture should inject")
	}
}

func TestMCP_CaptureRestricted(t *testing.T) {
	session := mcpSession(t, newFixture(t, Config{}))
	text, isErr := mcpCall(t, session, "scout_capture", map[string]any{"url": "about:blank"})
	if !isErr || !strings.HasPrefix(text, KindUnsupportedTarget+":") {
		t.Fatalf("isErr=%v text=%q", isErr, text)
	}
}

func TestMCP_Extract(t *testing.T) {
	model := modelServer(t, "```python\nsoup.select_one('#price').text\n```\nReads the price.", nil)
	f := newFixture(t, Config{AllowPrivateTargets: true})
	f.configure(t, model.URL)
	session := mcpSession(t, f)

	text, isErr := mcpCall(t, session, "scout_extract", map[string]any{
		"url":    shopURL,
		"mode":   "selection",
		"select": "#product",
		"query":  "price",
	})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var res ExtractResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if res.Result.Code != "soup.select_one('#price').text" || res.Result.Explanation != "Reads the price." {
		t.Fatalf("result: %+v", res.Result)
	}
}

func TestMCP_ExtractMissingCredential(t *testing.T) {
	session := mcpSession(t, newFixture(t, Config{AllowPrivateTargets: true}))
	text, isErr := mcpCall(t, session, "scout_extract", map[string]any{"url": shopURL})
	if !isErr || !strings.HasPrefix(text, KindMissingCredential+":") {
		t.Fatalf("isErr=%v text=%q", isErr, text)
	}
}

func TestMCP_Settings(t *testing.T) {
	session := mcpSession(t, newFixture(t, Config{}))

	text, isErr := mcpCall(t, session, "scout_settings", map[string]any{
		"action":           "set",
		"api_key":          "sk-abcdef123456",
		"default_language": "javascript",
	})
	if isErr {
		t.Fatalf("set: %s", text)
	}
	var view settingsView
	if err := json.Unmarshal([]byte(text), &view); err != nil {
		t.Fatal(err)
	}
	if !view.APIKeySet || view.APIKey != "sk-***3456" || view.DefaultLanguage != "javascript" {
		t.Fatalf("view: %+v", view)
	}

	text, _ = mcpCall(t, session, "scout_settings", map[string]any{"action": "reset"})
	if err := json.Unmarshal([]byte(text), &view); err != nil {
		t.Fatal(err)
	}
	if view.APIKeySet {
		t.Fatal("key survived reset")
	}

	if _, isErr := mcpCall(t, session, "scout_settings", map[string]any{"action": "drop"}); !isErr {
		t.Fatal("unknown action accepted")
	}
}
