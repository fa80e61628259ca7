package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/scout/capture"
	"github.com/hazyhaar/scout/locator"
	"github.com/hazyhaar/scout/message"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestExtract_RequestShape(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completion("Here:\n```python\nprint('ok')\n```\nIt prints ok."))
	}))
	defer srv.Close()

	c := New(StaticConfig{
		APIKey:          "sk-test",
		APIEndpoint:     srv.URL + "/v1/chat/completions",
		DefaultLanguage: "python",
		Model:           "deepseek-chat",
	}, WithLogger(quiet()))

	loc := locator.Locator{XPath: "/html/body/div[1]", CSSSelector: "body > div"}
	res, err := c.Extract(context.Background(),
		capture.Payload{Mode: message.ModeSelection, HTML: "<div>1</div>", Locator: &loc},
		"get the number", "https://example.com")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Code != "print('ok')" {
		t.Errorf("code: %q", res.Code)
	}
	if !strings.Contains(res.Explanation, "It prints ok.") {
		t.Errorf("explanation: %q", res.Explanation)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("authorization: %q", auth)
	}
	if got.Model != "deepseek-chat" || got.Temperature != 0.3 || got.MaxTokens != 4000 || got.Stream {
		t.Errorf("body: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("messages: %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[1].Content, "body > div") {
		t.Errorf("locator missing from prompt")
	}
}

func TestExtract_StreamFieldSent(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		io.WriteString(w, completion("x"))
	}))
	defer srv.Close()

	c := New(StaticConfig{APIKey: "k", APIEndpoint: srv.URL}, WithLogger(quiet()))
	if _, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: "<html></html>"}, "", ""); err != nil {
		t.Fatal(err)
	}
	if v, ok := raw["stream"]; !ok || v != false {
		t.Fatalf("stream field: %v (present=%v)", v, ok)
	}
}

func TestExtract_MissingCredentialNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	for _, key := range []string{"", "   "} {
		c := New(StaticConfig{APIKey: key, APIEndpoint: srv.URL}, WithLogger(quiet()))
		_, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: "<p/>"}, "q", "u")
		var mce *MissingCredentialError
		if !errors.As(err, &mce) {
			t.Fatalf("key %q: got %v, want MissingCredentialError", key, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("server contacted %d times", hits.Load())
	}
}

func TestExtract_ConfigReadEveryCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, completion("x"))
	}))
	defer srv.Close()

	var loads int
	key := ""
	c := New(ConfigFunc(func(context.Context) (Config, error) {
		loads++
		return Config{APIKey: key, APIEndpoint: srv.URL}, nil
	}), WithLogger(quiet()))

	p := capture.Payload{Mode: "full", HTML: "<p/>"}
	if _, err := c.Extract(context.Background(), p, "", ""); err == nil {
		t.Fatal("expected missing credential")
	}
	key = "now-set"
	if _, err := c.Extract(context.Background(), p, "", ""); err != nil {
		t.Fatalf("after key change: %v", err)
	}
	if loads != 2 {
		t.Fatalf("loads: %d", loads)
	}
}

func TestExtract_RemoteAPIError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"nested message", http.StatusUnauthorized, `{"error":{"message":"Authentication Fails","type":"auth"}}`, "Authentication Fails"},
		{"flat error", http.StatusBadRequest, `{"error":"bad model"}`, "bad model"},
		{"no body", http.StatusBadGateway, ``, "Bad Gateway"},
		{"html body", http.StatusInternalServerError, `<h1>oops</h1>`, "Internal Server Error"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, tt.body)
		}))
		c := New(StaticConfig{APIKey: "k", APIEndpoint: srv.URL}, WithLogger(quiet()))
		_, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: "<p/>"}, "", "")
		srv.Close()

		var rae *RemoteAPIError
		if !errors.As(err, &rae) {
			t.Fatalf("%s: got %v, want RemoteAPIError", tt.name, err)
		}
		if rae.Status != tt.status || rae.Message != tt.want {
			t.Errorf("%s: got %d %q", tt.name, rae.Status, rae.Message)
		}
	}
}

func TestExtract_TransportErrors(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer bad.Close()
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer empty.Close()
	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	for name, endpoint := range map[string]string{"bad json": bad.URL, "no choices": empty.URL, "refused": closedURL} {
		c := New(StaticConfig{APIKey: "k", APIEndpoint: endpoint}, WithLogger(quiet()))
		_, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: "<p/>"}, "", "")
		var te *TransportError
		if !errors.As(err, &te) {
			t.Errorf("%s: got %v, want TransportError", name, err)
		}
	}
}

func TestExtract_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(StaticConfig{APIKey: "k", APIEndpoint: srv.URL}, WithTimeout(50*time.Millisecond), WithLogger(quiet()))
	start := time.Now()
	_, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: "<p/>"}, "", "")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want TransportError", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestExtract_TruncatesHTML(t *testing.T) {
	var sent chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		io.WriteString(w, completion("x"))
	}))
	defer srv.Close()

	c := New(StaticConfig{APIKey: "k", APIEndpoint: srv.URL}, WithMaxHTMLChars(10), WithLogger(quiet()))
	html := "<html>" + strings.Repeat("z", 100) + "</html>"
	if _, err := c.Extract(context.Background(), capture.Payload{Mode: "full", HTML: html}, "", ""); err != nil {
		t.Fatal(err)
	}
	user := sent.Messages[1].Content
	if !strings.Contains(user, "<html>zzzz"+TruncationMarker) {
		t.Fatalf("truncated html missing: %s", user)
	}
	if strings.Contains(user, "</html>") {
		t.Fatal("html not truncated")
	}
}

func TestProbe(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, completion("Hello!"))
	}))
	defer srv.Close()

	c := New(StaticConfig{}, WithLogger(quiet()))
	reply, err := c.Probe(context.Background(), Config{APIKey: "k", APIEndpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Hello!" {
		t.Errorf("reply: %q", reply)
	}
	if got.MaxTokens != 50 || got.Messages[1].Content != "Say hello" || got.Model != DefaultModel {
		t.Errorf("probe body: %+v", got)
	}

	if _, err := c.Probe(context.Background(), Config{APIEndpoint: srv.URL}); err == nil {
		t.Fatal("probe without key succeeded")
	}
}

func TestExtract_Sanitize(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, completion("```js\nx\n```"))
	}))
	defer srv.Close()

	c := New(StaticConfig{APIKey: "k", APIEndpoint: srv.URL}, WithSanitize(true), WithLogger(quiet()))
	html := `<div id="p" class="card" data-sku="42"><script>track()</script><span onclick="buy()">Lamp</span></div>`
	if _, err := c.Extract(context.Background(), capture.Payload{Mode: message.ModeFull, HTML: html}, "", "https://example.com"); err != nil {
		t.Fatal(err)
	}
	prompt := got.Messages[1].Content
	for _, gone := range []string{"track()", "onclick"} {
		if strings.Contains(prompt, gone) {
			t.Errorf("%q survived sanitizing", gone)
		}
	}
	for _, kept := range []string{`id="p"`, `class="card"`, `data-sku="42"`, "Lamp"} {
		if !strings.Contains(prompt, kept) {
			t.Errorf("%q lost by sanitizing", kept)
		}
	}
}
