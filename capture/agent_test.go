package capture

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/scout/locator"
	"github.com/hazyhaar/scout/message"
)

const page = `<html><head><title>shop</title></head><body>
<div id="list"><ul><li class="price">10</li><li class="price">20</li></ul></div>
<article><h2 class="headline">News</h2><p>first <em>second</em> third</p></article>
</body></html>`

func newPage(t *testing.T) *StaticPage {
	t.Helper()
	p, err := NewStaticPage("https://shop.example/items", page)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	return p
}

func TestCaptureFullPage(t *testing.T) {
	a := NewAgent(newPage(t))
	got, err := a.CaptureFullPage(context.Background())
	if err != nil {
		t.Fatalf("CaptureFullPage: %v", err)
	}
	if got.Mode != message.ModeFull {
		t.Errorf("mode: got %q", got.Mode)
	}
	if !strings.HasPrefix(got.HTML, "<html>") || !strings.HasSuffix(got.HTML, "</html>") {
		t.Errorf("html is not the document element: %.60q", got.HTML)
	}
	if got.Locator != nil {
		t.Errorf("full page capture carries a locator: %+v", got.Locator)
	}
}

func TestCaptureSelection_NoRanges(t *testing.T) {
	a := NewAgent(newPage(t))
	_, err := a.CaptureSelection(context.Background())
	if !errors.Is(err, ErrNoSelection) {
		t.Fatalf("got %v, want ErrNoSelection", err)
	}

	ack := a.Handle(context.Background(), message.Command{Action: message.ActionCaptureSelection})
	if ack.Success || ack.Error != message.NoSelectionText {
		t.Fatalf("ack: %+v", ack)
	}
	if ack.Capture != nil {
		t.Fatal("ack carries a capture")
	}
	if _, ok := a.Last(); ok {
		t.Fatal("failed selection left a last capture")
	}
}

func TestCaptureSelection_TextNodePromoted(t *testing.T) {
	p := newPage(t)
	h2 := locator.ResolveCSS(mustDoc(t, p), "h2")[0]
	p.SelectNodes(h2.FirstChild, h2.FirstChild)

	got, err := NewAgent(p).CaptureSelection(context.Background())
	if err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	if got.HTML != `<h2 class="headline">News</h2>` {
		t.Errorf("html: got %q", got.HTML)
	}
	if got.Locator == nil {
		t.Fatal("locator missing")
	}
	if got.Locator.CSSSelector != ".headline" {
		t.Errorf("css: got %q", got.Locator.CSSSelector)
	}
	if got.Locator.XPath != "/html/body/article[1]/h2[1]" {
		t.Errorf("xpath: got %q", got.Locator.XPath)
	}
}

func TestCaptureSelection_AcrossChildren(t *testing.T) {
	p := newPage(t)
	if err := p.SelectContents("article > p"); err != nil {
		t.Fatal(err)
	}
	got, err := NewAgent(p).CaptureSelection(context.Background())
	if err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	if got.HTML != "<p>first <em>second</em> third</p>" {
		t.Errorf("html: got %q", got.HTML)
	}
	if got.Locator.CSSSelector != "body > article > p" {
		t.Errorf("css: got %q", got.Locator.CSSSelector)
	}
}

func TestCaptureSelection_IDAnchor(t *testing.T) {
	p := newPage(t)
	if err := p.SelectXPath(`//*[@id="list"]/ul[1]/li[2]`); err != nil {
		t.Fatal(err)
	}
	got, err := NewAgent(p).CaptureSelection(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := locator.Locator{XPath: `//*[@id="list"]/ul[1]/li[2]`, CSSSelector: "#list > ul > li"}
	if *got.Locator != want {
		t.Errorf("locator: got %+v, want %+v", *got.Locator, want)
	}
}

func TestCaptureDoesNotMutate(t *testing.T) {
	p := newPage(t)
	doc := mustDoc(t, p)
	before := renderString(t, doc)

	if err := p.SelectContents("em"); err != nil {
		t.Fatal(err)
	}
	a := NewAgent(p)
	a.Handle(context.Background(), message.Command{Action: message.ActionCaptureSelection})
	a.Handle(context.Background(), message.Command{Action: message.ActionCaptureFullPage})

	if after := renderString(t, doc); after != before {
		t.Fatal("capture mutated the document")
	}
}

func TestHandle_OverwritesLast(t *testing.T) {
	p := newPage(t)
	a := NewAgent(p)
	ctx := context.Background()

	ack := a.Handle(ctx, message.Command{Action: message.ActionCaptureFullPage})
	if !ack.Success || ack.Capture == nil || ack.Message == "" {
		t.Fatalf("full ack: %+v", ack)
	}
	last, ok := a.Last()
	if !ok || last.Mode != message.ModeFull {
		t.Fatalf("last after full: %+v %v", last, ok)
	}

	if err := p.SelectContents("h2"); err != nil {
		t.Fatal(err)
	}
	ack = a.Handle(ctx, message.Command{Action: message.ActionCaptureSelection})
	if !ack.Success {
		t.Fatalf("selection ack: %+v", ack)
	}
	last, _ = a.Last()
	if last.Mode != message.ModeSelection || last.HTML != ack.Capture.HTML {
		t.Fatalf("last not overwritten: %+v", last)
	}
}

func TestHandle_UnknownAction(t *testing.T) {
	ack := NewAgent(newPage(t)).Handle(context.Background(), message.Command{Action: "explode"})
	if ack.Success || !strings.Contains(ack.Error, "explode") {
		t.Fatalf("ack: %+v", ack)
	}
}

func TestHandleMessage_JSON(t *testing.T) {
	a := NewAgent(newPage(t))
	out, err := a.HandleMessage(context.Background(), []byte(`{"action":"captureFullPage"}`))
	if err != nil {
		t.Fatal(err)
	}
	var ack message.Ack
	if err := json.Unmarshal(out, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success || ack.Capture.Mode != "full" {
		t.Fatalf("ack: %+v", ack)
	}

	if _, err := a.HandleMessage(context.Background(), []byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	hello []message.Hello
	err   error
}

func (f *fakeAnnouncer) Hello(_ context.Context, h message.Hello) (message.HelloAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hello = append(f.hello, h)
	if f.err != nil {
		return message.HelloAck{}, f.err
	}
	return message.HelloAck{Status: message.StatusAcknowledged, ContextID: "ctx-1"}, nil
}

func TestAnnounce(t *testing.T) {
	a := NewAgent(newPage(t))
	f := &fakeAnnouncer{}
	a.Announce(context.Background(), f)

	if len(f.hello) != 1 || f.hello[0].Action != message.ActionContentScriptLoaded {
		t.Fatalf("hello: %+v", f.hello)
	}
	if f.hello[0].URL != "https://shop.example/items" {
		t.Errorf("url: got %q", f.hello[0].URL)
	}
	if a.ContextID() != "ctx-1" {
		t.Errorf("context id: got %q", a.ContextID())
	}

	failing := NewAgent(newPage(t))
	failing.Announce(context.Background(), &fakeAnnouncer{err: errors.New("down")})
	if failing.ContextID() != "" {
		t.Error("context id set after failed handshake")
	}
}

func TestRangeCommonAncestor(t *testing.T) {
	p := newPage(t)
	doc := mustDoc(t, p)
	lis := locator.ResolveCSS(doc, "li")
	ul := locator.ResolveCSS(doc, "ul")[0]

	if got := (Range{Start: lis[0].FirstChild, End: lis[1].FirstChild}).CommonAncestor(); got != ul {
		t.Errorf("got %v, want ul", got)
	}
	if got := (Range{Start: lis[0]}).CommonAncestor(); got != lis[0] {
		t.Error("nil end should yield start")
	}
}

func mustDoc(t *testing.T, p Page) *html.Node {
	t.Helper()
	doc, err := p.Document(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func renderString(t *testing.T, n *html.Node) string {
	t.Helper()
	s, err := render(n)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
