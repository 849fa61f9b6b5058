package proxybridge

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/joaohenggeler/wanderer-go/internal/config"
)

func TestParseEventResponse(t *testing.T) {
	line := "[RESPONSE] [200] [hit] [text/html] [http://web.archive.org/web/20020101000000if_/http://example.com/] [abc123]"
	event, ok := parseEvent(line)
	if !ok {
		t.Fatalf("parseEvent(%q) did not match", line)
	}
	if event.Kind != EventResponse || event.StatusCode != "200" || event.Mark != "hit" || event.ID != "abc123" {
		t.Errorf("parseEvent() = %+v, unexpected fields", event)
	}
}

func TestParseEventSaveAndRealMedia(t *testing.T) {
	save, ok := parseEvent("[SAVE] [http://example.com/missing.jpg]")
	if !ok || save.Kind != EventSave || save.URL != "http://example.com/missing.jpg" {
		t.Errorf("parseEvent(SAVE) = %+v, ok=%v", save, ok)
	}

	ram, ok := parseEvent("[RAM] [rtsp://example.com/stream]")
	if !ok || ram.Kind != EventRealMedia || ram.URL != "rtsp://example.com/stream" {
		t.Errorf("parseEvent(RAM) = %+v, ok=%v", ram, ok)
	}
}

func TestParseEventIgnoresUnknownLines(t *testing.T) {
	if _, ok := parseEvent("some diagnostic line"); ok {
		t.Error("parseEvent() matched an unrelated line")
	}
}

func TestSnapshotPathRoundTrip(t *testing.T) {
	tests := []struct {
		path       string
		timestamp  string
		modifier   string
		target     string
	}{
		{"/web/20020120142510if_/http://example.com/", "20020120142510", "if_", "http://example.com/"},
		{"/web/20020120142510/http://example.com/", "20020120142510", "", "http://example.com/"},
		{"/web/20020120142510oe_/http://example.com/movie.swf", "20020120142510", "oe_", "http://example.com/movie.swf"},
	}

	for _, tt := range tests {
		timestamp, modifier, target, ok := ParseSnapshotPath(tt.path)
		if !ok {
			t.Fatalf("ParseSnapshotPath(%q) = ok=false", tt.path)
		}
		if timestamp != tt.timestamp || modifier != tt.modifier || target != tt.target {
			t.Errorf("ParseSnapshotPath(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tt.path, timestamp, modifier, target, tt.timestamp, tt.modifier, tt.target)
		}

		recomposed := ComposeSnapshotPath(timestamp, modifier, target)
		if recomposed != tt.path {
			t.Errorf("ComposeSnapshotPath() round-trip = %q, want %q", recomposed, tt.path)
		}
	}
}

func TestRewriteFrameRequestAddsIframeModifier(t *testing.T) {
	got, rewritten := RewriteFrameRequest("/web/20020120142510/http://example.com/frame.html")
	if !rewritten {
		t.Fatal("expected RewriteFrameRequest() to rewrite an unmodified snapshot path")
	}
	want := "/web/20020120142510if_/http://example.com/frame.html"
	if got != want {
		t.Errorf("RewriteFrameRequest() = %q, want %q", got, want)
	}
}

func TestRewriteFrameRequestLeavesExplicitModifier(t *testing.T) {
	path := "/web/20020120142510oe_/http://example.com/frame.html"
	_, rewritten := RewriteFrameRequest(path)
	if rewritten {
		t.Error("expected RewriteFrameRequest() to leave an explicit modifier untouched")
	}
}

func TestEngineAssignAndUnscope(t *testing.T) {
	e := NewEngine(config.ProxyConfig{}, nil, func(string) {})

	if _, scoped := e.scoped(); scoped {
		t.Fatal("engine should start unscoped")
	}

	if err := e.Assign(`current_timestamp = "20020120142510"`); err != nil {
		t.Fatalf("Assign() returned error: %v", err)
	}
	ts, scoped := e.scoped()
	if !scoped || ts != "20020120142510" {
		t.Errorf("scoped() = (%q, %v), want (20020120142510, true)", ts, scoped)
	}

	if err := e.Assign("current_timestamp = None"); err != nil {
		t.Fatalf("Assign() returned error: %v", err)
	}
	if _, scoped := e.scoped(); scoped {
		t.Error("expected engine to be unscoped after assigning None")
	}
}

func TestEngineBlockNonArchiveOnlyWhenScoped(t *testing.T) {
	e := NewEngine(config.ProxyConfig{BlockNonArchive: true}, nil, func(string) {})
	req := &http.Request{URL: &url.URL{Scheme: "http", Host: "example.com"}}

	if e.BlockNonArchive(req) {
		t.Error("expected BlockNonArchive() to be false while unscoped")
	}

	e.Assign(`current_timestamp = "20020120142510"`)
	if !e.BlockNonArchive(req) {
		t.Error("expected BlockNonArchive() to be true for a non-archive host while scoped")
	}

	req.URL.Host = "web.archive.org"
	if e.BlockNonArchive(req) {
		t.Error("expected BlockNonArchive() to be false for an archive host")
	}
}

func TestEngineHandleResponseEmitsEventAndSkipsFallbackOnSuccess(t *testing.T) {
	var emitted []string
	e := NewEngine(config.ProxyConfig{}, nil, func(line string) { emitted = append(emitted, line) })
	e.Assign(`current_timestamp = "20020120142510"`)

	req := &http.Request{URL: &url.URL{Scheme: "http", Host: "web.archive.org", Path: "/web/20020120142510if_/http://example.com/"}}
	redirect := e.HandleResponse(nil, req, 200, "text/html", "id1")

	if redirect != "" {
		t.Errorf("HandleResponse() on a 200 response returned redirect %q, want empty", redirect)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected exactly one emitted line, got %d", len(emitted))
	}
}
