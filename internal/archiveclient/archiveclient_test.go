package archiveclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/rategate"
)

func TestNormalizeLastModified(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "duplicated time zone",
			in:   "Friday, 18-Oct-96 15:48:24 GMT GMT",
			want: "Friday, 18-Oct-96 15:48:24 GMT",
		},
		{
			name: "missing space before GMT",
			in:   "Sun, 13 Aug 2006 09:11:11GMT",
			want: "Sun, 13 Aug 2006 09:11:11 GMT",
		},
		{
			name: "missing colon between minutes and seconds",
			in:   "Mon, 24 Sep 2001 04:2146 GMT",
			want: "Mon, 24 Sep 2001 04:21:46 GMT",
		},
		{
			name: "missing time entirely",
			in:   "Wed, 27 Mar 1996 ? GMT",
			want: "Wed, 27 Mar 1996 00:00:00 GMT",
		},
		{
			name: "well formed header is unchanged",
			in:   "Mon, 02 Jan 2006 15:04:05 GMT",
			want: "Mon, 02 Jan 2006 15:04:05 GMT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeLastModified(tt.in)
			if got != tt.want {
				t.Errorf("normalizeLastModified(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMediaExtensionFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://example.com/file.MP3", "mp3"},
		{"http://example.com/path/movie.avi", "avi"},
		{"http://example.com/no-extension", ""},
		{"http://example.com/trailing.dot.", ""},
	}

	for _, tt := range tests {
		got := mediaExtensionFromURL(tt.in)
		if got != tt.want {
			t.Errorf("mediaExtensionFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testClient(t *testing.T, cfg config.ArchiveConfig) *Client {
	t.Helper()
	gate := rategate.New(config.RateGateConfig{
		Archive: config.RateLimitConfig{Amount: 100, WindowSeconds: 1, PollFrequency: 0.01},
		CDX:     config.RateLimitConfig{Amount: 100, WindowSeconds: 1, PollFrequency: 0.01},
		Save:    config.RateLimitConfig{Amount: 100, WindowSeconds: 1, PollFrequency: 0.01},
	})
	return New(cfg, gate)
}

func TestEnrichParsesLastModifiedHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-archive-orig-last-modified", "Mon, 24 Sep 2001 04:2146 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.ArchiveConfig{RequestTimeout: 5}
	client := testClient(t, cfg)

	got, err := client.Enrich(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Enrich() returned error: %v", err)
	}
	want := "20010924042146"
	if got != want {
		t.Errorf("Enrich() = %q, want %q", got, want)
	}
}

func TestEnrichNoLastModifiedHeaderReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.ArchiveConfig{RequestTimeout: 5}
	client := testClient(t, cfg)

	got, err := client.Enrich(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Enrich() returned error: %v", err)
	}
	if got != "" {
		t.Errorf("Enrich() = %q, want empty string", got)
	}
}

func TestSaveReturnsErrRateLimitedOn429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := config.ArchiveConfig{RequestTimeout: 5, SaveBaseURL: server.URL}
	client := testClient(t, cfg)

	_, _, err := client.Save(context.Background(), "http://example.com/")
	if err == nil {
		t.Fatal("expected Save() to return an error on 429")
	}
}

func TestServicesUpRequiresBothHostsOK(t *testing.T) {
	snapshotServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer snapshotServer.Close()
	cdxServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer cdxServer.Close()

	cfg := config.ArchiveConfig{
		RequestTimeout:  5,
		SnapshotBaseURL: snapshotServer.URL,
		CDXBaseURL:      cdxServer.URL,
	}
	client := testClient(t, cfg)

	if client.ServicesUp(context.Background()) {
		t.Error("expected ServicesUp() to be false when the CDX host is down")
	}
}
