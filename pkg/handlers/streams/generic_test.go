package streams

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaycast/pkg/config"
	"relaycast/pkg/httpclient"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

func TestIsManifestTarget(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"https://example.com/stream.m3u8", true},
		{"https://example.com/stream.m3u8?token=abc", true},
		{"https://example.com/manifest.mpd", true},
		{"https://example.com/manifest.php", true},
		{"https://example.com/video/content.isml/manifest", true},
		{"https://example.com/segment.ts", false},
		{"https://example.com/segment.m4s", false},
		{"https://example.com/video.mp4", false},
	}

	for _, tt := range tests {
		if got := isManifestTarget(tt.url); got != tt.expected {
			t.Errorf("isManifestTarget(%q) = %v, want %v", tt.url, got, tt.expected)
		}
	}
}

func TestGenericHandler_HandleSegment_HeaderNormalization(t *testing.T) {
	var gotUA, gotXFF, gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data"))
	}))
	defer origin.Close()

	log := logging.New("error", false, nil)
	client := httpclient.New(&config.Config{}, log)
	h := NewGenericHandler(client, log)

	req := &types.StreamRequest{
		URL: origin.URL + "/video.mp4",
		Headers: map[string]string{
			"User-Agent":      "SomePlayer/1.0",
			"X-Forwarded-For": "10.0.0.1",
			"Range":           "bytes=0-100",
		},
	}

	resp, err := h.HandleSegment(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleSegment() error = %v", err)
	}
	defer resp.Body.Close()

	if gotUA == "SomePlayer/1.0" || gotUA == "" {
		t.Errorf("expected canonical UA override, got %q", gotUA)
	}
	if gotXFF != "" {
		t.Errorf("expected X-Forwarded-For stripped, got %q", gotXFF)
	}
	if gotRange != "bytes=0-100" {
		t.Errorf("expected Range forwarded for media target, got %q", gotRange)
	}
	if resp.Headers["Access-Control-Allow-Origin"] != "*" {
		t.Errorf("expected permissive CORS header, got %q", resp.Headers["Access-Control-Allow-Origin"])
	}
}

func TestGenericHandler_HandleSegment_StripsRangeForManifest(t *testing.T) {
	var gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	log := logging.New("error", false, nil)
	client := httpclient.New(&config.Config{}, log)
	h := NewGenericHandler(client, log)

	req := &types.StreamRequest{
		URL:     origin.URL + "/live.m3u8",
		Headers: map[string]string{"Range": "bytes=0-100"},
	}

	resp, err := h.HandleSegment(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleSegment() error = %v", err)
	}
	defer resp.Body.Close()

	if gotRange != "" {
		t.Errorf("expected Range stripped for manifest target, got %q", gotRange)
	}
}
