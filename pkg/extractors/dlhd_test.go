package extractors

import (
	"testing"

	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

func TestDLHDExtractor_CanExtract(t *testing.T) {
	log := logging.New("error", false, nil)
	e := NewDLHDExtractor(nil, log, nil)

	tests := []struct {
		name     string
		url      string
		expected bool
	}{
		{"dlhd.dad", "https://dlhd.dad/watch.php?id=123", true},
		{"daddylive", "https://daddylive.sx/stream/123", true},
		{"daddyhd", "https://daddyhd.com/watch/456", true},
		{"case insensitive", "https://DLHD.DAD/watch.php?id=789", true},
		{"random site", "https://example.com/stream.m3u8", false},
		{"youtube", "https://youtube.com/watch?v=abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.CanExtract(tt.url)
			if result != tt.expected {
				t.Errorf("CanExtract(%q) = %v, want %v", tt.url, result, tt.expected)
			}
		})
	}
}

func TestExtractDLHDChannelID(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"premium mono", "https://dlhd.dad/premium577/mono.m3u8", "577"},
		{"watch id query", "https://dlhd.dad/watch.php?id=577", "577"},
		{"stream path", "https://daddylive.sx/stream/stream-123.php", "123"},
		{"channel path", "https://daddylive.sx/channel/456", "456"},
		{"no channel id", "https://dlhd.dad/about", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractDLHDChannelID(tt.url)
			if result != tt.expected {
				t.Errorf("extractDLHDChannelID(%q) = %q, want %q", tt.url, result, tt.expected)
			}
		})
	}
}

func TestDLHDExtractor_extractLovecdnStream(t *testing.T) {
	log := logging.New("error", false, nil)
	e := NewDLHDExtractor(nil, log, nil)

	t.Run("direct m3u8 in content", func(t *testing.T) {
		content := `var config = {file: "https://planetary.lovecdn.ru/abc/tracks-v1a1/mono.m3u8?token=xyz"};`
		result, err := e.extractLovecdnStream("https://lovecdn.ru/iframe/1", content)
		if err != nil {
			t.Fatalf("extractLovecdnStream() error = %v", err)
		}
		if result.DestinationURL != "https://planetary.lovecdn.ru/abc/tracks-v1a1/mono.m3u8?token=xyz" {
			t.Errorf("unexpected destination url: %q", result.DestinationURL)
		}
		if result.RequestHeaders["Referer"] != "https://lovecdn.ru/iframe/1" {
			t.Errorf("unexpected referer: %q", result.RequestHeaders["Referer"])
		}
	})

	t.Run("channel/server fallback", func(t *testing.T) {
		content := `stream: "chan123", server: "custom.cdn.ru"`
		result, err := e.extractLovecdnStream("https://lovecdn.ru/iframe/2", content)
		if err != nil {
			t.Fatalf("extractLovecdnStream() error = %v", err)
		}
		if result.DestinationURL != "https://custom.cdn.ru/chan123/mono.m3u8" {
			t.Errorf("unexpected destination url: %q", result.DestinationURL)
		}
	})

	t.Run("no stream url found", func(t *testing.T) {
		if _, err := e.extractLovecdnStream("https://lovecdn.ru/iframe/3", "nothing useful here"); err == nil {
			t.Error("expected error when no stream url can be found")
		}
	})
}

func TestDLHDExtractor_cacheRoundtrip(t *testing.T) {
	log := logging.New("error", false, nil)
	e := NewDLHDExtractor(nil, log, nil)

	result := &types.ExtractResult{
		DestinationURL: "https://top1.newkso.ru/top1/cdn/abc123/mono.css",
		RequestHeaders: map[string]string{"User-Agent": dlhdUserAgent},
		EndpointType:   types.EndpointHLSManifestProxy,
	}

	e.storeCache("577", result)

	cached, ok := e.peekCache("577")
	if !ok {
		t.Fatal("expected cache hit after storeCache")
	}
	if cached.DestinationURL != result.DestinationURL {
		t.Errorf("cached DestinationURL = %q, want %q", cached.DestinationURL, result.DestinationURL)
	}

	if _, ok := e.peekCache("unknown-channel"); ok {
		t.Error("expected cache miss for unknown channel id")
	}
}
