package streams

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

// leakyClientHeaders are stripped from the upstream request: forwarding
// them would leak the player's own network position to the origin.
var leakyClientHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Forwarded",
	"True-Client-Ip",
	"Cf-Connecting-Ip",
}

// isManifestTarget reports whether urlStr names a manifest document rather
// than media bytes, per the relay's Range-stripping rule.
func isManifestTarget(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if idx := strings.IndexAny(lower, "?#"); idx >= 0 {
		lower = lower[:idx]
	}
	return strings.HasSuffix(lower, ".m3u8") ||
		strings.HasSuffix(lower, ".mpd") ||
		strings.HasSuffix(lower, ".php") ||
		strings.Contains(lower, ".isml/manifest")
}

// GenericHandler handles generic stream types (MP4, MKV, AVI, etc.).
type GenericHandler struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewGenericHandler creates a new generic stream handler.
func NewGenericHandler(client *httpclient.Client, log *logging.Logger) *GenericHandler {
	return &GenericHandler{
		client: client,
		log:    log.WithComponent("generic-handler"),
	}
}

// Type returns the stream type.
func (h *GenericHandler) Type() types.StreamType {
	return types.StreamTypeGeneric
}

// CanHandle returns true for generic stream types.
func (h *GenericHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	extensions := []string{".mp4", ".mkv", ".avi", ".webm", ".ts", ".m4s", ".m4v", ".mov"}
	for _, ext := range extensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// HandleManifest is not applicable for generic streams, returns the stream directly.
func (h *GenericHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, baseURL string) (*types.StreamResponse, error) {
	// For generic streams, just proxy the content directly
	return h.HandleSegment(ctx, req)
}

// HandleSegment proxies the stream content.
func (h *GenericHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	h.log.Debug("handling generic stream", "url", req.URL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	for _, name := range leakyClientHeaders {
		httpReq.Header.Del(name)
	}
	// Canonical desktop-Chrome identifier, forced regardless of what the
	// player sent.
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	if isManifestTarget(req.URL) {
		httpReq.Header.Del("Range")
	} else {
		if req.Headers["Range"] != "" {
			httpReq.Header.Set("Range", req.Headers["Range"])
		}
		if req.Headers["If-None-Match"] != "" {
			httpReq.Header.Set("If-None-Match", req.Headers["If-None-Match"])
		}
		if req.Headers["If-Modified-Since"] != "" {
			httpReq.Header.Set("If-Modified-Since", req.Headers["If-Modified-Since"])
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasSuffix(strings.ToLower(req.URL), ".ts") && !strings.Contains(strings.ToLower(contentType), "mpeg2") {
		contentType = "video/MP2T"
	}
	if contentType == "" {
		contentType = h.guessContentType(req.URL)
	}

	headers := make(map[string]string)
	for _, name := range []string{"Content-Length", "Content-Range", "Last-Modified", "ETag"} {
		if v := resp.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	headers["Accept-Ranges"] = "bytes"
	headers["Access-Control-Allow-Origin"] = "*"

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
		Headers:     headers,
	}, nil
}

// guessContentType guesses the content type based on file extension.
func (h *GenericHandler) guessContentType(urlStr string) string {
	ext := strings.ToLower(path.Ext(urlStr))

	contentTypes := map[string]string{
		".mp4":  "video/mp4",
		".mkv":  "video/x-matroska",
		".avi":  "video/x-msvideo",
		".webm": "video/webm",
		".ts":   "video/MP2T",
		".m4s":  "video/iso.segment",
		".m4v":  "video/x-m4v",
		".mov":  "video/quicktime",
		".m4a":  "audio/mp4",
		".aac":  "audio/aac",
		".mp3":  "audio/mpeg",
	}

	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

var _ interfaces.StreamHandler = (*GenericHandler)(nil)
