// Package streams provides stream handler implementations.
package streams

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
	"relaycast/pkg/urlutil"
)

// HLSHandler processes HLS (M3U8) streams.
type HLSHandler struct {
	client  *httpclient.Client
	log     *logging.Logger
	baseURL string
}

// NewHLSHandler creates a new HLS stream handler.
func NewHLSHandler(client *httpclient.Client, log *logging.Logger, baseURL string) *HLSHandler {
	return &HLSHandler{
		client:  client,
		log:     log.WithComponent("hls-handler"),
		baseURL: baseURL,
	}
}

// Type returns the stream type.
func (h *HLSHandler) Type() types.StreamType {
	return types.StreamTypeHLS
}

// CanHandle returns true if the URL appears to be an HLS stream.
func (h *HLSHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if strings.Contains(lower, ".m3u8") {
		return true
	}
	if strings.Contains(lower, "/hls/") {
		return true
	}
	if strings.Contains(lower, "manifest") &&
		!strings.Contains(lower, ".mpd") &&
		!strings.Contains(lower, "format=mpd") {
		return true
	}
	return false
}

// HandleManifest fetches and rewrites an HLS manifest.
func (h *HLSHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, baseURL string) (*types.StreamResponse, error) {
	h.log.Debug("handling HLS manifest",
		"url", req.URL,
		"headers", req.Headers,
		"no_bypass", req.NoBypass,
		"is_vixsrc", req.IsVixSrc,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.log.Error("failed to fetch manifest", "url", req.URL, "error", err)
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	h.log.Debug("manifest fetch response", "url", req.URL, "status", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		h.log.Warn("manifest fetch failed", "url", req.URL, "status", resp.StatusCode)
		return &types.StreamResponse{
			StatusCode: resp.StatusCode,
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	rewritten, err := h.rewriteManifest(body, rewriteParams{
		originalURL:        req.URL,
		proxyBaseURL:       baseURL,
		headers:            req.Headers,
		noBypass:           req.NoBypass,
		originalChannelURL: req.OriginalChannelURL,
		isVixSrc:           req.IsVixSrc,
		apiPassword:        req.APIPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite manifest: %w", err)
	}

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(bytes.NewReader(rewritten)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies an HLS segment.
func (h *HLSHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	h.log.Debug("handling HLS segment", "url", req.URL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	lower := strings.ToLower(req.URL)
	if strings.HasSuffix(lower, ".ts") && !strings.Contains(strings.ToLower(contentType), "mpeg2") {
		contentType = "video/MP2T"
	} else if contentType == "" {
		contentType = "video/MP2T"
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

// CDNs with fast-expiring tokens that should not be proxied.
var bypassProxyCDNs = []string{
	"planetary.lovecdn.ru",
	"lovecdn.ru",
	"freeshot",
}

// shouldBypassProxy returns true if the URL should not be proxied (fast-expiring tokens).
func (h *HLSHandler) shouldBypassProxy(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	for _, cdn := range bypassProxyCDNs {
		if strings.Contains(lower, cdn) {
			return true
		}
	}
	return false
}

// isNewksoCSS reports whether urlStr is a .css asset served from the
// newkso.ru family, which is actually an HLS (sub-)manifest in disguise
// rather than a key, and must be routed as one.
func isNewksoCSS(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, "newkso.ru") && strings.HasSuffix(lower, ".css")
}

type rewriteParams struct {
	originalURL        string
	proxyBaseURL       string
	headers            map[string]string
	noBypass           bool
	originalChannelURL string
	isVixSrc           bool
	apiPassword        string
}

// rewriteManifest rewrites URLs and tag URIs in an HLS manifest to route
// through the proxy, per the scheme in rewriteTagLine/dispatchSegmentURL.
func (h *HLSHandler) rewriteManifest(manifest []byte, p rewriteParams) ([]byte, error) {
	base, err := url.Parse(p.originalURL)
	if err != nil {
		return nil, err
	}

	lines, err := splitLines(manifest)
	if err != nil {
		return nil, err
	}

	if p.isVixSrc {
		lines = filterHighestBandwidthVariant(lines, base)
	}

	bypassSegments := !p.noBypass && h.shouldBypassProxy(p.originalURL)

	h.log.Debug("rewriting manifest",
		"original_url", p.originalURL,
		"bypass_segments", bypassSegments,
		"no_bypass", p.noBypass,
		"manifest_size", len(manifest),
	)

	var result bytes.Buffer
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			result.WriteString(line + "\n")
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			result.WriteString(h.rewriteTagLine(trimmed, base, p) + "\n")
			continue
		}

		targetURL := h.resolveURL(trimmed, base)
		isManifest := strings.Contains(strings.ToLower(targetURL), ".m3u8") || isNewksoCSS(targetURL)
		shouldBypass := !isManifest && (bypassSegments || (!p.noBypass && h.shouldBypassProxy(targetURL)))

		if shouldBypass {
			result.WriteString(targetURL + "\n")
		} else {
			result.WriteString(h.dispatchSegmentURL(targetURL, p.proxyBaseURL, p.headers, p.apiPassword) + "\n")
		}
	}

	return result.Bytes(), nil
}

func splitLines(manifest []byte) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// rewriteTagLine dispatches a single "#EXT-..." line to the tag-specific
// rewrite, based on spec section 4.3:
//   - #EXT-X-KEY -> /key?key_url=...&original_channel_url=...
//   - #EXT-X-MAP -> /proxy/hls/segment.mp4?d=...
//   - #EXT-X-MEDIA, #EXT-X-I-FRAME-STREAM-INF -> /proxy/hls/manifest.m3u8?d=...
//
// Any other tag line (including #EXT-X-STREAM-INF, which carries no URI
// attribute of its own) passes through unchanged.
func (h *HLSHandler) rewriteTagLine(line string, base *url.URL, p rewriteParams) string {
	if !strings.Contains(line, "URI=") {
		return line
	}

	switch {
	case strings.HasPrefix(line, "#EXT-X-KEY:"):
		return h.rewriteURI(line, base, func(abs string) string {
			return h.buildKeyURL(abs, p.proxyBaseURL, p.originalChannelURL, p.headers, p.apiPassword)
		})
	case strings.HasPrefix(line, "#EXT-X-MAP:"):
		return h.rewriteURI(line, base, func(abs string) string {
			return h.buildProxyURLWithPath(abs, p.proxyBaseURL, "/proxy/hls/segment.mp4", p.headers, p.apiPassword)
		})
	case strings.HasPrefix(line, "#EXT-X-MEDIA:"), strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
		return h.rewriteURI(line, base, func(abs string) string {
			return h.buildProxyURLWithPath(abs, p.proxyBaseURL, "/proxy/hls/manifest.m3u8", p.headers, p.apiPassword)
		})
	default:
		return line
	}
}

// rewriteURI replaces the URI="..." attribute's value with build(resolvedURL).
func (h *HLSHandler) rewriteURI(line string, base *url.URL, build func(resolved string) string) string {
	start := strings.Index(line, "URI=\"")
	if start == -1 {
		return line
	}
	start += 5

	end := strings.Index(line[start:], "\"")
	if end == -1 {
		return line
	}

	uri := line[start : start+end]
	resolved := h.resolveURL(uri, base)
	return line[:start] + build(resolved) + line[start+end:]
}

// resolveURL resolves a potentially relative URL against the base.
func (h *HLSHandler) resolveURL(urlStr string, base *url.URL) string {
	return urlutil.ResolveURL(urlStr, base.String())
}

// buildKeyURL builds the /key proxy URL for an #EXT-X-KEY URI.
func (h *HLSHandler) buildKeyURL(keyURL, proxyBaseURL, originalChannelURL string, headers map[string]string, apiPassword string) string {
	proxyURL, _ := url.Parse(proxyBaseURL + "/key")
	query := proxyURL.Query()
	query.Set("key_url", keyURL)
	if originalChannelURL != "" {
		query.Set("original_channel_url", originalChannelURL)
	}
	for key, value := range headers {
		query.Set("h_"+key, value)
	}
	if apiPassword != "" {
		query.Set("api_password", apiPassword)
	}
	proxyURL.RawQuery = query.Encode()
	return proxyURL.String()
}

// buildProxyURLWithPath builds a proxy URL at a fixed path using the "d"
// query parameter, per spec section 4.3's #EXT-X-MAP/#EXT-X-MEDIA rewrites.
func (h *HLSHandler) buildProxyURLWithPath(targetURL, proxyBaseURL, path string, headers map[string]string, apiPassword string) string {
	proxyURL, _ := url.Parse(proxyBaseURL + path)
	query := proxyURL.Query()
	query.Set("d", targetURL)
	for key, value := range headers {
		query.Set("h_"+key, value)
	}
	if apiPassword != "" {
		query.Set("api_password", apiPassword)
	}
	proxyURL.RawQuery = query.Encode()
	return proxyURL.String()
}

// dispatchSegmentURL routes a plain (non-tag) manifest line to the proxy
// path matching its kind: a nested playlist goes back through the manifest
// rewriter, a .css masquerading as HLS on newkso.ru likewise, and media
// segments go through the extension-specific segment route.
func (h *HLSHandler) dispatchSegmentURL(targetURL, proxyBaseURL string, headers map[string]string, apiPassword string) string {
	lower := strings.ToLower(targetURL)

	var path string
	switch {
	case strings.Contains(lower, ".m3u8"), isNewksoCSS(targetURL):
		path = "/proxy/manifest.m3u8"
	case strings.HasSuffix(lower, ".ts"):
		path = "/proxy/hls/segment.ts"
	case strings.HasSuffix(lower, ".m4s"):
		path = "/proxy/hls/segment.m4s"
	case strings.HasSuffix(lower, ".mp4"):
		path = "/proxy/hls/segment.mp4"
	case strings.HasSuffix(lower, ".aac"):
		path = "/proxy/hls/segment.aac"
	default:
		path = "/proxy/stream"
	}

	return h.buildProxyURLWithPath(targetURL, proxyBaseURL, path, headers, apiPassword)
}

// filterHighestBandwidthVariant implements the VixSrc quality filter: pick
// the single highest-BANDWIDTH #EXT-X-STREAM-INF/URL pair, keep every
// #EXT-X-MEDIA line (audio groups referenced by it), and drop every other
// variant. Header lines (#EXTM3U, #EXT-X-VERSION, ...) are preserved.
func filterHighestBandwidthVariant(lines []string, base *url.URL) []string {
	type variant struct {
		infLine string
		uriLine string
		bw      int
	}

	var (
		header   []string
		media    []string
		variants []variant
		best     = -1
	)

	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(trimmed, "#EXT-X-STREAM-INF:"):
			uriLine := ""
			if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" && !strings.HasPrefix(strings.TrimSpace(lines[i+1]), "#") {
				uriLine = lines[i+1]
				i++
			}
			v := variant{infLine: lines[i-1], uriLine: uriLine, bw: parseBandwidth(trimmed)}
			variants = append(variants, v)
			if best == -1 || v.bw > variants[best].bw {
				best = len(variants) - 1
			}
		case strings.HasPrefix(trimmed, "#EXT-X-MEDIA:"):
			media = append(media, lines[i])
		case strings.HasPrefix(trimmed, "#EXTM3U"), strings.HasPrefix(trimmed, "#EXT-X-VERSION"):
			header = append(header, lines[i])
		}
	}

	if best == -1 {
		return lines
	}

	out := make([]string, 0, len(header)+len(media)+2)
	out = append(out, header...)
	out = append(out, media...)
	out = append(out, variants[best].infLine)
	if variants[best].uriLine != "" {
		out = append(out, variants[best].uriLine)
	}
	return out
}

// parseBandwidth extracts the BANDWIDTH attribute from an
// #EXT-X-STREAM-INF tag line.
func parseBandwidth(line string) int {
	idx := strings.Index(line, "BANDWIDTH=")
	if idx == -1 {
		return 0
	}
	rest := line[idx+len("BANDWIDTH="):]
	end := strings.IndexAny(rest, ",\n")
	if end != -1 {
		rest = rest[:end]
	}
	n, _ := strconv.Atoi(strings.TrimSpace(rest))
	return n
}

// Ensure HLSHandler implements StreamHandler.
var _ interfaces.StreamHandler = (*HLSHandler)(nil)
