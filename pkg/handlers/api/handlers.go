// Package api provides HTTP handlers for the proxy API.
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaycast/pkg/apperr"
	"relaycast/pkg/appctx"
	"relaycast/pkg/crypto"
	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/playlist"
	"relaycast/pkg/types"
)

// cacheInvalidator is implemented by extractors (DLHD) that can drop a
// cached resolution when the URL it handed out stops working.
type cacheInvalidator interface {
	InvalidateCacheForURL(url string)
}

// initSegmentTTL bounds how long a fused-decrypt init segment stays cached;
// init segments rarely change mid-stream but a bounded TTL keeps the cache
// from serving a stale segment forever if an origin rotates one.
const initSegmentTTL = 10 * time.Minute

type initCacheEntry struct {
	data      []byte
	fetchedAt time.Time
}

// Handlers contains all API handlers.
type Handlers struct {
	ctx      *appctx.Context
	log      *logging.Logger
	composer *playlist.Composer

	initCacheMu sync.RWMutex
	initCache   map[string]initCacheEntry
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	h := &Handlers{
		ctx:       ctx,
		log:       ctx.Log.WithComponent("api"),
		initCache: make(map[string]initCacheEntry),
	}
	if ctx.HTTPClient != nil {
		h.composer = playlist.NewComposer(ctx.HTTPClient, ctx.Log)
	}
	return h
}

// checkPassword verifies the API password if one is configured.
// Returns true if authentication passes, false otherwise.
func (h *Handlers) checkPassword(r *http.Request) bool {
	configuredPassword := h.ctx.Config.APIPassword
	if configuredPassword == "" {
		return true // No password configured, allow access
	}

	// Check query parameter
	if r.URL.Query().Get("api_password") == configuredPassword {
		return true
	}

	// Check Authorization header (Bearer token)
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == configuredPassword {
			return true
		}
	}

	// Check X-API-Password header
	if r.Header.Get("X-API-Password") == configuredPassword {
		return true
	}

	return false
}

// requireAuth wraps a handler with authentication check.
func (h *Handlers) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.checkPassword(r) {
			h.log.Warn("unauthorized access attempt", "path", r.URL.Path, "remote", r.RemoteAddr)
			err := apperr.Unauthorized("Invalid API Password")
			h.writeError(w, apperr.StatusCode(err), err.Error())
			return
		}
		next(w, r)
	}
}

// RegisterRoutes registers all API routes. CORS headers, including the
// OPTIONS preflight short-circuit, are applied for every route by the
// server's middleware chain.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Public routes
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /builder", h.handleBuilder)
	mux.HandleFunc("GET /info", h.handleInfo)
	mux.HandleFunc("GET /api/info", h.handleAPIInfo)
	mux.HandleFunc("GET /favicon.ico", h.handleFavicon)
	mux.HandleFunc("GET /proxy/ip", h.handleIP)

	// Proxy routes (protected by API password if configured)
	mux.HandleFunc("GET /proxy/manifest.m3u8", h.requireAuth(h.handleProxyManifest))
	mux.HandleFunc("GET /proxy/hls/manifest.m3u8", h.requireAuth(h.handleProxyHLS))
	mux.HandleFunc("GET /proxy/mpd/manifest.m3u8", h.requireAuth(h.handleProxyMPD))
	mux.HandleFunc("GET /proxy/stream", h.requireAuth(h.handleProxyStream))

	// Segment routes (for MPD-to-HLS conversion)
	mux.HandleFunc("GET /proxy/hls/segment.ts", h.requireAuth(h.handleProxyStream))
	mux.HandleFunc("GET /proxy/hls/segment.m4s", h.requireAuth(h.handleProxyStream))
	mux.HandleFunc("GET /proxy/hls/segment.mp4", h.requireAuth(h.handleProxyStream))
	mux.HandleFunc("GET /proxy/hls/segment.aac", h.requireAuth(h.handleProxyStream))
	mux.HandleFunc("GET /segment/{filename}", h.requireAuth(h.handleSegment))
	mux.HandleFunc("GET /decrypt/segment.mp4", h.requireAuth(h.handleDecryptSegment))

	// Extractor routes
	mux.HandleFunc("GET /extractor", h.handleExtractor)
	mux.HandleFunc("GET /extractor/video", h.handleExtractor)

	// DRM routes
	mux.HandleFunc("GET /license", h.handleLicense)
	mux.HandleFunc("POST /license", h.handleLicense)
	mux.HandleFunc("GET /key", h.handleKey)

	// Playlist composer and batch URL builder
	mux.HandleFunc("GET /playlist", h.handlePlaylist)
	mux.HandleFunc("POST /generate_urls", h.requireAuth(h.handleGenerateURLs))
}

// handleIndex serves a minimal landing page; the dashboard, DVR, and
// transcoding UI this used to carry live outside this proxy's scope now.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>relaycast</title>
</head>
<body>
    <h1>relaycast</h1>
    <p>Streaming media reverse proxy.</p>
    <ul>
        <li><code>GET /extractor?url=...</code> &mdash; resolve a channel URL</li>
        <li><code>GET /proxy/manifest.m3u8?url=...</code> &mdash; proxy and rewrite a manifest</li>
        <li><code>GET /playlist?playlists=...</code> &mdash; compose a merged M3U playlist</li>
        <li><a href="/builder">/builder</a> &mdash; playlist URL builder</li>
        <li><a href="/api/info">/api/info</a> &mdash; status</li>
    </ul>
</body>
</html>`)
}

// handleBuilder serves a static page for assembling a /playlist request
// from one or more source playlist URLs.
func (h *Handlers) handleBuilder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head><title>relaycast - playlist builder</title></head>
<body>
    <h1>Playlist builder</h1>
    <p>Combine playlists with <code>;</code>. Append <code>|sort=true</code> or <code>|noproxy=true</code> to a source.</p>
    <form method="get" action="/playlist">
        <input type="text" name="playlists" size="80" placeholder="https://a.example/list.m3u8;https://b.example/list.m3u8|sort=true">
        <button type="submit">Build</button>
    </form>
</body>
</html>`)
}

// handleInfo serves the info page.
func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>relaycast - Info</title></head>
<body>
    <h1>relaycast - Server Info</h1>
    <p>Version: 1.0.0</p>
    <p>Language: Go</p>
</body>
</html>`)
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"version": "1.0.0",
	})
}

// handleFavicon serves the favicon.
func (h *Handlers) handleFavicon(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handleIP returns the server's public IP.
// handleIP reports the public IP as seen through whichever proxy is
// currently in rotation, not the relaycast host's own address.
func (h *Handlers) handleIP(w http.ResponseWriter, r *http.Request) {
	client := http.DefaultClient
	if h.ctx.HTTPClient != nil {
		client = h.ctx.HTTPClient.AnyProxyClient()
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to build IP request")
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to get IP")
		return
	}
	defer resp.Body.Close()

	ip, _ := io.ReadAll(resp.Body)
	h.writeJSON(w, http.StatusOK, map[string]string{"ip": string(ip)})
}

// handleProxyManifest handles the main proxy endpoint.
func (h *Handlers) handleProxyManifest(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}

	h.log.Debug("proxy manifest request", "url", req.URL)

	resp, err := h.ctx.ProxyService.HandleManifest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleProxyHLS handles explicit HLS proxy requests: a DASH source reached
// through this path is converted to HLS, as if format=hls had been given.
func (h *Handlers) handleProxyHLS(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}
	req.Format = "hls"

	resp, err := h.ctx.ProxyService.HandleManifest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeStreamResponse(w, r, resp)
}

// handleProxyMPD handles explicit MPD proxy requests: the manifest is
// rewritten and returned as DASH, never converted to HLS.
func (h *Handlers) handleProxyMPD(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}
	req.Format = "mpd"

	resp, err := h.ctx.ProxyService.HandleManifest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeStreamResponse(w, r, resp)
}

// handleProxyStream handles generic stream and segment proxy requests.
func (h *Handlers) handleProxyStream(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}

	h.log.Debug("proxy stream request", "url", req.URL)

	resp, err := h.ctx.ProxyService.HandleSegment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleSegment proxies a segment request addressed by base_url.
func (h *Handlers) handleSegment(w http.ResponseWriter, r *http.Request) {
	baseURL := r.URL.Query().Get("base_url")
	if baseURL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("base_url parameter required"))
		return
	}

	req := &types.StreamRequest{
		URL:         baseURL,
		Headers:     httpclient.ParseHeaderParams(r.URL.Query()),
		APIPassword: h.ctx.Config.APIPassword,
	}

	resp, err := h.ctx.ProxyService.HandleSegment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleDecryptSegment fuses an init segment and a media segment under
// CENC ClearKey decryption and serves the result as a single playable MP4.
// No remux step runs here: the output container is whatever the decrypted
// bytes already are.
func (h *Handlers) handleDecryptSegment(w http.ResponseWriter, r *http.Request) {
	segmentURL := r.URL.Query().Get("url")
	initURL := r.URL.Query().Get("init_url")
	keyID := r.URL.Query().Get("key_id")
	key := r.URL.Query().Get("key")

	if segmentURL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}

	headers := httpclient.ParseHeaderParams(r.URL.Query())

	h.log.WithKeyID(keyID).Debug("decrypt segment request", "segment_url", segmentURL, "init_url", initURL)

	initContent, segmentContent, err := h.fetchInitAndSegment(r.Context(), initURL, segmentURL, headers)
	if err != nil {
		h.writeServiceError(w, r, apperr.UpstreamTransient("failed to fetch segments", err))
		return
	}

	var combined []byte
	if keyID != "" && key != "" && keyID != strings.Repeat("0", 32) {
		decrypted, err := crypto.DecryptSegmentWithKeys(initContent, segmentContent, keyID, key)
		if err != nil {
			h.log.Error("decryption failed", "error", err)
			combined = append(initContent, segmentContent...)
		} else {
			combined = decrypted
		}
	} else {
		combined = append(initContent, segmentContent...)
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Write(combined)
}

// fetchInitAndSegment fetches init and media segment in parallel.
func (h *Handlers) fetchInitAndSegment(ctx context.Context, initURL, segmentURL string, headers map[string]string) ([]byte, []byte, error) {
	type result struct {
		data []byte
		err  error
	}

	initCh := make(chan result, 1)
	segCh := make(chan result, 1)

	go func() {
		if initURL == "" {
			initCh <- result{data: []byte{}, err: nil}
			return
		}
		data, err := h.fetchInitSegmentCached(ctx, initURL, headers)
		initCh <- result{data: data, err: err}
	}()

	go func() {
		data, err := h.fetchURL(ctx, segmentURL, headers)
		segCh <- result{data: data, err: err}
	}()

	initRes := <-initCh
	segRes := <-segCh

	// Init segment failure is non-fatal - continue with empty bytes.
	initData := initRes.data
	if initRes.err != nil {
		h.log.Warn("init segment fetch failed, continuing without it", "error", initRes.err)
		initData = []byte{}
	}

	if segRes.err != nil {
		return nil, nil, fmt.Errorf("failed to fetch segment: %w", segRes.err)
	}

	return initData, segRes.data, nil
}

// fetchInitSegmentCached fetches an init segment, reusing a cached copy
// keyed by URL when one is still within initSegmentTTL.
func (h *Handlers) fetchInitSegmentCached(ctx context.Context, initURL string, headers map[string]string) ([]byte, error) {
	h.initCacheMu.RLock()
	entry, ok := h.initCache[initURL]
	h.initCacheMu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < initSegmentTTL {
		return entry.data, nil
	}

	data, err := h.fetchURL(ctx, initURL, headers)
	if err != nil {
		return nil, err
	}

	h.initCacheMu.Lock()
	h.initCache[initURL] = initCacheEntry{data: data, fetchedAt: time.Now()}
	h.initCacheMu.Unlock()

	return data, nil
}

// fetchURL fetches a URL and returns the content using the configured HTTP client.
func (h *Handlers) fetchURL(ctx context.Context, urlStr string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "identity")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	}
	if req.Header.Get("Referer") == "" {
		if parsed, err := url.Parse(urlStr); err == nil {
			req.Header.Set("Referer", parsed.Scheme+"://"+parsed.Host+"/")
		}
	}

	client := h.httpClient()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// httpClient returns the shared client, falling back to http.DefaultClient
// so handlers remain usable in tests that construct Handlers without one.
func (h *Handlers) httpClient() interfaces.HTTPClient {
	if h.ctx.HTTPClient != nil {
		return h.ctx.HTTPClient
	}
	return http.DefaultClient
}

// handleExtractor resolves a URL without relaying it: returns the
// destination URL, request headers, endpoint kind, and a ready-made proxy
// URL, or redirects straight to the proxy URL if asked.
func (h *Handlers) handleExtractor(w http.ResponseWriter, r *http.Request) {
	urlStr := r.URL.Query().Get("url")
	if urlStr == "" {
		urlStr = r.URL.Query().Get("d")
	}
	if urlStr == "" {
		h.writeServiceError(w, r, apperr.BadRequest("url parameter required"))
		return
	}
	if h.ctx.ProxyService != nil {
		urlStr = h.ctx.ProxyService.DecodeURL(urlStr)
	}

	h.log.Debug("extract request", "url", urlStr)

	opts := interfaces.ExtractOptions{
		Headers:      httpclient.ParseHeaderParams(r.URL.Query()),
		ForceRefresh: r.URL.Query().Get("force") == "true",
		Host:         r.URL.Query().Get("host"),
	}

	result, err := h.ctx.ProxyService.HandleExtract(r.Context(), urlStr, opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("redirect_stream") == "true" {
		http.Redirect(w, r, result.ProxyURL, http.StatusFound)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// handleLicense serves a W3C ClearKey license for clearkey=kid:key, or
// forwards the request to a real license server for url=....
func (h *Handlers) handleLicense(w http.ResponseWriter, r *http.Request) {
	clearKey := r.URL.Query().Get("clearkey")
	if clearKey != "" {
		h.writeClearKeyLicense(w, clearKey)
		return
	}

	licenseURL := r.URL.Query().Get("url")
	if licenseURL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("clearkey or url parameter required"))
		return
	}

	h.proxyLicenseRequest(w, r, licenseURL)
}

// writeClearKeyLicense writes a ClearKey license response: comma-separated
// hex kid:key pairs, base64url (no padding) encoded per the W3C ClearKey
// spec's key-set JSON format.
func (h *Handlers) writeClearKeyLicense(w http.ResponseWriter, clearKey string) {
	keys := make([]map[string]string, 0)

	for _, pair := range strings.Split(clearKey, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		kid, err1 := hexToBase64URL(parts[0])
		k, err2 := hexToBase64URL(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		keys = append(keys, map[string]string{
			"kty":  "oct",
			"kid":  kid,
			"k":    k,
			"type": "temporary",
		})
	}

	license := map[string]interface{}{
		"keys": keys,
		"type": "temporary",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(license)
}

// hexToBase64URL decodes a hex string and re-encodes it unpadded base64url.
func hexToBase64URL(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// proxyLicenseRequest forwards the incoming request body/method and any
// h_* headers to licenseURL, then relays the status, body, and content
// type back verbatim.
func (h *Handlers) proxyLicenseRequest(w http.ResponseWriter, r *http.Request, licenseURL string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeServiceError(w, r, apperr.BadRequest("failed to read request body"))
		return
	}

	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(r.Context(), method, licenseURL, bodyReader)
	if err != nil {
		h.writeServiceError(w, r, apperr.BadRequest("invalid license url"))
		return
	}

	for k, v := range httpclient.ParseHeaderParams(r.URL.Query()) {
		req.Header.Set(k, v)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := h.httpClient().Do(req)
	if err != nil {
		h.writeServiceError(w, r, apperr.UpstreamTransient("failed to reach license server", err))
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleKey serves an AES-128/ClearKey byte key. Exactly one of
// static_key (a hex-encoded key returned verbatim) or key_url (a key
// fetched from the origin, carrying h_* headers and with Range stripped)
// must be given. A non-2xx key_url response invalidates the cache entry
// named by original_channel_url, so the next manifest request re-resolves.
func (h *Handlers) handleKey(w http.ResponseWriter, r *http.Request) {
	if staticKey := r.URL.Query().Get("static_key"); staticKey != "" {
		raw, err := hex.DecodeString(staticKey)
		if err != nil {
			h.writeServiceError(w, r, apperr.BadRequest("invalid static_key"))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(raw)
		return
	}

	keyURL := r.URL.Query().Get("key_url")
	if keyURL == "" {
		keyURL = r.URL.Query().Get("url")
	}
	if keyURL == "" {
		h.writeServiceError(w, r, apperr.BadRequest("static_key or key_url parameter required"))
		return
	}

	// The /key endpoint is the one place h_ param names get their
	// underscores turned into hyphens (h_User_Agent -> User-Agent):
	// clients proxying key requests can't always emit literal hyphens in
	// a query param name, so this is the escape hatch for that case.
	headers := make(map[string]string)
	for k, v := range r.URL.Query() {
		if strings.HasPrefix(k, "h_") && len(v) > 0 {
			headerName := strings.ReplaceAll(strings.TrimPrefix(k, "h_"), "_", "-")
			headers[headerName] = v[0]
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, keyURL, nil)
	if err != nil {
		h.writeServiceError(w, r, apperr.BadRequest("invalid key_url"))
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Del("Range")

	resp, err := h.httpClient().Do(req)
	if err != nil {
		h.writeServiceError(w, r, apperr.UpstreamTransient("failed to fetch key", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.invalidateCacheFor(r.URL.Query().Get("original_channel_url"))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// invalidateCacheFor drops the cached resolution for originalChannelURL if
// its extractor supports invalidation (DLHD's per-channel cache does).
func (h *Handlers) invalidateCacheFor(originalChannelURL string) {
	if originalChannelURL == "" || h.ctx.ExtractorRegistry == nil {
		return
	}
	extractor := h.ctx.ExtractorRegistry.Get(originalChannelURL)
	if inv, ok := extractor.(cacheInvalidator); ok {
		inv.InvalidateCacheForURL(originalChannelURL)
	}
}

// handlePlaylist composes one or more remote M3U playlists into a single
// merged playlist, rewriting entries into proxy URLs.
func (h *Handlers) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if !h.checkPassword(r) {
		err := apperr.Unauthorized("Invalid API Password")
		h.writeError(w, apperr.StatusCode(err), err.Error())
		return
	}

	definitions := r.URL.Query().Get("playlists")
	if definitions == "" {
		definitions = r.URL.Query().Get("urls")
	}
	if definitions == "" {
		h.writeServiceError(w, r, apperr.BadRequest("playlists parameter required"))
		return
	}
	if h.composer == nil {
		h.writeError(w, http.StatusInternalServerError, "playlist composer unavailable")
		return
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Cache-Control", "no-cache")

	if err := h.composer.Compose(r.Context(), w, definitions, h.ctx.BaseURL, h.ctx.Config.APIPassword); err != nil {
		h.log.Error("playlist composition failed", "error", err)
	}
}

// generateURLsRequest is the batch-build payload for /generate_urls.
type generateURLsRequest struct {
	URLs []struct {
		DestinationURL string            `json:"destination_url"`
		Endpoint       string            `json:"endpoint"`
		RequestHeaders map[string]string `json:"request_headers"`
	} `json:"urls"`
}

// handleGenerateURLs batch-builds proxy URLs without performing any
// extraction, for callers that already know the destination and endpoint.
func (h *Handlers) handleGenerateURLs(w http.ResponseWriter, r *http.Request) {
	var req generateURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeServiceError(w, r, apperr.BadRequest("invalid request body"))
		return
	}

	built := make([]string, 0, len(req.URLs))
	for _, item := range req.URLs {
		built = append(built, h.ctx.ProxyService.BuildProxyURL(item.DestinationURL, item.RequestHeaders, item.Endpoint))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"urls": built})
}

// Helper methods

func (h *Handlers) parseStreamRequest(r *http.Request) *types.StreamRequest {
	urlStr := r.URL.Query().Get("url")
	if urlStr == "" {
		urlStr = r.URL.Query().Get("d")
	}

	// Get clearkey - supports combined format or separate key_id/key params
	clearKey := r.URL.Query().Get("clearkey")
	keyID := r.URL.Query().Get("key_id")
	key := r.URL.Query().Get("key")

	// If no clearkey but separate key_id/key provided, combine them
	// Supports comma-separated multiple keys: key_id=KID1,KID2 key=KEY1,KEY2
	if clearKey == "" && keyID != "" && key != "" {
		kids := strings.Split(keyID, ",")
		keys := strings.Split(key, ",")
		if len(kids) == len(keys) {
			var pairs []string
			for i := range kids {
				pairs = append(pairs, strings.TrimSpace(kids[i])+":"+strings.TrimSpace(keys[i]))
			}
			clearKey = strings.Join(pairs, ",")
		} else if len(kids) == 1 && len(keys) == 1 {
			clearKey = keyID + ":" + key
		}
	}

	return &types.StreamRequest{
		URL:            urlStr,
		Headers:        httpclient.ParseHeaderParams(r.URL.Query()),
		ClearKey:       clearKey,
		KeyID:          keyID,
		Key:            key,
		RedirectStream: r.URL.Query().Get("redirect_stream") == "true",
		Force:          r.URL.Query().Get("force") == "true",
		Extension:      r.URL.Query().Get("ext"),
		RepID:          r.URL.Query().Get("rep_id"),
		Format:         r.URL.Query().Get("format"),
		Host:           r.URL.Query().Get("host"),
		NoBypass:       r.URL.Query().Get("no_bypass") == "1",
		APIPassword:    h.ctx.Config.APIPassword,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError classifies err via apperr, logs it at a level matching
// whether the condition was expected, and writes the mapped status code.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.StatusCode(err)
	if apperr.Quiet(err) {
		h.log.Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.log.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handlers) writeStreamResponse(w http.ResponseWriter, r *http.Request, resp *types.StreamResponse) {
	if resp.RedirectURL != "" {
		http.Redirect(w, r, resp.RedirectURL, resp.StatusCode)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)

	if resp.Body != nil {
		defer resp.Body.Close()
		if _, err := io.Copy(w, resp.Body); err != nil {
			// Status is already committed; this only affects what gets logged.
			if r.Context().Err() != nil {
				h.log.Debug("client disconnected mid-stream", "path", r.URL.Path, "error", apperr.ClientGone(err))
			} else {
				h.log.Debug("upstream disconnected mid-stream", "path", r.URL.Path, "error", apperr.UpstreamGone(err))
			}
		}
	}
}
