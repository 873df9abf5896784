// Package extractors provides URL extraction for various streaming services.
package extractors

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"relaycast/pkg/apperr"
	"relaycast/pkg/flaresolverr"
	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
	"relaycast/pkg/urlutil"
)

const dlhdUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

var dlhdBaseDomains = []string{"https://daddylive.sx/", "https://dlhd.dad/"}

var dlhdChannelIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/premium(\d+)/mono\.m3u8$`),
	regexp.MustCompile(`(?i)/(?:watch|stream|cast|player)/stream-(\d+)\.php`),
	regexp.MustCompile(`(?i)watch\.php\?id=(\d+)`),
	regexp.MustCompile(`(?i)(?:%2F|/)stream-(\d+)\.php`),
	regexp.MustCompile(`(?i)stream-(\d+)\.php`),
	regexp.MustCompile(`(?i)id=(\d+)`),
	regexp.MustCompile(`(?i)/channel/(\d+)`),
}

var (
	dlhdPlayerLinkRe = regexp.MustCompile(`(?is)<button[^>]*data-url="([^"]+)"[^>]*>\s*Player\s*\d+\s*</button>`)
	dlhdIframeRe     = regexp.MustCompile(`(?is)<iframe.*?src="([^"]*)"`)

	dlhdAuthParamPatterns = map[string]*regexp.Regexp{
		"channel_key":  regexp.MustCompile(`(?:const|var|let)\s+(?:CHANNEL_KEY|channelKey)\s*=\s*["']([^"']+)["']`),
		"auth_token":   regexp.MustCompile(`(?:const|var|let)\s+AUTH_TOKEN\s*=\s*["']([^"']+)["']`),
		"auth_country": regexp.MustCompile(`(?:const|var|let)\s+AUTH_COUNTRY\s*=\s*["']([^"']+)["']`),
		"auth_ts":      regexp.MustCompile(`(?:const|var|let)\s+AUTH_TS\s*=\s*["']([^"']+)["']`),
		"auth_expiry":  regexp.MustCompile(`(?:const|var|let)\s+AUTH_EXPIRY\s*=\s*["']([^"']+)["']`),
	}

	dlhdM3U8Patterns = []*regexp.Regexp{
		regexp.MustCompile(`["']([^"']*\.m3u8[^"']*)["']`),
		regexp.MustCompile(`source[:\s]+["']([^"']+)["']`),
		regexp.MustCompile(`file[:\s]+["']([^"']+\.m3u8[^"']*)["']`),
		regexp.MustCompile(`hlsManifestUrl[:\s]*["']([^"']+)["']`),
	}
	dlhdLovecdnChannelRe = regexp.MustCompile(`(?i)(?:stream|channel)["\s:=]+["']([^"']+)["']`)
	dlhdLovecdnServerRe  = regexp.MustCompile(`(?i)(?:server|domain|host)["\s:=]+["']([^"']+)["']`)
	dlhdFallbackURLRe    = regexp.MustCompile(`https?://[^\s"'<>]+\.m3u8[^\s"'<>]*`)
)

// pageFetcher fetches a page's text content, either directly or through a
// Cloudflare-bypass proxy such as FlareSolverr.
type pageFetcher func(ctx context.Context, urlStr, referer string) (content string, status int, err error)

// DLHDExtractor resolves dlhd.dad/daddylive channel pages to a direct
// mono.css/mono.m3u8 stream URL, reproducing the site's anti-bot handshake:
// a cookie-carrying session, iframe discovery, and (depending on which CDN
// the channel lands on) either a direct lovecdn.ru stream URL or a
// POST-based auth handshake against security.newkso.ru.
type DLHDExtractor struct {
	*BaseExtractor
	log         *logging.Logger
	flareClient *flaresolverr.Client
	proxies     []string

	sessionMu sync.Mutex
	session   *http.Client

	flareSessionMu sync.Mutex
	flareSessionID string

	baseURLMu     sync.RWMutex
	cachedBaseURL string

	iframeCtxMu   sync.RWMutex
	iframeContext string

	cacheMu   sync.RWMutex
	cache     map[string]*types.ExtractResult
	cacheFile string

	locksMu         sync.Mutex
	extractionLocks map[string]*sync.Mutex
}

// NewDLHDExtractor creates a new DLHD extractor.
func NewDLHDExtractor(client *httpclient.Client, log *logging.Logger, flareClient *flaresolverr.Client) *DLHDExtractor {
	e := &DLHDExtractor{
		BaseExtractor:   NewBaseExtractor(client, log),
		log:             log.WithComponent("dlhd-extractor"),
		flareClient:     flareClient,
		cacheFile:       filepath.Join(os.TempDir(), "relaycast-dlhd-cache.json"),
		extractionLocks: make(map[string]*sync.Mutex),
	}
	e.cache = e.loadCache()
	return e
}

// WithProxies configures the proxy pool used for the extractor's own
// session (DLHD_PROXY), chosen at random per session the way the original
// Python extractor does.
func (e *DLHDExtractor) WithProxies(proxies []string) *DLHDExtractor {
	e.proxies = proxies
	return e
}

// Name returns the extractor name.
func (e *DLHDExtractor) Name() string {
	return "dlhd"
}

// CanExtract returns true if this extractor can handle the URL.
func (e *DLHDExtractor) CanExtract(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "dlhd.") ||
		strings.Contains(lower, "daddylive") ||
		strings.Contains(lower, "daddyhd")
}

// Close releases the persistent session, including any FlareSolverr
// browser session opened for this extractor.
func (e *DLHDExtractor) Close() error {
	e.sessionMu.Lock()
	e.session = nil
	e.sessionMu.Unlock()

	e.flareSessionMu.Lock()
	sessionID := e.flareSessionID
	e.flareSessionID = ""
	e.flareSessionMu.Unlock()

	if sessionID != "" && e.flareClient != nil {
		if err := e.flareClient.DestroySession(context.Background(), sessionID); err != nil {
			e.log.Warn("failed to destroy flaresolverr session", "error", err)
		}
	}
	return nil
}

// flareSession returns the persistent FlareSolverr browser session for this
// extractor, creating it on first use so the Cloudflare challenge for dlhd's
// current base domain is solved once and reused across extractions rather
// than on every request.
func (e *DLHDExtractor) flareSession(ctx context.Context) string {
	e.flareSessionMu.Lock()
	defer e.flareSessionMu.Unlock()

	if e.flareSessionID != "" {
		return e.flareSessionID
	}
	id, err := e.flareClient.CreateSession(ctx, "")
	if err != nil {
		e.log.Warn("failed to create flaresolverr session, falling back to sessionless requests", "error", err)
		return ""
	}
	e.flareSessionID = id
	return id
}

// Extract resolves a DLHD channel URL to a direct stream URL.
func (e *DLHDExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	channelID := extractDLHDChannelID(urlStr)
	if channelID == "" {
		return nil, apperr.BadRequest(fmt.Sprintf("could not determine dlhd channel id from %s", urlStr))
	}

	if !opts.ForceRefresh {
		if result, ok := e.validatedCache(ctx, channelID, urlStr); ok {
			return result, nil
		}
	}

	lock := e.lockForChannel(channelID)
	lock.Lock()
	defer lock.Unlock()

	if !opts.ForceRefresh {
		if result, ok := e.peekCache(channelID); ok {
			e.log.Debug("cache populated while waiting for extraction lock", "channel_id", channelID)
			return result, nil
		}
	}

	e.log.Debug("extracting dlhd stream", "url", urlStr, "channel_id", channelID)
	baseURL := e.resolveBaseURL(ctx, opts.ForceRefresh)

	result, err := e.getStreamData(ctx, baseURL, urlStr, e.directFetcher())
	if err != nil {
		e.log.Debug("direct dlhd extraction failed", "error", err)

		if e.flareClient != nil && e.flareClient.IsConfigured() {
			e.log.Info("retrying dlhd extraction via flaresolverr")
			var cookies []flaresolverr.Cookie
			flareResult, flareErr := e.getStreamData(ctx, baseURL, urlStr, e.flareFetcherFor(&cookies))
			if flareErr != nil {
				e.log.Warn("flaresolverr dlhd extraction also failed", "error", flareErr)
				return nil, e.classifyError(err)
			}
			e.storeCache(channelID, flareResult)
			return flareResult, nil
		}

		return nil, e.classifyError(err)
	}

	e.storeCache(channelID, result)
	return result, nil
}

func (e *DLHDExtractor) classifyError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "403") || strings.Contains(strings.ToLower(msg), "forbidden") {
		return apperr.UpstreamForbidden("dlhd extraction forbidden", err)
	}
	return apperr.Extractor("dlhd extraction failed", err)
}

// getStreamData runs the handshake: initial page -> player links -> iframe
// candidates -> lovecdn/new-auth-flow branch.
func (e *DLHDExtractor) getStreamData(ctx context.Context, baseURL, initialURL string, fetch pageFetcher) (*types.ExtractResult, error) {
	content1, _, err := fetch(ctx, initialURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel page: %w", err)
	}

	var playerLinks []string
	for _, m := range dlhdPlayerLinkRe.FindAllStringSubmatch(content1, -1) {
		playerLinks = append(playerLinks, m[1])
	}
	if len(playerLinks) == 0 {
		return nil, apperr.Extractor("no player links found on channel page", nil)
	}

	type iframeCandidate struct{ url, referer string }
	var candidates []iframeCandidate
	seen := make(map[string]bool)
	var lastPlayerErr error

	for _, raw := range playerLinks {
		playerURL := urlutil.ResolveURL(raw, baseURL)
		content2, _, err := fetch(ctx, playerURL, playerURL)
		if err != nil {
			lastPlayerErr = err
			continue
		}
		for _, m := range dlhdIframeRe.FindAllStringSubmatch(content2, -1) {
			full := urlutil.ResolveURL(m[1], playerURL)
			if !seen[full] {
				seen[full] = true
				candidates = append(candidates, iframeCandidate{url: full, referer: playerURL})
			}
		}
	}

	if len(candidates) == 0 {
		if lastPlayerErr != nil {
			return nil, fmt.Errorf("all player links failed: %w", lastPlayerErr)
		}
		return nil, apperr.Extractor("no iframe found in any player page", nil)
	}

	var lastIframeErr error
	for _, cand := range candidates {
		host := urlutil.GetSchemeHost(cand.url)
		if host == "" {
			continue
		}

		e.setIframeContext(cand.url)
		iframeContent, _, err := fetch(ctx, cand.url, cand.referer)
		if err != nil {
			lastIframeErr = err
			continue
		}

		var result *types.ExtractResult
		if strings.Contains(strings.ToLower(cand.url), "lovecdn.ru") {
			result, err = e.extractLovecdnStream(cand.url, iframeContent)
		} else {
			result, err = e.extractNewAuthFlow(ctx, cand.url, iframeContent)
		}
		if err != nil {
			e.log.Debug("iframe candidate failed", "url", cand.url, "error", err)
			lastIframeErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("all iframe candidates failed: %w", lastIframeErr)
}

// extractLovecdnStream handles the lovecdn.ru iframe variant, which embeds
// the stream URL directly in the page rather than requiring an auth POST.
func (e *DLHDExtractor) extractLovecdnStream(iframeURL, content string) (*types.ExtractResult, error) {
	var streamURL string
	for _, re := range dlhdM3U8Patterns {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if strings.Contains(m[1], ".m3u8") && strings.HasPrefix(m[1], "http") {
				streamURL = m[1]
				break
			}
		}
		if streamURL != "" {
			break
		}
	}

	if streamURL == "" {
		if ch := dlhdLovecdnChannelRe.FindStringSubmatch(content); len(ch) > 1 {
			server := "newkso.ru"
			if sv := dlhdLovecdnServerRe.FindStringSubmatch(content); len(sv) > 1 {
				server = sv[1]
			}
			streamURL = fmt.Sprintf("https://%s/%s/mono.m3u8", server, ch[1])
		}
	}

	if streamURL == "" {
		if m := dlhdFallbackURLRe.FindString(content); m != "" {
			streamURL = m
		}
	}

	if streamURL == "" {
		return nil, apperr.Extractor("could not find stream url in lovecdn.ru iframe", nil)
	}

	origin := urlutil.GetSchemeHost(iframeURL)
	headers := map[string]string{
		"User-Agent": dlhdUserAgent,
		"Referer":    iframeURL,
		"Origin":     origin,
	}

	return &types.ExtractResult{
		DestinationURL: streamURL,
		RequestHeaders: headers,
		EndpointType:   types.EndpointHLSManifestProxy,
	}, nil
}

// extractNewAuthFlow handles the CHANNEL_KEY/AUTH_TOKEN auth handshake:
// an auth POST to security.newkso.ru, a server_lookup.js call, then a
// constructed stream URL carrying the bearer token as an Authorization
// header.
func (e *DLHDExtractor) extractNewAuthFlow(ctx context.Context, iframeURL, content string) (*types.ExtractResult, error) {
	params := make(map[string]string, len(dlhdAuthParamPatterns))
	var missing []string
	for key, re := range dlhdAuthParamPatterns {
		if m := re.FindStringSubmatch(content); len(m) > 1 {
			params[key] = m[1]
		} else {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("not the new auth flow: missing params %v", missing)
	}

	iframeOrigin := urlutil.GetSchemeHost(iframeURL)
	authURL := "https://security.newkso.ru/auth2.php"

	form := url.Values{}
	form.Set("channelKey", params["channel_key"])
	form.Set("country", params["auth_country"])
	form.Set("timestamp", params["auth_ts"])
	form.Set("expiry", params["auth_expiry"])
	form.Set("token", params["auth_token"])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", dlhdUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", iframeOrigin)
	req.Header.Set("Referer", iframeURL)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")

	resp, err := e.getSession().Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth post failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("auth post returned status %d", resp.StatusCode)
	}

	var authData struct {
		Valid   bool `json:"valid"`
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &authData); err != nil || (!authData.Valid && !authData.Success) {
		return nil, fmt.Errorf("initial auth failed with response: %s", string(body))
	}

	lookupURL := fmt.Sprintf("%s/server_lookup.js?channel_id=%s", iframeOrigin, url.QueryEscape(params["channel_key"]))
	lookupContent, _, err := e.robustRequest(ctx, lookupURL, map[string]string{
		"User-Agent": dlhdUserAgent,
		"Referer":    iframeURL,
		"Origin":     iframeOrigin,
	}, 3, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("server lookup failed: %w", err)
	}

	var lookupData struct {
		ServerKey string `json:"server_key"`
	}
	if err := json.Unmarshal([]byte(lookupContent), &lookupData); err != nil || lookupData.ServerKey == "" {
		return nil, fmt.Errorf("no server_key in lookup response: %s", lookupContent)
	}

	channelKey := params["channel_key"]
	var streamURL string
	if lookupData.ServerKey == "top1/cdn" {
		streamURL = fmt.Sprintf("https://top1.newkso.ru/top1/cdn/%s/mono.css", channelKey)
	} else {
		streamURL = fmt.Sprintf("https://%snew.newkso.ru/%s/%s/mono.css", lookupData.ServerKey, lookupData.ServerKey, channelKey)
	}

	headers := map[string]string{
		"User-Agent":    dlhdUserAgent,
		"Referer":       iframeURL,
		"Origin":        iframeOrigin,
		"Authorization": "Bearer " + params["auth_token"],
		"X-Channel-Key": channelKey,
	}

	return &types.ExtractResult{
		DestinationURL: streamURL,
		RequestHeaders: headers,
		EndpointType:   types.EndpointHLSManifestProxy,
	}, nil
}

// directFetcher fetches pages through the extractor's own retrying session.
func (e *DLHDExtractor) directFetcher() pageFetcher {
	return func(ctx context.Context, urlStr, referer string) (string, int, error) {
		headers := map[string]string{
			"User-Agent":      dlhdUserAgent,
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
		}
		if referer != "" {
			headers["Referer"] = referer
		}
		content, status, err := e.robustRequest(ctx, urlStr, headers, 3, 2*time.Second)
		return content, status, err
	}
}

// flareFetcherFor fetches pages through FlareSolverr, threading the cookie
// jar FlareSolverr returns from call to call so session state survives
// across the handshake the way a real browser's would.
func (e *DLHDExtractor) flareFetcherFor(cookies *[]flaresolverr.Cookie) pageFetcher {
	return func(ctx context.Context, urlStr, referer string) (string, int, error) {
		resp, err := e.flareClient.Get(ctx, urlStr, *cookies, e.flareSession(ctx))
		if err != nil {
			return "", 0, err
		}
		*cookies = e.mergeCookies(*cookies, resp.Solution.Cookies)
		if resp.Solution.Status >= 400 {
			return "", resp.Solution.Status, fmt.Errorf("flaresolverr fetch returned status %d", resp.Solution.Status)
		}
		return resp.Solution.Response, resp.Solution.Status, nil
	}
}

func (e *DLHDExtractor) mergeCookies(existing, fresh []flaresolverr.Cookie) []flaresolverr.Cookie {
	byName := make(map[string]flaresolverr.Cookie, len(existing)+len(fresh))
	for _, c := range existing {
		byName[c.Name] = c
	}
	for _, c := range fresh {
		byName[c.Name] = c
	}
	result := make([]flaresolverr.Cookie, 0, len(byName))
	for _, c := range byName {
		result = append(result, c)
	}
	return result
}

// robustRequest performs a GET with session-cookie continuity, manual
// content decoding (the site uses zstd, which Go's transport doesn't
// decode automatically), and exponential-backoff retry.
func (e *DLHDExtractor) robustRequest(ctx context.Context, urlStr string, headers map[string]string, retries int, initialDelay time.Duration) (content string, status int, err error) {
	finalHeaders := e.headersForURL(urlStr, headers)
	finalHeaders["Accept-Encoding"] = "gzip, deflate, zstd"

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if reqErr != nil {
			return "", 0, reqErr
		}
		for k, v := range finalHeaders {
			req.Header.Set(k, v)
		}

		resp, doErr := e.getSession().Do(req)
		if doErr == nil {
			body, decErr := decodeDLHDResponse(resp)
			resp.Body.Close()
			if decErr == nil && resp.StatusCode < 400 {
				return body, resp.StatusCode, nil
			}
			if decErr != nil {
				lastErr = decErr
			} else {
				lastErr = fmt.Errorf("http status %d for %s", resp.StatusCode, urlStr)
			}
		} else {
			lastErr = doErr
		}

		if attempt == retries-1 {
			e.resetSession()
			return "", 0, fmt.Errorf("all %d attempts failed for %s: %w", retries, urlStr, lastErr)
		}

		delay := initialDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", 0, lastErr
}

// headersForURL mirrors the Python extractor's per-domain header override:
// requests to newkso.ru get Referer/Origin derived from whichever iframe
// we're currently working through, not from the caller-supplied headers.
func (e *DLHDExtractor) headersForURL(urlStr string, base map[string]string) map[string]string {
	headers := make(map[string]string, len(base)+2)
	for k, v := range base {
		headers[k] = v
	}

	parsed, err := url.Parse(urlStr)
	if err != nil || !strings.Contains(parsed.Host, "newkso.ru") {
		return headers
	}

	e.iframeCtxMu.RLock()
	iframe := e.iframeContext
	e.iframeCtxMu.RUnlock()

	if iframe != "" {
		headers["Referer"] = iframe
		headers["Origin"] = urlutil.GetSchemeHost(iframe)
	} else {
		origin := parsed.Scheme + "://" + parsed.Host
		headers["Referer"] = origin
		headers["Origin"] = origin
	}
	headers["User-Agent"] = dlhdUserAgent
	return headers
}

func (e *DLHDExtractor) setIframeContext(iframeURL string) {
	e.iframeCtxMu.Lock()
	e.iframeContext = iframeURL
	e.iframeCtxMu.Unlock()
}

// decodeDLHDResponse decompresses the response body according to its
// Content-Encoding, since the request sets Accept-Encoding explicitly
// (disabling Go's automatic gzip handling) and the origin sometimes
// responds with zstd.
func decodeDLHDResponse(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("zstd decompression failed: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return "", fmt.Errorf("zstd decompression failed: %w", err)
		}
		return string(out), nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("gzip decompression failed: %w", err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return "", fmt.Errorf("gzip decompression failed: %w", err)
		}
		return string(out), nil
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return "", fmt.Errorf("deflate decompression failed: %w", err)
		}
		return string(out), nil
	default:
		return string(raw), nil
	}
}

// resolveBaseURL finds the currently-active mirror domain, caching the
// result until a force refresh is requested.
func (e *DLHDExtractor) resolveBaseURL(ctx context.Context, forceRefresh bool) string {
	e.baseURLMu.RLock()
	cached := e.cachedBaseURL
	e.baseURLMu.RUnlock()
	if cached != "" && !forceRefresh {
		return cached
	}

	for _, base := range dlhdBaseDomains {
		_, _, err := e.robustRequest(ctx, base, nil, 1, 2*time.Second)
		if err != nil {
			e.log.Warn("base domain probe failed", "domain", base, "error", err)
			continue
		}
		final := base
		if !strings.HasSuffix(final, "/") {
			final += "/"
		}
		e.baseURLMu.Lock()
		e.cachedBaseURL = final
		e.baseURLMu.Unlock()
		e.log.Info("resolved dlhd base domain", "base_url", final)
		return final
	}

	fallback := dlhdBaseDomains[0]
	e.log.Warn("all base domain probes failed, using fallback", "fallback", fallback)
	e.baseURLMu.Lock()
	e.cachedBaseURL = fallback
	e.baseURLMu.Unlock()
	return fallback
}

// getSession returns the persistent cookie-carrying client, lazily
// creating one (optionally routed through a DLHD_PROXY pool entry) so the
// anti-bot session state survives across requests.
func (e *DLHDExtractor) getSession() *http.Client {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	if e.session != nil {
		return e.session
	}

	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network == "tcp" {
				network = "tcp4"
			}
			d := &net.Dialer{Timeout: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
		MaxIdleConnsPerHost: 3,
		IdleConnTimeout:     30 * time.Second,
	}

	if proxyURL := e.pickProxy(); proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
			e.log.Info("using proxy for dlhd session", "proxy", proxyURL)
		}
	}

	e.session = &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   60 * time.Second,
	}
	return e.session
}

func (e *DLHDExtractor) resetSession() {
	e.sessionMu.Lock()
	e.session = nil
	e.sessionMu.Unlock()
}

func (e *DLHDExtractor) pickProxy() string {
	if len(e.proxies) == 0 {
		return ""
	}
	return e.proxies[rand.Intn(len(e.proxies))]
}

// --- caching ---

func (e *DLHDExtractor) lockForChannel(channelID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if lock, ok := e.extractionLocks[channelID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.extractionLocks[channelID] = lock
	return lock
}

func (e *DLHDExtractor) peekCache(channelID string) (*types.ExtractResult, bool) {
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	result, ok := e.cache[channelID]
	return result, ok
}

// validatedCache returns the cached result for channelID if a HEAD request
// against the cached destination still succeeds, refreshing the session
// with a lightweight keep-alive GET against the original channel URL.
// Invalid entries are evicted.
func (e *DLHDExtractor) validatedCache(ctx context.Context, channelID, originalURL string) (*types.ExtractResult, bool) {
	entry, ok := e.peekCache(channelID)
	if !ok {
		return nil, false
	}

	if !e.headValidate(ctx, entry) {
		e.cacheMu.Lock()
		delete(e.cache, channelID)
		e.cacheMu.Unlock()
		e.saveCache()
		e.log.Info("evicted invalid dlhd cache entry", "channel_id", channelID)
		return nil, false
	}

	if _, _, err := e.robustRequest(ctx, originalURL, nil, 1, 2*time.Second); err != nil {
		e.log.Warn("dlhd keep-alive request failed", "channel_id", channelID, "error", err)
	}

	return entry, true
}

func (e *DLHDExtractor) headValidate(ctx context.Context, entry *types.ExtractResult) bool {
	validationClient := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, entry.DestinationURL, nil)
	if err != nil {
		return false
	}
	for k, v := range entry.RequestHeaders {
		req.Header.Set(k, v)
	}
	resp, err := validationClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *DLHDExtractor) storeCache(channelID string, result *types.ExtractResult) {
	e.cacheMu.Lock()
	if e.cache == nil {
		e.cache = make(map[string]*types.ExtractResult)
	}
	e.cache[channelID] = result
	e.cacheMu.Unlock()
	e.saveCache()
}

// InvalidateCacheForURL drops the cached entry for url's channel, called
// when a downstream component (e.g. a failed ClearKey decrypt) detects the
// cached stream is no longer good.
func (e *DLHDExtractor) InvalidateCacheForURL(url string) {
	channelID := extractDLHDChannelID(url)
	if channelID == "" {
		return
	}
	e.cacheMu.Lock()
	_, existed := e.cache[channelID]
	delete(e.cache, channelID)
	e.cacheMu.Unlock()
	if existed {
		e.saveCache()
		e.log.Info("invalidated dlhd cache entry", "channel_id", channelID)
	}
}

func (e *DLHDExtractor) loadCache() map[string]*types.ExtractResult {
	data, err := os.ReadFile(e.cacheFile)
	if err != nil {
		return make(map[string]*types.ExtractResult)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		e.log.Warn("failed to decode dlhd cache file", "error", err)
		return make(map[string]*types.ExtractResult)
	}
	var cache map[string]*types.ExtractResult
	if err := json.Unmarshal(decoded, &cache); err != nil {
		e.log.Warn("failed to parse dlhd cache file", "error", err)
		return make(map[string]*types.ExtractResult)
	}
	return cache
}

func (e *DLHDExtractor) saveCache() {
	e.cacheMu.RLock()
	data, err := json.Marshal(e.cache)
	e.cacheMu.RUnlock()
	if err != nil {
		e.log.Warn("failed to marshal dlhd cache", "error", err)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	if err := os.WriteFile(e.cacheFile, []byte(encoded), 0o600); err != nil {
		e.log.Warn("failed to persist dlhd cache", "error", err)
	}
}

func extractDLHDChannelID(urlStr string) string {
	for _, re := range dlhdChannelIDPatterns {
		if m := re.FindStringSubmatch(urlStr); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

var _ interfaces.Extractor = (*DLHDExtractor)(nil)
