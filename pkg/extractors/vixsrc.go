// Package extractors provides URL extraction for various streaming services.
package extractors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

var (
	vixsrcAppDataRe    = regexp.MustCompile(`(?is)<div id="app"[^>]*data-page="([^"]+)"`)
	vixsrcVersionRe    = regexp.MustCompile(`"version"\s*:\s*"([^"]+)"`)
	vixsrcNestedIframe = regexp.MustCompile(`(?is)<iframe[^>]+src="([^"]+)"`)
	vixsrcScriptTagRe  = regexp.MustCompile(`(?is)<body.*?<script[^>]*>(.*?)</script>`)
	vixsrcTokenRe      = regexp.MustCompile(`'token'\s*:\s*'(\w+)'`)
	vixsrcExpiresRe    = regexp.MustCompile(`'expires'\s*:\s*'(\d+)'`)
	vixsrcServerURLRe  = regexp.MustCompile(`url\s*:\s*'([^']+)'`)
)

// VixSrcExtractor extracts stream URLs from vixsrc.to, a movie/TV embed site
// that serves its iframe chain through Inertia.js page props.
type VixSrcExtractor struct {
	*BaseExtractor
	log *logging.Logger
}

// NewVixSrcExtractor creates a new VixSrc extractor.
func NewVixSrcExtractor(client *httpclient.Client, log *logging.Logger) *VixSrcExtractor {
	return &VixSrcExtractor{
		BaseExtractor: NewBaseExtractor(client, log),
		log:           log.WithComponent("vixsrc-extractor"),
	}
}

// Name returns the extractor name.
func (e *VixSrcExtractor) Name() string {
	return "vixsrc"
}

// CanExtract returns true if this extractor can handle the URL.
func (e *VixSrcExtractor) CanExtract(url string) bool {
	return strings.Contains(strings.ToLower(url), "vixsrc.to")
}

func (e *VixSrcExtractor) baseHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"Accept-Encoding": "gzip, deflate",
		"Connection":      "keep-alive",
	}
}

// Extract extracts the stream URL from a vixsrc.to URL.
func (e *VixSrcExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	e.log.Debug("extracting vixsrc stream", "url", urlStr)

	if strings.Contains(urlStr, "vixsrc.to/playlist") {
		return &types.ExtractResult{
			DestinationURL: urlStr,
			RequestHeaders: e.baseHeaders(),
			EndpointType:   types.EndpointHLSManifestProxy,
			IsVixSrc:       true,
		}, nil
	}

	var content string
	var err error

	switch {
	case strings.Contains(urlStr, "iframe"):
		content, err = e.extractViaIframe(ctx, urlStr)
	case strings.Contains(urlStr, "movie") || strings.Contains(urlStr, "tv"):
		content, err = e.fetchBody(ctx, urlStr, nil)
	default:
		return nil, fmt.Errorf("unsupported vixsrc url: %s", urlStr)
	}
	if err != nil {
		return nil, err
	}

	destinationURL, fhd, err := e.parsePlayerScript(content)
	if err != nil {
		return nil, err
	}
	if fhd {
		destinationURL += "&h=1"
	}

	headers := e.baseHeaders()
	headers["referer"] = urlStr

	return &types.ExtractResult{
		DestinationURL: destinationURL,
		RequestHeaders: headers,
		EndpointType:   types.EndpointHLSManifestProxy,
		IsVixSrc:       true,
	}, nil
}

// extractViaIframe resolves the site version, then walks the nested iframe
// chain vixsrc serves its Inertia.js player pages through.
func (e *VixSrcExtractor) extractViaIframe(ctx context.Context, urlStr string) (string, error) {
	siteURL := strings.Split(urlStr, "/iframe")[0]

	version, err := e.siteVersion(ctx, siteURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve vixsrc version: %w", err)
	}

	inertiaHeaders := map[string]string{
		"x-inertia":         "true",
		"x-inertia-version": version,
	}

	content, err := e.fetchBody(ctx, urlStr, inertiaHeaders)
	if err != nil {
		return "", err
	}

	match := vixsrcNestedIframe.FindStringSubmatch(content)
	if len(match) < 2 {
		return "", fmt.Errorf("could not find nested iframe in vixsrc page")
	}

	return e.fetchBody(ctx, match[1], inertiaHeaders)
}

// siteVersion fetches the Inertia.js asset version vixsrc embeds in the
// request-a-title page, required for subsequent x-inertia-version headers.
func (e *VixSrcExtractor) siteVersion(ctx context.Context, siteURL string) (string, error) {
	content, err := e.fetchBody(ctx, siteURL+"/request-a-title", nil)
	if err != nil {
		return "", err
	}

	dataMatch := vixsrcAppDataRe.FindStringSubmatch(content)
	if len(dataMatch) < 2 {
		return "", fmt.Errorf("could not find app data blob on vixsrc request-a-title page")
	}

	versionMatch := vixsrcVersionRe.FindStringSubmatch(dataMatch[1])
	if len(versionMatch) < 2 {
		return "", fmt.Errorf("could not find version in vixsrc app data blob")
	}

	return versionMatch[1], nil
}

// parsePlayerScript extracts the stream token/expiry/server URL from the
// first script tag of the player page body and assembles the final URL.
func (e *VixSrcExtractor) parsePlayerScript(content string) (string, bool, error) {
	scriptMatch := vixsrcScriptTagRe.FindStringSubmatch(content)
	if len(scriptMatch) < 2 {
		return "", false, fmt.Errorf("could not find player script in vixsrc page")
	}
	script := scriptMatch[1]

	tokenMatch := vixsrcTokenRe.FindStringSubmatch(script)
	expiresMatch := vixsrcExpiresRe.FindStringSubmatch(script)
	serverMatch := vixsrcServerURLRe.FindStringSubmatch(script)
	if len(tokenMatch) < 2 || len(expiresMatch) < 2 || len(serverMatch) < 2 {
		return "", false, fmt.Errorf("could not find token/expires/url in vixsrc player script")
	}

	serverURL := serverMatch[1]
	var destinationURL string
	if strings.Contains(serverURL, "?b=1") {
		destinationURL = fmt.Sprintf("%s&token=%s&expires=%s", serverURL, tokenMatch[1], expiresMatch[1])
	} else {
		destinationURL = fmt.Sprintf("%s?token=%s&expires=%s", serverURL, tokenMatch[1], expiresMatch[1])
	}

	fhd := strings.Contains(script, "window.canPlayFHD = true")
	return destinationURL, fhd, nil
}

// fetchBody performs a GET request merging the base headers with any
// request-specific overrides and returns the decoded response body.
func (e *VixSrcExtractor) fetchBody(ctx context.Context, urlStr string, extraHeaders map[string]string) (string, error) {
	headers := e.baseHeaders()
	for k, v := range extraHeaders {
		headers[k] = v
	}

	resp, err := e.DoRequest(ctx, http.MethodGet, urlStr, headers)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", urlStr, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body of %s: %w", urlStr, err)
	}

	return string(body), nil
}

// Close cleans up any resources.
func (e *VixSrcExtractor) Close() error {
	return nil
}

var _ interfaces.Extractor = (*VixSrcExtractor)(nil)
