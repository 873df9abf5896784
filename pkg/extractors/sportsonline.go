// Package extractors provides URL extraction for various streaming services.
package extractors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

var (
	sportsonlineIframeRe  = regexp.MustCompile(`(?i)<iframe\s+src=["']([^"']+)["']`)
	sportsonlinePackedRe  = regexp.MustCompile(`(?s)(eval\(function\(p,a,c,k,e,d\).*?)\s*</script>`)
	sportsonlinePackedAlt = regexp.MustCompile(`(?s)(eval\(function\(p,a,c,k,e,.*?\)\))`)
	sportsonlineDirectM3U = regexp.MustCompile(`https?://[^\s"'<>]+?\.m3u8[^\s"'<>]*`)
	sportsonlinePackerArg = regexp.MustCompile(`(?s)}\(\s*'((?:\\.|[^'\\])*)'\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*'((?:\\.|[^'\\])*)'\.split\('\|'\)`)

	sportsonlineM3U8Patterns = []*regexp.Regexp{
		regexp.MustCompile(`var\s+src\s*=\s*["']([^"']+\.m3u8[^"']*)["']`),
		regexp.MustCompile(`src\s*=\s*["']([^"']+\.m3u8[^"']*)["']`),
		regexp.MustCompile(`file\s*:\s*["']([^"']+\.m3u8[^"']*)["']`),
		regexp.MustCompile(`source\s*:\s*["'](https?://[^'"]+?\.m3u8[^'"]*?)["']`),
		regexp.MustCompile(`["'](https?://[^"']+\.m3u8[^"']*)["']`),
	}
)

// SportsonlineExtractor resolves sportsonline/sportzonline embeds, which
// hide their m3u8 URL behind P.A.C.K.E.R.-obfuscated JavaScript in an
// iframe nested one hop below the initial channel page.
type SportsonlineExtractor struct {
	*BaseExtractor
	log *logging.Logger
}

// NewSportsonlineExtractor creates a new Sportsonline extractor.
func NewSportsonlineExtractor(client *httpclient.Client, log *logging.Logger) *SportsonlineExtractor {
	return &SportsonlineExtractor{
		BaseExtractor: NewBaseExtractor(client, log),
		log:           log.WithComponent("sportsonline-extractor"),
	}
}

// Name returns the extractor name.
func (e *SportsonlineExtractor) Name() string {
	return "sportsonline"
}

// CanExtract returns true if this extractor can handle the URL.
func (e *SportsonlineExtractor) CanExtract(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, "sportsonline") || strings.Contains(lower, "sportzonline")
}

func (e *SportsonlineExtractor) baseHeaders() map[string]string {
	return map[string]string{
		"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	}
}

// Extract resolves the final m3u8 URL from a sportsonline channel page.
func (e *SportsonlineExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	mainHTML, err := e.fetchBody(ctx, urlStr, e.baseHeaders())
	if err != nil {
		return nil, fmt.Errorf("sportsonline: failed to fetch main page: %w", err)
	}

	iframeMatch := sportsonlineIframeRe.FindStringSubmatch(mainHTML)
	if len(iframeMatch) < 2 {
		return nil, fmt.Errorf("sportsonline: no iframe found on the page")
	}

	iframeURL, err := sportsonlineResolveIframeURL(urlStr, iframeMatch[1])
	if err != nil {
		return nil, err
	}

	iframeHeaders := map[string]string{
		"Referer":         "https://sportzonline.st/",
		"User-Agent":      e.baseHeaders()["user-agent"],
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9,it;q=0.8",
		"Cache-Control":   "no-cache",
	}

	iframeHTML, err := e.fetchBody(ctx, iframeURL, iframeHeaders)
	if err != nil {
		return nil, fmt.Errorf("sportsonline: failed to fetch iframe: %w", err)
	}

	responseHeaders := map[string]string{"Referer": iframeURL, "User-Agent": iframeHeaders["User-Agent"]}

	packedBlocks := detectPackerBlocks(iframeHTML)
	if len(packedBlocks) == 0 {
		if direct := sportsonlineDirectM3U.FindString(iframeHTML); direct != "" {
			return &types.ExtractResult{
				DestinationURL: direct,
				RequestHeaders: responseHeaders,
				EndpointType:   types.EndpointHLSManifestProxy,
			}, nil
		}
		return nil, fmt.Errorf("sportsonline: no packed blocks or direct m3u8 url found")
	}

	chosenIdx := 0
	if len(packedBlocks) > 1 {
		chosenIdx = 1
	}

	var m3u8URL string
	for i := 0; i < len(packedBlocks); i++ {
		idx := (chosenIdx + i) % len(packedBlocks)
		unpacked, err := unpackJS(packedBlocks[idx])
		if err != nil {
			e.log.Debug("failed to unpack block", "index", idx, "error", err)
			continue
		}
		for _, pattern := range sportsonlineM3U8Patterns {
			if m := pattern.FindStringSubmatch(unpacked); len(m) > 1 && strings.Contains(m[1], ".m3u8") {
				m3u8URL = m[1]
				break
			}
		}
		if m3u8URL != "" {
			break
		}
	}

	if m3u8URL == "" {
		return nil, fmt.Errorf("sportsonline: could not extract m3u8 url from any packed code block")
	}

	return &types.ExtractResult{
		DestinationURL: m3u8URL,
		RequestHeaders: responseHeaders,
		EndpointType:   types.EndpointHLSManifestProxy,
	}, nil
}

func sportsonlineResolveIframeURL(pageURL, iframeSrc string) (string, error) {
	switch {
	case strings.HasPrefix(iframeSrc, "//"):
		return "https:" + iframeSrc, nil
	case strings.HasPrefix(iframeSrc, "/"):
		parsed, err := url.Parse(pageURL)
		if err != nil {
			return "", err
		}
		return parsed.Scheme + "://" + parsed.Host + iframeSrc, nil
	default:
		return iframeSrc, nil
	}
}

func (e *SportsonlineExtractor) fetchBody(ctx context.Context, urlStr string, headers map[string]string) (string, error) {
	reqHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		reqHeaders[k] = v
	}
	reqHeaders["Accept-Encoding"] = "gzip, deflate"

	resp, err := e.DoRequest(ctx, http.MethodGet, urlStr, reqHeaders)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s returned status %d", urlStr, resp.StatusCode)
	}

	return decodeDLHDResponse(resp)
}

// detectPackerBlocks extracts eval(function(p,a,c,k,e,d){...}(...)) blocks
// from HTML, the P.A.C.K.E.R. obfuscation these embeds wrap their player
// config in.
func detectPackerBlocks(html string) []string {
	matches := sportsonlinePackedRe.FindAllStringSubmatch(html, -1)
	if len(matches) == 0 {
		matches = sportsonlinePackedAlt.FindAllStringSubmatch(html, -1)
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, m[1])
	}
	return blocks
}

// unpackJS reverses P.A.C.K.E.R. obfuscation: p is the packed payload, a is
// the base the dictionary indices are encoded in, c counts the dictionary
// entries, and k holds the replacement words, reassembled back to front so
// longer indices never collide with shorter ones still awaiting
// replacement.
func unpackJS(packedBlock string) (string, error) {
	argMatch := sportsonlinePackerArg.FindStringSubmatch(packedBlock)
	if len(argMatch) < 5 {
		return "", fmt.Errorf("could not locate packer arguments")
	}

	p := unescapeJSString(argMatch[1])
	base, err := strconv.Atoi(argMatch[2])
	if err != nil {
		return "", fmt.Errorf("invalid packer base: %w", err)
	}
	count, err := strconv.Atoi(argMatch[3])
	if err != nil {
		return "", fmt.Errorf("invalid packer count: %w", err)
	}
	k := strings.Split(unescapeJSString(argMatch[4]), "|")

	for c := count - 1; c >= 0; c-- {
		if c >= len(k) || k[c] == "" {
			continue
		}
		word := intToBase(c, base)
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			continue
		}
		p = re.ReplaceAllString(p, k[c])
	}

	return p, nil
}

func unescapeJSString(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

const packerDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

// intToBase renders x in the given base using the packer's digit alphabet,
// matching the indices the packed payload encodes dictionary words with.
func intToBase(x, base int) string {
	if x == 0 {
		return "0"
	}
	var digits []byte
	for x > 0 {
		digits = append([]byte{packerDigits[x%base]}, digits...)
		x /= base
	}
	return string(digits)
}

// Close cleans up any resources.
func (e *SportsonlineExtractor) Close() error {
	return nil
}

var _ interfaces.Extractor = (*SportsonlineExtractor)(nil)
