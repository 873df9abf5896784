// Package extractors provides URL extraction for various streaming services.
package extractors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

var (
	voeRedirectRe   = regexp.MustCompile(`window\.location\.href\s*=\s*'([^']+)'`)
	voeCodeScriptRe = regexp.MustCompile(`(?s)json">\["([^"]+)"]</script>\s*<script\s*src="([^"]+)`)
	voeLUTsRe       = regexp.MustCompile(`(?s)(\[(?:'\W{2}'[,\]]){1,9})`)
)

// VoeExtractor resolves voe.sx-family embeds, whose player page hides the
// source URL behind a Caesar-shifted, regex-stripped, double base64 blob.
type VoeExtractor struct {
	*BaseExtractor
	log *logging.Logger
}

// NewVoeExtractor creates a new VOE extractor.
func NewVoeExtractor(client *httpclient.Client, log *logging.Logger) *VoeExtractor {
	return &VoeExtractor{
		BaseExtractor: NewBaseExtractor(client, log),
		log:           log.WithComponent("voe-extractor"),
	}
}

// Name returns the extractor name.
func (e *VoeExtractor) Name() string {
	return "voe"
}

// CanExtract returns true if this extractor can handle the URL.
func (e *VoeExtractor) CanExtract(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, "voe.sx") || strings.Contains(lower, "voe-") || strings.Contains(lower, "voeun")
}

// Extract resolves the final stream URL, following the embed's own
// window.location redirect chain up to 5 hops.
func (e *VoeExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	return e.extract(ctx, urlStr, 0)
}

func (e *VoeExtractor) extract(ctx context.Context, urlStr string, redirectCount int) (*types.ExtractResult, error) {
	text, err := e.fetchBody(ctx, urlStr)
	if err != nil {
		return nil, err
	}

	if m := voeRedirectRe.FindStringSubmatch(text); len(m) > 1 {
		if redirectCount >= 5 {
			return nil, fmt.Errorf("voe: too many redirects")
		}
		return e.extract(ctx, m[1], redirectCount+1)
	}

	match := voeCodeScriptRe.FindStringSubmatch(text)
	if len(match) < 3 {
		return nil, fmt.Errorf("voe: unable to locate obfuscated payload or external script url")
	}

	scriptURL, err := resolveRelativeURL(urlStr, match[2])
	if err != nil {
		return nil, err
	}

	scriptText, err := e.fetchBody(ctx, scriptURL)
	if err != nil {
		return nil, err
	}

	lutsMatch := voeLUTsRe.FindStringSubmatch(scriptText)
	if len(lutsMatch) < 2 {
		return nil, fmt.Errorf("voe: unable to locate luts in external script")
	}

	sourceURL, err := voeDecode(match[1], lutsMatch[1])
	if err != nil {
		return nil, err
	}
	if sourceURL == "" {
		return nil, fmt.Errorf("voe: failed to extract video url")
	}

	return &types.ExtractResult{
		DestinationURL: sourceURL,
		RequestHeaders: map[string]string{
			"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			"referer":    urlStr,
		},
		EndpointType: types.EndpointHLSProxy,
	}, nil
}

func (e *VoeExtractor) fetchBody(ctx context.Context, urlStr string) (string, error) {
	headers := map[string]string{
		"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
	resp, err := e.DoRequest(ctx, http.MethodGet, urlStr, headers)
	if err != nil {
		return "", fmt.Errorf("voe: failed to fetch %s: %w", urlStr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("voe: failed to read %s: %w", urlStr, err)
	}
	return string(body), nil
}

func resolveRelativeURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// voeRegexSpecial are the characters that need escaping when a LUT entry
// (a literal two-character string) is used as a regexp pattern.
const voeRegexSpecial = `.*+?^${}()|[]\`

// voeDecode reverses the player's obfuscation: a Caesar shift over the
// alphabet, stripping decoy substrings named by the LUT, a base64 decode,
// a per-byte shift of -3, a string reversal, and a final base64 decode
// into the JSON payload carrying the real source URL.
func voeDecode(ct, luts string) (string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(luts, "['"), "']")
	rawEntries := strings.Split(inner, "','")

	lut := make([]string, 0, len(rawEntries))
	for _, entry := range rawEntries {
		var b strings.Builder
		for _, r := range entry {
			if strings.ContainsRune(voeRegexSpecial, r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		lut = append(lut, b.String())
	}

	var shifted strings.Builder
	for _, r := range ct {
		x := int(r)
		switch {
		case x > 64 && x < 91:
			x = (x-52)%26 + 65
		case x > 96 && x < 123:
			x = (x-84)%26 + 97
		}
		shifted.WriteRune(rune(x))
	}
	txt := shifted.String()

	for _, pattern := range lut {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		txt = re.ReplaceAllString(txt, "")
	}

	stage1, err := base64.StdEncoding.DecodeString(txt)
	if err != nil {
		return "", fmt.Errorf("voe: base64 decode (stage 1) failed: %w", err)
	}

	var backShifted strings.Builder
	for _, r := range string(stage1) {
		backShifted.WriteRune(r - 3)
	}

	reversed := reverseString(backShifted.String())

	stage2, err := base64.StdEncoding.DecodeString(reversed)
	if err != nil {
		return "", fmt.Errorf("voe: base64 decode (stage 2) failed: %w", err)
	}

	var payload struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(stage2, &payload); err != nil {
		return "", fmt.Errorf("voe: failed to parse decoded payload: %w", err)
	}
	return payload.Source, nil
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// Close cleans up any resources.
func (e *VoeExtractor) Close() error {
	return nil
}

var _ interfaces.Extractor = (*VoeExtractor)(nil)
