// Package extractors provides URL extraction for various streaming services.
package extractors

import (
	"context"
	"net/url"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
)

// orionPassthroughHeaders are the client-supplied headers Orionoid streams
// actually need forwarded; cookies and auth tokens gate playback there.
var orionPassthroughHeaders = map[string]bool{
	"cookie":          true,
	"authorization":   true,
	"user-agent":      true,
	"referer":         true,
	"accept":          true,
	"accept-language": true,
	"range":           true,
}

// OrionExtractor doesn't resolve a different URL; it exists to attach the
// headers Orionoid streams require (origin/referer spoofing plus a narrow
// allowlist of client headers) that a generic pass-through would drop.
type OrionExtractor struct {
	*BaseExtractor
	log *logging.Logger
}

// NewOrionExtractor creates a new Orion extractor.
func NewOrionExtractor(client *httpclient.Client, log *logging.Logger) *OrionExtractor {
	return &OrionExtractor{
		BaseExtractor: NewBaseExtractor(client, log),
		log:           log.WithComponent("orion-extractor"),
	}
}

// Name returns the extractor name.
func (e *OrionExtractor) Name() string {
	return "orion"
}

// CanExtract returns true if this extractor can handle the URL.
func (e *OrionExtractor) CanExtract(urlStr string) bool {
	return strings.Contains(strings.ToLower(urlStr), "orion")
}

// Extract attaches Orionoid-compatible headers without changing the URL.
func (e *OrionExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	origin := parsed.Scheme + "://" + parsed.Host

	headers := map[string]string{
		"user-agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"referer":         origin,
		"origin":          origin,
		"accept":          "*/*",
		"accept-language": "en-US,en;q=0.9",
		"sec-fetch-dest":  "empty",
		"sec-fetch-mode":  "cors",
		"sec-fetch-site":  "cross-site",
	}

	for k, v := range opts.Headers {
		if orionPassthroughHeaders[strings.ToLower(k)] {
			headers[k] = v
		}
	}

	return &types.ExtractResult{
		DestinationURL: urlStr,
		RequestHeaders: headers,
		EndpointType:   types.EndpointHLSProxy,
	}, nil
}

var _ interfaces.Extractor = (*OrionExtractor)(nil)
