// Package types defines core domain types used throughout the application.
package types

import (
	"context"
	"io"
	"net/http"
)

// StreamType identifies the type of stream being handled.
type StreamType string

const (
	StreamTypeHLS     StreamType = "hls"
	StreamTypeMPD     StreamType = "mpd"
	StreamTypeGeneric StreamType = "generic"
)

// EndpointKind tells the caller which proxy route a resolved stream should
// be routed through.
type EndpointKind string

const (
	EndpointHLSManifestProxy EndpointKind = "hls_manifest_proxy"
	EndpointHLSProxy         EndpointKind = "hls_proxy"
	EndpointMPDManifestProxy EndpointKind = "mpd_manifest_proxy"
	EndpointProxyStream      EndpointKind = "proxy_stream_endpoint"
)

// StreamRequest represents an incoming stream proxy request.
type StreamRequest struct {
	URL            string
	Headers        map[string]string
	ClearKey       string // Format: "KID:KEY" or "KID1:KEY1,KID2:KEY2"
	KeyID          string
	Key            string
	RedirectStream bool
	Force          bool
	Extension      string
	RepID          string
	Format         string // "hls" when DASH output should be HLS
	Host           string // explicit extractor tag override
	NoBypass       bool   // skip the VixSrc-style quality filter
	// OriginalChannelURL is the channel URL as requested, before
	// extraction resolved it to a destination URL. Carried into #EXT-X-KEY
	// rewrites so /key can invalidate the right cache entry on failure.
	OriginalChannelURL string
	// IsVixSrc flags that the resolved origin is VixSrc, activating the
	// HLS rewriter's highest-bandwidth-only filter.
	IsVixSrc bool
	// APIPassword is appended as &api_password=... to every proxy URL the
	// manifest rewriters emit, so the next hop clears middleware.Auth.
	APIPassword string
}

// StreamResponse represents the result of stream processing.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
	RedirectURL string // If non-empty, perform redirect instead
}

// ExtractResult is the resolver's output: a destination URL, the header
// set needed to fetch it, and which proxy route further requests should
// travel through.
type ExtractResult struct {
	DestinationURL string            `json:"destination_url"`
	RequestHeaders map[string]string `json:"request_headers"`
	EndpointType   EndpointKind      `json:"endpoint_type"`
	ProxyURL       string            `json:"proxy_url,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	// IsVixSrc flags that the origin is VixSrc, so the HLS rewriter's
	// highest-bandwidth-only filter applies (see Design Note a).
	IsVixSrc bool `json:"-"`
}

// ManifestType identifies the type of manifest.
type ManifestType string

const (
	ManifestTypeHLS ManifestType = "hls"
	ManifestTypeMPD ManifestType = "mpd"
)

// ProxyRequest contains all information needed to proxy a request.
type ProxyRequest struct {
	OriginalRequest *http.Request
	TargetURL       string
	Headers         map[string]string
	Context         context.Context
}
