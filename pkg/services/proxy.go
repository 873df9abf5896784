package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/registry"
	"relaycast/pkg/types"
)

// ProxyService handles stream proxying and extraction.
type ProxyService struct {
	log                *logging.Logger
	streamHandlers     *registry.StreamHandlerRegistry
	extractorRegistry  *registry.ExtractorRegistry
	baseURL            string
}

// NewProxyService creates a new proxy service.
func NewProxyService(
	log *logging.Logger,
	streamHandlers *registry.StreamHandlerRegistry,
	extractorRegistry *registry.ExtractorRegistry,
	baseURL string,
) *ProxyService {
	return &ProxyService{
		log:               log.WithComponent("proxy-service"),
		streamHandlers:    streamHandlers,
		extractorRegistry: extractorRegistry,
		baseURL:           baseURL,
	}
}

// HandleManifest processes a manifest request.
func (s *ProxyService) HandleManifest(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	s.log.Debug("handling manifest request", "url", req.URL)

	// Decode URL if needed
	decodedURL := s.decodeURL(req.URL)
	req.URL = decodedURL
	req.OriginalChannelURL = decodedURL

	// Check if URL needs extraction first (e.g., popcdn.day -> planetary.lovecdn.ru)
	extractor := s.resolveExtractor(req.URL, req.Host)
	if extractor != nil && extractor.Name() != "generic" {
		s.log.Debug("URL needs extraction", "url", req.URL, "extractor", extractor.Name())

		opts := interfaces.ExtractOptions{
			Headers: req.Headers,
		}

		result, err := extractor.Extract(ctx, req.URL, opts)
		if err != nil {
			s.log.Error("extraction failed", "url", req.URL, "error", err)
			return nil, fmt.Errorf("extraction failed: %w", err)
		}

		s.log.Debug("extracted URL", "original", req.URL, "destination", result.DestinationURL)

		// Update request with extracted URL and headers
		req.URL = result.DestinationURL
		req.IsVixSrc = result.IsVixSrc
		if result.RequestHeaders != nil {
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			for k, v := range result.RequestHeaders {
				req.Headers[k] = v
			}
		}
	}

	// Get appropriate handler
	handler := s.streamHandlers.Get(req.URL)
	if handler == nil {
		return nil, fmt.Errorf("no handler for URL: %s", req.URL)
	}

	s.log.Debug("using stream handler", "type", handler.Type(), "url", req.URL)

	return handler.HandleManifest(ctx, req, s.baseURL)
}

// HandleSegment processes a segment request.
func (s *ProxyService) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	s.log.Debug("handling segment request", "url", req.URL)

	// Decode URL if needed
	decodedURL := s.decodeURL(req.URL)
	req.URL = decodedURL

	// Get appropriate handler
	handler := s.streamHandlers.Get(req.URL)
	if handler == nil {
		// Fall back to generic handler
		handler = s.streamHandlers.GetByType(types.StreamTypeGeneric)
	}

	if handler == nil {
		return nil, fmt.Errorf("no handler for URL: %s", req.URL)
	}

	return handler.HandleSegment(ctx, req)
}

// HandleExtract processes an extraction request.
func (s *ProxyService) HandleExtract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	s.log.Debug("handling extract request", "url", urlStr)

	// Decode URL if needed
	urlStr = s.decodeURL(urlStr)

	// Get appropriate extractor
	extractor := s.resolveExtractor(urlStr, opts.Host)
	if extractor == nil {
		// Fall back to generic
		extractor = s.extractorRegistry.GetByName("generic")
	}

	if extractor == nil {
		return nil, fmt.Errorf("no extractor for URL: %s", urlStr)
	}

	s.log.Debug("using extractor", "name", extractor.Name(), "url", urlStr)

	result, err := extractor.Extract(ctx, urlStr, opts)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	// Add proxy URL to result
	result.ProxyURL = s.buildProxyURL(result.DestinationURL, result.RequestHeaders, string(result.EndpointType))

	return result, nil
}

// resolveExtractor picks an extractor for urlStr, honoring an explicit host
// tag override (the host=<tag> query param) ahead of URL sniffing.
func (s *ProxyService) resolveExtractor(urlStr, host string) interfaces.Extractor {
	if host != "" {
		if e := s.extractorRegistry.GetByName(host); e != nil {
			return e
		}
	}
	return s.extractorRegistry.Get(urlStr)
}

// DecodeURL attempts to decode a potentially URL- or Base64-encoded URL,
// for callers outside this package that accept the same url/d parameter
// convention (e.g. the /extractor diagnostic endpoint).
func (s *ProxyService) DecodeURL(urlStr string) string {
	return s.decodeURL(urlStr)
}

// decodeURL attempts to decode a potentially encoded URL.
func (s *ProxyService) decodeURL(urlStr string) string {
	if urlStr == "" {
		return urlStr
	}

	// Try URL decoding first
	decoded, err := url.QueryUnescape(urlStr)
	if err == nil && decoded != urlStr {
		urlStr = decoded
	}

	// Try Base64 decoding
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		// Add padding if needed
		padded := urlStr
		switch len(urlStr) % 4 {
		case 2:
			padded += "=="
		case 3:
			padded += "="
		}

		if decoded, err := base64.StdEncoding.DecodeString(padded); err == nil {
			decodedStr := string(decoded)
			if strings.HasPrefix(decodedStr, "http://") || strings.HasPrefix(decodedStr, "https://") {
				return decodedStr
			}
		}

		// Try URL-safe Base64
		if decoded, err := base64.URLEncoding.DecodeString(padded); err == nil {
			decodedStr := string(decoded)
			if strings.HasPrefix(decodedStr, "http://") || strings.HasPrefix(decodedStr, "https://") {
				return decodedStr
			}
		}
	}

	return urlStr
}

// BuildProxyURL builds a proxy URL for the given destination and endpoint
// kind, for callers outside this package (batch URL generation, the
// playlist composer).
func (s *ProxyService) BuildProxyURL(destURL string, headers map[string]string, endpoint string) string {
	return s.buildProxyURL(destURL, headers, endpoint)
}

// buildProxyURL builds a proxy URL for the given destination.
func (s *ProxyService) buildProxyURL(destURL string, headers map[string]string, endpoint string) string {
	var path string
	switch endpoint {
	case "hls_manifest_proxy", "hls_proxy":
		path = "/proxy/hls/manifest.m3u8"
	case "mpd_manifest_proxy":
		path = "/proxy/mpd/manifest.m3u8"
	default:
		path = "/proxy/stream"
	}

	proxyURL, _ := url.Parse(s.baseURL + path)
	query := proxyURL.Query()
	query.Set("url", destURL)

	for key, value := range headers {
		query.Set("h_"+key, value)
	}

	proxyURL.RawQuery = query.Encode()
	return proxyURL.String()
}

// DetermineStreamType determines the stream type from URL.
func DetermineStreamType(urlStr string) types.StreamType {
	lower := strings.ToLower(urlStr)

	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/hls/") {
		return types.StreamTypeHLS
	}
	if strings.Contains(lower, ".mpd") || strings.Contains(lower, "/dash/") {
		return types.StreamTypeMPD
	}
	return types.StreamTypeGeneric
}
