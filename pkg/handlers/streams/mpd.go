package streams

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/interfaces"
	"relaycast/pkg/logging"
	"relaycast/pkg/types"
	"relaycast/pkg/urlutil"
)

// clearKeyUUID is the ContentProtection scheme identifying the W3C
// ClearKey system.
const clearKeyUUID = "urn:uuid:e2719d58-a985-b3c9-781a-007147f192ec"

// MPDHandler processes DASH/MPD streams: rewriting manifests in place and,
// on request, converting DASH (including live streams) to HLS.
type MPDHandler struct {
	client  *httpclient.Client
	log     *logging.Logger
	baseURL string
}

// NewMPDHandler creates a new MPD stream handler.
func NewMPDHandler(client *httpclient.Client, log *logging.Logger, baseURL string) *MPDHandler {
	return &MPDHandler{
		client:  client,
		log:     log.WithComponent("mpd-handler"),
		baseURL: baseURL,
	}
}

// Type returns the stream type.
func (h *MPDHandler) Type() types.StreamType {
	return types.StreamTypeMPD
}

// CanHandle returns true if the URL appears to be a DASH stream.
func (h *MPDHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".mpd") ||
		strings.Contains(lower, "/dash/") ||
		strings.Contains(lower, "manifest(format=mpd")
}

// HandleManifest fetches the MPD and either converts it to HLS (format=hls,
// or a rep_id was given for a media playlist) or rewrites it in place as
// DASH, per the dispatch rule in section 4.5 of the streaming relay.
func (h *MPDHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, baseURL string) (*types.StreamResponse, error) {
	h.log.Debug("handling MPD manifest", "url", req.URL, "format", req.Format, "rep_id", req.RepID)

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
		return nil, fmt.Errorf("failed to fetch MPD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &types.StreamResponse{StatusCode: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read MPD: %w", err)
	}

	wantsHLS := req.Format == "hls" || req.RepID != ""
	if !wantsHLS {
		rewritten, err := h.rewriteDASH(body, baseURL, req.URL, req.Headers, req.ClearKey, req.APIPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite DASH manifest: %w", err)
		}
		return &types.StreamResponse{
			ContentType: "application/dash+xml",
			Body:        io.NopCloser(bytes.NewReader(rewritten)),
			StatusCode:  http.StatusOK,
			Headers: map[string]string{
				"Cache-Control": "no-cache, no-store, must-revalidate",
			},
		}, nil
	}

	var playlist string
	if req.RepID != "" {
		playlist, err = h.convertMediaPlaylist(body, req.RepID, baseURL, req.URL, req.Headers, req.ClearKey, req.APIPassword)
	} else {
		playlist, err = h.convertMasterPlaylist(body, baseURL, req.URL, req.Headers, req.ClearKey, req.APIPassword)
	}
	if err != nil {
		return nil, err
	}

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(bytes.NewReader([]byte(playlist))),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies an MPD segment.
func (h *MPDHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	h.log.Debug("handling MPD segment", "url", req.URL)

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
	if contentType == "" {
		if strings.HasSuffix(req.URL, ".m4s") {
			contentType = "video/iso.segment"
		} else {
			contentType = "application/octet-stream"
		}
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

// rewriteDASH rewrites an MPD document in place: every BaseURL, the media
// and initialization attributes of every SegmentTemplate, and the media
// attribute of every SegmentURL are routed through /proxy/mpd/manifest.m3u8;
// every Laurl is routed through /license. If clearKey ("kid:key") is given,
// a synthesized ClearKey ContentProtection element is inserted at the front
// of every AdaptationSet, ahead of any other ContentProtection whose scheme
// isn't the ClearKey UUID (which is removed).
func (h *MPDHandler) rewriteDASH(data []byte, proxyBaseURL, originalURL string, headers map[string]string, clearKey, apiPassword string) ([]byte, error) {
	kid, key := splitFirstClearKeyPair(clearKey)

	decoder := xml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	encoder := xml.NewEncoder(&buf)

	var stack []string

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing MPD: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			local := t.Name.Local

			if local == "ContentProtection" && !contentProtectionIsClearKey(t) {
				if err := decoder.Skip(); err != nil {
					return nil, err
				}
				continue
			}

			switch local {
			case "SegmentTemplate":
				for i := range t.Attr {
					if t.Attr[i].Name.Local == "media" || t.Attr[i].Name.Local == "initialization" {
						t.Attr[i].Value = h.buildDASHElementProxyURL(t.Attr[i].Value, proxyBaseURL, originalURL, headers, apiPassword)
					}
				}
			case "SegmentURL":
				for i := range t.Attr {
					if t.Attr[i].Name.Local == "media" {
						t.Attr[i].Value = h.buildDASHElementProxyURL(t.Attr[i].Value, proxyBaseURL, originalURL, headers, apiPassword)
					}
				}
			}

			stack = append(stack, local)
			if err := encoder.EncodeToken(t); err != nil {
				return nil, err
			}

			if local == "AdaptationSet" && kid != "" && key != "" {
				if err := encodeClearKeyContentProtection(encoder, proxyBaseURL, kid, key, apiPassword); err != nil {
					return nil, err
				}
			}

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if err := encoder.EncodeToken(t); err != nil {
				return nil, err
			}

		case xml.CharData:
			if len(stack) > 0 {
				switch stack[len(stack)-1] {
				case "BaseURL":
					t = xml.CharData(h.buildDASHElementProxyURL(string(t), proxyBaseURL, originalURL, headers, apiPassword))
				case "Laurl":
					t = xml.CharData(buildLicenseProxyURL(proxyBaseURL, string(t), headers, apiPassword))
				}
			}
			if err := encoder.EncodeToken(t); err != nil {
				return nil, err
			}

		default:
			if err := encoder.EncodeToken(tok); err != nil {
				return nil, err
			}
		}
	}

	if err := encoder.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildDASHElementProxyURL resolves value against originalURL and routes it
// through /proxy/mpd/manifest.m3u8?d=..., per the DASH rewriter's rule for
// BaseURL/SegmentTemplate/SegmentURL.
func (h *MPDHandler) buildDASHElementProxyURL(value, proxyBaseURL, originalURL string, headers map[string]string, apiPassword string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	abs := h.resolveURL(trimmed, h.getBaseURLString(originalURL))

	u, _ := url.Parse(proxyBaseURL + "/proxy/mpd/manifest.m3u8")
	q := u.Query()
	q.Set("d", abs)
	for k, v := range headers {
		q.Set("h_"+k, v)
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// buildLicenseProxyURL routes a Laurl's text through /license?url=....
func buildLicenseProxyURL(proxyBaseURL, licenseURL string, headers map[string]string, apiPassword string) string {
	trimmed := strings.TrimSpace(licenseURL)
	if trimmed == "" {
		return licenseURL
	}
	u, _ := url.Parse(proxyBaseURL + "/license")
	q := u.Query()
	q.Set("url", trimmed)
	for k, v := range headers {
		q.Set("h_"+k, v)
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// contentProtectionIsClearKey reports whether a ContentProtection start
// element's schemeIdUri names the ClearKey system.
func contentProtectionIsClearKey(t xml.StartElement) bool {
	for _, a := range t.Attr {
		if a.Name.Local == "schemeIdUri" {
			return strings.EqualFold(a.Value, clearKeyUUID)
		}
	}
	return false
}

// encodeClearKeyContentProtection emits a synthesized ClearKey
// ContentProtection element: scheme urn:uuid:e271...f192ec, cenc:default_KID
// as a dashed GUID, and Laurl children in both the MPD and DASH-IF ClearKey
// namespaces pointing at /license?clearkey=<kid>:<key>.
func encodeClearKeyContentProtection(encoder *xml.Encoder, proxyBaseURL, kidHex, keyHex, apiPassword string) error {
	licenseURL := proxyBaseURL + "/license?clearkey=" + url.QueryEscape(kidHex+":"+keyHex)
	if apiPassword != "" {
		licenseURL += "&api_password=" + apiPassword
	}

	start := xml.StartElement{
		Name: xml.Name{Local: "ContentProtection"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "schemeIdUri"}, Value: clearKeyUUID},
			{Name: xml.Name{Local: "cenc:default_KID"}, Value: dashedGUID(kidHex)},
		},
	}
	if err := encoder.EncodeToken(start); err != nil {
		return err
	}

	for _, name := range []string{"Laurl", "clearkey:Laurl"} {
		if err := encoder.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}}); err != nil {
			return err
		}
		if err := encoder.EncodeToken(xml.CharData(licenseURL)); err != nil {
			return err
		}
		if err := encoder.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}}); err != nil {
			return err
		}
	}

	return encoder.EncodeToken(xml.EndElement{Name: xml.Name{Local: "ContentProtection"}})
}

// dashedGUID reformats a 32-hex-character key ID into the dashed
// 8-4-4-4-12 GUID form DASH ClearKey signaling expects.
func dashedGUID(hexKID string) string {
	h := strings.ToLower(hexKID)
	if len(h) != 32 {
		return hexKID
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

// splitFirstClearKeyPair extracts the first "kid:key" pair from a
// possibly-comma-separated clearKey string.
func splitFirstClearKeyPair(clearKey string) (kid, key string) {
	if clearKey == "" {
		return "", ""
	}
	first := strings.Split(clearKey, ",")[0]
	parts := strings.SplitN(first, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// getBaseURLString returns the directory portion of originalURL, stripped
// of its query string, used as the resolution base for relative MPD values.
func (h *MPDHandler) getBaseURLString(originalURL string) string {
	return urlutil.GetBaseDirectory(originalURL)
}

// convertMasterPlaylist generates an HLS master playlist from MPD.
func (h *MPDHandler) convertMasterPlaylist(manifest []byte, proxyBaseURL, originalURL string, headers map[string]string, clearKey, apiPassword string) (string, error) {
	mpd, err := h.parseMPD(manifest)
	if err != nil {
		return "", err
	}

	var lines []string
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:7")

	audioGroupID := "audio"
	hasAudio := false

	for _, period := range mpd.Periods {
		for _, as := range period.AdaptationSets {
			if !h.isAudio(as) {
				continue
			}
			for _, rep := range as.Representations {
				mediaURL := h.buildMediaPlaylistURL(proxyBaseURL, originalURL, rep.ID, headers, clearKey, apiPassword)
				lang := as.Lang
				if lang == "" {
					lang = "und"
				}
				name := fmt.Sprintf("Audio %s (%s)", lang, rep.Bandwidth)

				defaultAttr := "NO"
				if !hasAudio {
					defaultAttr = "YES"
				}

				lines = append(lines, fmt.Sprintf(
					`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="%s",NAME="%s",LANGUAGE="%s",DEFAULT=%s,AUTOSELECT=YES,URI="%s"`,
					audioGroupID, name, lang, defaultAttr, mediaURL,
				))
				hasAudio = true
			}
		}
	}

	for _, period := range mpd.Periods {
		for _, as := range period.AdaptationSets {
			if !h.isVideo(as) {
				continue
			}
			for _, rep := range as.Representations {
				mediaURL := h.buildMediaPlaylistURL(proxyBaseURL, originalURL, rep.ID, headers, clearKey, apiPassword)

				inf := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%s", rep.Bandwidth)
				if rep.Width > 0 && rep.Height > 0 {
					inf += fmt.Sprintf(",RESOLUTION=%dx%d", rep.Width, rep.Height)
				}
				if rep.FrameRate != "" {
					inf += fmt.Sprintf(",FRAME-RATE=%s", rep.FrameRate)
				}
				if rep.Codecs != "" {
					inf += fmt.Sprintf(",CODECS=\"%s\"", rep.Codecs)
				}
				if hasAudio {
					inf += fmt.Sprintf(",AUDIO=\"%s\"", audioGroupID)
				}

				lines = append(lines, inf, mediaURL)
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}

// convertMediaPlaylist generates an HLS media playlist for a specific representation.
func (h *MPDHandler) convertMediaPlaylist(manifest []byte, repID, proxyBaseURL, originalURL string, headers map[string]string, clearKey, apiPassword string) (string, error) {
	mpd, err := h.parseMPD(manifest)
	if err != nil {
		return "", err
	}

	var rep *Representation
	var as *AdaptationSet
	for _, period := range mpd.Periods {
		for i := range period.AdaptationSets {
			for j := range period.AdaptationSets[i].Representations {
				if period.AdaptationSets[i].Representations[j].ID == repID {
					rep = &period.AdaptationSets[i].Representations[j]
					as = &period.AdaptationSets[i]
					break
				}
			}
		}
	}

	if rep == nil {
		return "#EXTM3U\n#EXT-X-ERROR: Representation not found", nil
	}

	isLive := strings.ToLower(mpd.Type) == "dynamic"
	useDecrypt := clearKey != ""

	var lines []string
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:7")

	if isLive {
		lines = append(lines, "#EXT-X-START:TIME-OFFSET=-18.0,PRECISE=YES")
	} else {
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:VOD")
	}

	st := rep.SegmentTemplate
	if st == nil {
		st = as.SegmentTemplate
	}
	if st == nil {
		return "#EXTM3U\n#EXT-X-ERROR: No SegmentTemplate found", nil
	}

	timescale := 1
	if st.Timescale != "" {
		timescale, _ = strconv.Atoi(st.Timescale)
	}

	startNumber := 1
	if st.StartNumber != "" {
		startNumber, _ = strconv.Atoi(st.StartNumber)
	}

	baseURL := h.effectiveBaseURL(mpd, &Period{AdaptationSets: []AdaptationSet{*as}}, as, rep, originalURL)

	var segments []segment
	if st.SegmentTimeline != nil {
		segments = h.buildSegmentsFromTimeline(st, rep.ID, rep.Bandwidth, timescale, startNumber)
		if isLive {
			segments = windowByTrailingDuration(segments, 60)
		}
	} else {
		segments = h.buildSegmentsFromDuration(mpd, st, rep.ID, rep.Bandwidth, timescale, startNumber, isLive)
	}

	if len(segments) > 0 {
		maxDur := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDur {
				maxDur = seg.Duration
			}
		}
		lines = append(lines, fmt.Sprintf("#EXT-X-TARGETDURATION:%d", int(maxDur+0.999999)))
		if isLive {
			lines = append(lines, fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", segments[0].Number))
		} else {
			lines = append(lines, "#EXT-X-MEDIA-SEQUENCE:0")
		}
	}

	initURL := ""
	if st.Initialization != "" {
		initPath := h.replaceTemplateVars(st.Initialization, rep.ID, rep.Bandwidth, 0, 0)
		initURL = h.resolveURL(initPath, baseURL)
	}

	if !useDecrypt && initURL != "" {
		lines = append(lines, h.buildInitMapTag(proxyBaseURL, initURL, headers, apiPassword))
	}

	for _, seg := range segments {
		lines = append(lines, fmt.Sprintf("#EXTINF:%.3f,", seg.Duration))

		segURL := h.resolveURL(seg.URL, baseURL)

		if useDecrypt {
			lines = append(lines, h.buildDecryptURL(proxyBaseURL, segURL, initURL, headers, clearKey, apiPassword))
		} else {
			lines = append(lines, h.buildSegmentProxyURL(proxyBaseURL, segURL, headers, apiPassword))
		}
	}

	if !isLive {
		lines = append(lines, "#EXT-X-ENDLIST")
	}

	return strings.Join(lines, "\n"), nil
}

type segment struct {
	URL        string
	Duration   float64
	DurationTS int
	Time       int64
	Number     int
}

func (h *MPDHandler) buildSegmentsFromTimeline(st *SegmentTemplate, repID, bandwidth string, timescale, startNumber int) []segment {
	var segments []segment

	if st.SegmentTimeline == nil {
		return segments
	}

	currentTime := int64(0)
	segmentNumber := startNumber

	for _, s := range st.SegmentTimeline.S {
		if s.T != "" {
			t, _ := strconv.ParseInt(s.T, 10, 64)
			currentTime = t
		}

		d, _ := strconv.Atoi(s.D)
		r := 0
		if s.R != "" {
			r, _ = strconv.Atoi(s.R)
		}

		duration := float64(d) / float64(timescale)

		for i := 0; i <= r; i++ {
			segPath := h.replaceTemplateVars(st.Media, repID, bandwidth, segmentNumber, currentTime)

			segments = append(segments, segment{
				URL:        segPath,
				Duration:   duration,
				DurationTS: d,
				Time:       currentTime,
				Number:     segmentNumber,
			})

			currentTime += int64(d)
			segmentNumber++
		}
	}

	return segments
}

// windowByTrailingDuration keeps only the segments whose cumulative
// duration, counted from the end, is within trailingSeconds of the total.
func windowByTrailingDuration(segments []segment, trailingSeconds float64) []segment {
	total := 0.0
	for _, s := range segments {
		total += s.Duration
	}
	if total <= trailingSeconds {
		return segments
	}

	keep := 0.0
	start := len(segments)
	for i := len(segments) - 1; i >= 0; i-- {
		keep += segments[i].Duration
		start = i
		if keep >= trailingSeconds {
			break
		}
	}
	return segments[start:]
}

// buildSegmentsFromDuration implements the duration-templated (no
// SegmentTimeline) numbering scheme: for live with an availabilityStartTime,
// center a 10-segment window on the live edge with a 20-second safety
// margin; otherwise emit 100 segments from startNumber.
func (h *MPDHandler) buildSegmentsFromDuration(mpd *MPD, st *SegmentTemplate, repID, bandwidth string, timescale, startNumber int, isLive bool) []segment {
	durationTS := 0
	if st.Duration != "" {
		durationTS, _ = strconv.Atoi(st.Duration)
	}
	if durationTS <= 0 || timescale <= 0 {
		return nil
	}
	durationSec := float64(durationTS) / float64(timescale)

	current := startNumber
	count := 100

	if isLive && mpd.AvailabilityStartTime != "" {
		if ast, err := time.Parse(time.RFC3339, mpd.AvailabilityStartTime); err == nil {
			elapsed := time.Now().UTC().Sub(ast).Seconds()
			current = startNumber + int((elapsed-20)/durationSec)
			count = 10
		}
	}

	windowStart := current - count + 1
	if windowStart < startNumber {
		windowStart = startNumber
	}

	var segments []segment
	for n := windowStart; n <= current; n++ {
		segPath := h.replaceTemplateVars(st.Media, repID, bandwidth, n, int64(n-startNumber)*int64(durationTS))
		segments = append(segments, segment{
			URL:      segPath,
			Duration: durationSec,
			Number:   n,
		})
	}
	return segments
}

func (h *MPDHandler) replaceTemplateVars(template, repID, bandwidth string, number int, time int64) string {
	result := template
	result = strings.ReplaceAll(result, "$RepresentationID$", repID)
	result = strings.ReplaceAll(result, "$Bandwidth$", bandwidth)
	result = strings.ReplaceAll(result, "$Number$", strconv.Itoa(number))
	result = strings.ReplaceAll(result, "$Time$", strconv.FormatInt(time, 10))
	return result
}

// effectiveBaseURL layers dirname(mpd) / root-BaseURL / AdaptationSet-BaseURL
// / Representation-BaseURL, per the BaseURL resolution rule.
func (h *MPDHandler) effectiveBaseURL(mpd *MPD, period *Period, as *AdaptationSet, rep *Representation, originalURL string) string {
	base := h.getBaseURLString(originalURL)
	if len(mpd.BaseURLs) > 0 && mpd.BaseURLs[0] != "" {
		base = h.resolveURL(mpd.BaseURLs[0], base)
	}
	if as != nil && len(as.BaseURLs) > 0 && as.BaseURLs[0] != "" {
		base = h.resolveURL(as.BaseURLs[0], base)
	}
	if rep != nil && len(rep.BaseURLs) > 0 && rep.BaseURLs[0] != "" {
		base = h.resolveURL(rep.BaseURLs[0], base)
	}
	return base
}

func (h *MPDHandler) resolveURL(urlStr string, base string) string {
	return urlutil.ResolveURL(urlStr, base)
}

func (h *MPDHandler) isVideo(as AdaptationSet) bool {
	if strings.Contains(as.MimeType, "video") || strings.Contains(as.ContentType, "video") {
		return true
	}
	for _, rep := range as.Representations {
		if strings.Contains(rep.MimeType, "video") {
			return true
		}
	}
	return false
}

func (h *MPDHandler) isAudio(as AdaptationSet) bool {
	if strings.Contains(as.MimeType, "audio") || strings.Contains(as.ContentType, "audio") {
		return true
	}
	for _, rep := range as.Representations {
		if strings.Contains(rep.MimeType, "audio") {
			return true
		}
	}
	return false
}

func (h *MPDHandler) buildMediaPlaylistURL(proxyBaseURL, originalURL, repID string, headers map[string]string, clearKey, apiPassword string) string {
	u, _ := url.Parse(proxyBaseURL + "/proxy/hls/manifest.m3u8")
	q := u.Query()
	q.Set("d", originalURL)
	q.Set("format", "hls")
	q.Set("rep_id", repID)
	for k, v := range headers {
		q.Set("h_"+k, v)
	}
	if clearKey != "" {
		q.Set("clearkey", clearKey)
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// buildInitMapTag emits the #EXT-X-MAP tag for the init segment, used only
// when server-side decryption is not active (the decrypt endpoint fuses
// init+segment itself, so no separate init segment is ever sent then).
func (h *MPDHandler) buildInitMapTag(proxyBaseURL, initURL string, headers map[string]string, apiPassword string) string {
	u, _ := url.Parse(proxyBaseURL + "/segment/init.mp4")
	q := u.Query()
	q.Set("base_url", initURL)
	for k, v := range headers {
		q.Set("h_"+k, v)
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}
	u.RawQuery = q.Encode()
	return fmt.Sprintf(`#EXT-X-MAP:URI="%s"`, u.String())
}

func (h *MPDHandler) buildSegmentProxyURL(proxyBaseURL, segmentURL string, headers map[string]string, apiPassword string) string {
	segname := segmentURL
	if idx := strings.LastIndex(segname, "/"); idx != -1 {
		segname = segname[idx+1:]
	}
	if idx := strings.Index(segname, "?"); idx != -1 {
		segname = segname[:idx]
	}
	if segname == "" {
		segname = "segment"
	}

	u, _ := url.Parse(proxyBaseURL + "/segment/" + segname)
	q := u.Query()
	q.Set("base_url", segmentURL)
	for k, v := range headers {
		q.Set("h_"+k, v)
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *MPDHandler) buildDecryptURL(proxyBaseURL, segmentURL, initURL string, headers map[string]string, clearKey, apiPassword string) string {
	u, _ := url.Parse(proxyBaseURL + "/decrypt/segment.mp4")
	q := u.Query()
	q.Set("url", segmentURL)
	if initURL != "" {
		q.Set("init_url", initURL)
	}
	for k, v := range headers {
		q.Set("h_"+k, v)
	}

	if clearKey != "" {
		var kids, keys []string
		pairs := strings.Split(clearKey, ",")
		for _, pair := range pairs {
			if kv := strings.SplitN(pair, ":", 2); len(kv) == 2 {
				kids = append(kids, strings.TrimSpace(kv[0]))
				keys = append(keys, strings.TrimSpace(kv[1]))
			}
		}
		if len(kids) > 0 && len(keys) > 0 {
			q.Set("key_id", strings.Join(kids, ","))
			q.Set("key", strings.Join(keys, ","))
		}
	}
	if apiPassword != "" {
		q.Set("api_password", apiPassword)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// parseMPD parses an MPD manifest into a structured format.
func (h *MPDHandler) parseMPD(data []byte) (*MPD, error) {
	content := string(data)
	if !strings.Contains(content, "xmlns") {
		content = strings.Replace(content, "<MPD", `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"`, 1)
	}

	var mpd MPD
	if err := xml.Unmarshal([]byte(content), &mpd); err != nil {
		return nil, fmt.Errorf("failed to parse MPD: %w", err)
	}
	return &mpd, nil
}

// MPD XML structures
type MPD struct {
	XMLName               xml.Name `xml:"MPD"`
	Type                   string   `xml:"type,attr"`
	AvailabilityStartTime  string   `xml:"availabilityStartTime,attr"`
	BaseURLs               []string `xml:"BaseURL"`
	Periods                []Period `xml:"Period"`
}

type Period struct {
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

type AdaptationSet struct {
	MimeType        string           `xml:"mimeType,attr"`
	ContentType     string           `xml:"contentType,attr"`
	Lang            string           `xml:"lang,attr"`
	BaseURLs        []string         `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	Representations []Representation `xml:"Representation"`
}

type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       string           `xml:"bandwidth,attr"`
	Width           int              `xml:"width,attr"`
	Height          int              `xml:"height,attr"`
	FrameRate       string           `xml:"frameRate,attr"`
	Codecs          string           `xml:"codecs,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	BaseURLs        []string         `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

type SegmentTemplate struct {
	Timescale       string           `xml:"timescale,attr"`
	Duration        string           `xml:"duration,attr"`
	Initialization  string           `xml:"initialization,attr"`
	Media           string           `xml:"media,attr"`
	StartNumber     string           `xml:"startNumber,attr"`
	SegmentTimeline *SegmentTimeline `xml:"SegmentTimeline"`
}

type SegmentTimeline struct {
	S []SegmentTimelineS `xml:"S"`
}

type SegmentTimelineS struct {
	T string `xml:"t,attr"`
	D string `xml:"d,attr"`
	R string `xml:"r,attr"`
}

var _ interfaces.StreamHandler = (*MPDHandler)(nil)
