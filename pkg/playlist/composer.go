// Package playlist merges remote M3U playlists into a single combined one,
// rewriting each channel entry into a proxy URL while preserving the
// per-entry header and license hints that preceded it in the source.
package playlist

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"relaycast/pkg/httpclient"
	"relaycast/pkg/logging"
)

const composerUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// definition is one semicolon-separated playlist reference, with its
// per-playlist options parsed out.
type definition struct {
	url     string
	sort    bool
	noproxy bool
}

// Composer downloads and merges playlists.
type Composer struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewComposer creates a new playlist composer.
func NewComposer(client *httpclient.Client, log *logging.Logger) *Composer {
	return &Composer{client: client, log: log.WithComponent("playlist-composer")}
}

// parseDefinitions splits the semicolon-separated playlist list into
// configs, supporting the current "url|opt=val|opt2=val2" form and the
// legacy "opaque&url" form.
func parseDefinitions(raw string) []definition {
	var defs []definition
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.Contains(part, "|"):
			fields := strings.Split(part, "|")
			d := definition{url: fields[0]}
			for _, opt := range fields[1:] {
				kv := strings.SplitN(opt, "=", 2)
				if len(kv) != 2 {
					continue
				}
				val := strings.EqualFold(strings.TrimSpace(kv[1]), "true")
				switch strings.ToLower(strings.TrimSpace(kv[0])) {
				case "sort":
					d.sort = val
				case "noproxy":
					d.noproxy = val
				}
			}
			defs = append(defs, d)
		case strings.Contains(part, "&"):
			fields := strings.SplitN(part, "&", 2)
			u := fields[0]
			if len(fields) > 1 {
				u = fields[1]
			}
			defs = append(defs, definition{url: u})
		default:
			defs = append(defs, definition{url: part})
		}
	}
	return defs
}

// downloadResult holds the outcome of fetching one playlist definition.
type downloadResult struct {
	lines []string
	err   error
}

func (c *Composer) download(ctx context.Context, urlStr string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", composerUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("playlist fetch %s returned status %d", urlStr, resp.StatusCode)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line+"\n")
		} else {
			lines = append(lines, "")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// bufferedItem is a channel entry awaiting a sort flush.
type bufferedItem struct {
	lines   []string
	noproxy bool
}

// Compose downloads every playlist definition in parallel, then writes the
// merged result to w: a single #EXTM3U header, each definition's channels
// rewritten into proxy URLs (unless noproxy is set), and sort=true runs
// buffered and flushed as one case-insensitive-by-name sorted block.
func (c *Composer) Compose(ctx context.Context, w io.Writer, rawDefinitions, baseURL, apiPassword string) error {
	defs := parseDefinitions(rawDefinitions)
	if len(defs) == 0 {
		return fmt.Errorf("no playlist definitions given")
	}

	results := make([]downloadResult, len(defs))
	done := make(chan struct{}, len(defs))
	for i, d := range defs {
		go func(i int, u string) {
			lines, err := c.download(ctx, u)
			results[i] = downloadResult{lines: lines, err: err}
			done <- struct{}{}
		}(i, d.url)
	}
	for range defs {
		<-done
	}

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	headerWritten := false
	var sortBuffer []bufferedItem

	flushSortBuffer := func() {
		if len(sortBuffer) == 0 {
			return
		}
		sort.SliceStable(sortBuffer, func(i, j int) bool {
			return strings.ToLower(itemName(sortBuffer[i].lines)) < strings.ToLower(itemName(sortBuffer[j].lines))
		})
		for _, item := range sortBuffer {
			writeItem(bw, item.lines, item.noproxy, baseURL, apiPassword)
		}
		sortBuffer = nil
	}

	for i, res := range results {
		d := defs[i]
		if res.err != nil {
			fmt.Fprintf(bw, "# ERROR processing playlist %s: %v\n", d.url, res.err)
			continue
		}

		if !headerWritten {
			found := false
			for _, line := range res.lines {
				if strings.HasPrefix(strings.TrimSpace(line), "#EXTM3U") {
					bw.WriteString(line)
					found = true
					break
				}
			}
			if !found {
				bw.WriteString("#EXTM3U\n")
			}
			headerWritten = true
		}

		if d.sort {
			for _, item := range parseItems(res.lines) {
				sortBuffer = append(sortBuffer, bufferedItem{lines: item, noproxy: d.noproxy})
			}
			continue
		}

		flushSortBuffer()

		for _, item := range parseItems(res.lines) {
			writeItem(bw, item, d.noproxy, baseURL, apiPassword)
		}
	}

	flushSortBuffer()
	return nil
}

// parseItems groups raw lines into channel items: everything up to and
// including the first non-comment, non-empty line (the entry URL) belongs
// to one item. The global #EXTM3U/#EXT-X-VERSION header lines are dropped.
func parseItems(lines []string) [][]string {
	var items [][]string
	var current []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#EXTM3U") || strings.HasPrefix(trimmed, "#EXT-X-VERSION") {
			continue
		}
		current = append(current, line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			items = append(items, current)
			current = nil
		}
	}
	if len(current) > 0 {
		items = append(items, current)
	}
	return items
}

// itemName extracts the channel display name from an item's #EXTINF line.
func itemName(item []string) string {
	for _, line := range item {
		if strings.HasPrefix(line, "#EXTINF:") {
			if idx := strings.LastIndex(line, ","); idx != -1 {
				return strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return ""
}

// writeItem streams one channel item's lines, rewriting the entry URL
// through the proxy (unless noproxy) and carrying forward any ClearKey or
// header hints captured from preceding #KODIPROP/#EXTVLCOPT/#EXTHTTP tags.
func writeItem(bw *bufio.Writer, item []string, noproxy bool, baseURL, apiPassword string) {
	if noproxy {
		for _, line := range item {
			writeLine(bw, line)
		}
		return
	}

	extHeaders := map[string]string{}
	var clearKey string

	for _, raw := range item {
		line := strings.TrimRight(raw, "\n")
		logical := strings.TrimSpace(line)

		if strings.HasPrefix(logical, "#KODIPROP:") {
			if strings.Contains(logical, "inputstream.adaptive.license_key") {
				if idx := strings.Index(logical, "="); idx != -1 {
					value := logical[idx+1:]
					if value != "" && strings.Contains(value, ":") && value != "0000" {
						clearKey = value
					}
				}
			}
			continue // KODIPROP lines never appear in the output
		}

		if strings.HasPrefix(logical, "#EXTVLCOPT:") {
			parseVLCOption(logical, extHeaders)
			writeLine(bw, raw)
			continue
		}

		if strings.HasPrefix(logical, "#EXTHTTP:") {
			parseEXTHTTPOption(logical, extHeaders)
			writeLine(bw, raw)
			continue
		}

		if logical != "" && !strings.HasPrefix(logical, "#") && (strings.Contains(logical, "http://") || strings.Contains(logical, "https://")) {
			writeLine(bw, rewriteEntryURL(logical, baseURL, clearKey, extHeaders, apiPassword))
			clearKey = ""
			extHeaders = map[string]string{}
			continue
		}

		writeLine(bw, raw)
	}
}

func writeLine(bw *bufio.Writer, line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	bw.WriteString(line)
}

// parseVLCOption captures a #EXTVLCOPT:http-header=Name: Value (or any
// http-<word> option) into headers.
func parseVLCOption(logical string, headers map[string]string) {
	optStr := strings.SplitN(logical, ":", 2)
	if len(optStr) != 2 {
		return
	}
	kv := strings.SplitN(optStr[1], "=", 2)
	if len(kv) != 2 {
		return
	}
	key := strings.TrimSpace(kv[0])
	value := strings.TrimSpace(kv[1])

	if key == "http-header" && strings.Contains(value, ":") {
		hkv := strings.SplitN(value, ":", 2)
		headers[strings.TrimSpace(hkv[0])] = strings.TrimSpace(hkv[1])
		return
	}
	if strings.HasPrefix(key, "http-") {
		words := strings.Split(strings.TrimPrefix(key, "http-"), "-")
		for i, word := range words {
			if word != "" {
				words[i] = strings.ToUpper(word[:1]) + word[1:]
			}
		}
		headers[strings.Join(words, "-")] = value
	}
}

// parseEXTHTTPOption replaces headers wholesale with a #EXTHTTP:{json} map.
func parseEXTHTTPOption(logical string, headers map[string]string) {
	idx := strings.Index(logical, ":")
	if idx == -1 {
		return
	}
	jsonStr := logical[idx+1:]
	parsed, err := decodeHeaderJSON(jsonStr)
	if err != nil {
		return
	}
	for k := range headers {
		delete(headers, k)
	}
	for k, v := range parsed {
		headers[k] = v
	}
}

// decodeHeaderJSON parses a #EXTHTTP option's JSON object body into a
// string map, tolerating non-string values by stringifying them.
func decodeHeaderJSON(s string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out, nil
}

// rewriteEntryURL rewrites a channel entry URL into a proxy URL, unless it
// points at pluto.tv, which must be passed through unrewritten.
func rewriteEntryURL(entryURL, baseURL, clearKey string, headers map[string]string, apiPassword string) string {
	var processed string
	if strings.Contains(entryURL, "pluto.tv") {
		processed = entryURL
	} else {
		processed = fmt.Sprintf("%s/proxy/manifest.m3u8?url=%s", baseURL, url.QueryEscape(entryURL))
	}

	if clearKey != "" {
		processed += "&clearkey=" + clearKey
	}
	for k, v := range headers {
		processed += "&h_" + url.QueryEscape(k) + "=" + url.QueryEscape(v)
	}
	if apiPassword != "" {
		processed += "&api_password=" + apiPassword
	}
	return processed
}
