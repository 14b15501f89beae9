package icy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// playlistProbeLimit caps how much of a response body is read when deciding
// whether a URL points at a playlist rather than a stream.
const playlistProbeLimit = 64 * 1024

// resolvePlaylistURL returns the stream URL behind url. Direct streams are
// returned as-is; .pls and .m3u playlists are fetched and their first entry
// returned.
func resolvePlaylistURL(ctx context.Context, url string, opts Options) (string, error) {
	if !looksLikePlaylist(url) {
		return url, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", opts.UserAgent)

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	client := &http.Client{
		Transport:     &http.Transport{DialContext: dialer.DialContext},
		Timeout:       2 * opts.ConnectTimeout,
		CheckRedirect: opts.checkRedirect,
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	// A server answering a playlist URL with ICY headers is already a stream.
	if resp.Header.Get("icy-metaint") != "" {
		return url, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, playlistProbeLimit))
	if err != nil {
		return "", fmt.Errorf("reading playlist: %w", err)
	}
	content := string(body)

	switch {
	case isPLS(url, resp.Header.Get("Content-Type"), content):
		return parsePLS(content)
	default:
		return parseM3U(content)
	}
}

func looksLikePlaylist(url string) bool {
	trimmed := url
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	for _, ext := range []string{".pls", ".m3u", ".m3u8"} {
		if strings.HasSuffix(trimmed, ext) {
			return true
		}
	}
	return false
}

func isPLS(url, contentType, content string) bool {
	return strings.Contains(contentType, "audio/x-scpls") ||
		strings.Contains(contentType, "application/pls+xml") ||
		strings.Contains(content, "[playlist]") ||
		strings.Contains(content, "File1=")
}

// parsePLS returns the first FileN= entry of a PLS playlist.
func parsePLS(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "File") {
			continue
		}
		if _, value, found := strings.Cut(line, "="); found {
			if u := strings.TrimSpace(value); u != "" {
				return u, nil
			}
		}
	}
	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U returns the first URL entry of an M3U playlist.
func parseM3U(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no stream URL found in M3U playlist")
}
