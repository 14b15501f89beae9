package icy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const defaultConnectTimeout = 10 * time.Second

// maxRedirects caps how many HTTP redirects a connection will follow.
const maxRedirects = 5

// DefaultUserAgent identifies the relay to upstream stations.
const DefaultUserAgent = "radiorelay/1.0"

// Options control how a stream connection is established.
type Options struct {
	// ConnectTimeout bounds dialing and the wait for response headers.
	// The body itself has no read deadline; streams are read indefinitely.
	ConnectTimeout time.Duration

	UserAgent string

	// ValidateURL, when set, is applied to every URL the connection
	// actually dials beyond the one passed to Open: playlist entries and
	// HTTP redirect targets. A non-nil error aborts the connection.
	ValidateURL func(url string) error
}

// checkRedirect caps redirect chains and re-validates every hop.
func (o Options) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if o.ValidateURL != nil {
		if err := o.ValidateURL(req.URL.String()); err != nil {
			return err
		}
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}

// Stream is an open ICY stream. Read returns audio bytes only; metadata
// blocks are stripped and reported via OnMetadata.
type Stream struct {
	// Station headers as reported by the server.
	Name        string
	Genre       string
	Description string
	URL         string
	Bitrate     int

	// OnMetadata is invoked from Read whenever the stream title changes.
	// Set it before the first Read.
	OnMetadata func(*Metadata)

	metaint  int
	pos      int
	metadata *Metadata
	rc       io.ReadCloser
}

// Open connects to an ICY stream. Playlist URLs are resolved first. The
// context governs the whole life of the connection; cancelling it aborts
// both the dial and any in-flight Read.
func Open(ctx context.Context, url string, opts Options) (*Stream, error) {
	opts = opts.withDefaults()

	resolved, err := resolvePlaylistURL(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", url, err)
	}
	if resolved != url && opts.ValidateURL != nil {
		if err := opts.ValidateURL(resolved); err != nil {
			return nil, fmt.Errorf("playlist target %s: %w", resolved, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", opts.UserAgent)
	req.Header.Set("Icy-MetaData", "1")

	client := streamingClient(opts)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, resolved)
	}

	metaint, err := strconv.Atoi(resp.Header.Get("icy-metaint"))
	if err != nil || metaint <= 0 {
		resp.Body.Close()
		return nil, fmt.Errorf("stream %s does not advertise icy-metaint", resolved)
	}

	var bitrate int
	if raw := resp.Header.Get("icy-br"); raw != "" {
		// Some stations send garbage here; treat it as absent.
		bitrate, _ = strconv.Atoi(raw)
	}

	return &Stream{
		Name:        resp.Header.Get("icy-name"),
		Genre:       resp.Header.Get("icy-genre"),
		Description: resp.Header.Get("icy-description"),
		URL:         resp.Header.Get("icy-url"),
		Bitrate:     bitrate,
		metaint:     metaint,
		rc:          resp.Body,
	}, nil
}

// streamingClient returns a client that times out connecting but never
// times out reading the body.
func streamingClient(opts Options) *http.Client {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: opts.ConnectTimeout,
		},
		CheckRedirect: opts.checkRedirect,
	}
}

// Read implements io.Reader. At most one segment between metadata
// boundaries is returned per call; callers are expected to loop.
func (s *Stream) Read(p []byte) (int, error) {
	for s.pos == s.metaint {
		s.pos = 0
		if err := s.readMetadataBlock(); err != nil {
			return 0, err
		}
	}

	max := s.metaint - s.pos
	if max > len(p) {
		max = len(p)
	}

	n, err := s.rc.Read(p[:max])
	s.pos += n
	return n, err
}

// readMetadataBlock consumes one length-prefixed metadata block and fires
// the callback when the title changed.
func (s *Stream) readMetadataBlock() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return err
	}

	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(s.rc, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if m := parseMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		if s.OnMetadata != nil {
			s.OnMetadata(m)
		}
	}

	return nil
}

// Close closes the upstream connection.
func (s *Stream) Close() error {
	return s.rc.Close()
}
