// Package proxy relays station audio bytes through the server so HTTP-only
// streams can be played from an HTTPS page. Every target, including redirect
// targets, is validated against the SSRF policy before any request is made.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alexzafra13/radiorelay/pkg/icy"
	"github.com/Alexzafra13/radiorelay/pkg/safeurl"
)

var module = "proxy"

// audioContentTypes is advisory only: stations frequently mislabel their
// streams, so a miss is logged, never rejected.
var audioContentTypes = map[string]struct{}{
	"audio/mpeg":               {},
	"audio/aac":                {},
	"audio/ogg":                {},
	"audio/opus":               {},
	"audio/flac":               {},
	"audio/wav":                {},
	"application/ogg":          {},
	"application/octet-stream": {},
}

// passthroughHeaders is the safe subset of upstream headers echoed to the
// client.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
}

// validationError marks a target rejected by the SSRF policy, including a
// redirect target discovered mid-flight.
type validationError struct {
	target string
	reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("stream URL %s rejected: %s", e.target, e.reason)
}

type Proxy struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	client  *http.Client
	metrics *proxyMetrics

	// validate is the SSRF policy applied to every target, including
	// redirect targets. Replaced in tests.
	validate func(string) safeurl.Result
}

type proxyMetrics struct {
	requests *prometheus.CounterVec
	bytes    prometheus.Counter
}

// New creates and returns a new Proxy.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Proxy, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: cfg.ConnectTimeout,
		},
		// Redirects are followed manually so each hop can be re-validated.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "radiorelay",
		Name:      "proxy_requests_total",
		Help:      "Proxy requests by outcome.",
	}, []string{"outcome"})
	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "radiorelay",
		Name:      "proxy_bytes_total",
		Help:      "Audio bytes relayed to clients.",
	})
	if reg != nil {
		reg.MustRegister(requests, bytes)
	}

	p := &Proxy{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		client:   client,
		metrics:  &proxyMetrics{requests: requests, bytes: bytes},
		validate: safeurl.Validate,
	}

	p.Service = services.NewBasicService(nil, p.running, p.stopping)

	return p, nil
}

// RegisterRoutes attaches the proxy's HTTP surface to the server router.
func (p *Proxy) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/radio/stream/proxy", p.StreamProxy).Methods("GET")
}

func (p *Proxy) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Proxy) stopping(_ error) error {
	p.logger.Info("stopping")
	p.client.CloseIdleConnections()
	return nil
}

// StreamProxy handles GET /radio/stream/proxy?url=<encoded-station-url>.
func (p *Proxy) StreamProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "url parameter is required", http.StatusBadRequest)
		p.metrics.requests.WithLabelValues("validation_rejected").Inc()
		return
	}

	if res := p.validate(target); !res.Valid {
		http.Error(w, res.Reason, http.StatusBadRequest)
		p.metrics.requests.WithLabelValues("validation_rejected").Inc()
		return
	}

	resp, err := p.openStream(r.Context(), target, r.Header.Get("Range"))
	if err != nil {
		p.writeUpstreamError(w, target, err)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if _, ok := audioContentTypes[strings.ToLower(base)]; !ok {
		p.logger.Info("unrecognized content type, relaying anyway", "url", target, "content_type", contentType)
	}

	for _, h := range passthroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, copyErr := io.Copy(newFlushWriter(w), resp.Body)
	p.metrics.bytes.Add(float64(n))
	if copyErr != nil && r.Context().Err() == nil {
		p.logger.Debug("stream relay ended", "url", target, "bytes", n, "err", copyErr)
	}
	p.metrics.requests.WithLabelValues("ok").Inc()
}

// openStream issues the upstream GET, following redirects up to the
// configured hop limit and re-validating every target. Only the Range header
// is forwarded from the client; nothing else crosses to the origin.
func (p *Proxy) openStream(ctx context.Context, target, rangeHeader string) (*http.Response, error) {
	current := target

	for hop := 0; hop <= p.cfg.MaxRedirects; hop++ {
		if res := p.validate(current); !res.Valid {
			return nil, &validationError{target: current, reason: res.Reason}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("User-Agent", icy.DefaultUserAgent)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("redirect from %s without a Location header", current)
		}

		next, err := resolveLocation(current, location)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("following redirect", "from", current, "to", next, "hop", hop+1)
		current = next
	}

	return nil, fmt.Errorf("too many redirects (limit %d) for %s", p.cfg.MaxRedirects, target)
}

func (p *Proxy) writeUpstreamError(w http.ResponseWriter, target string, err error) {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
		p.metrics.requests.WithLabelValues("validation_rejected").Inc()

	case isTimeout(err):
		p.logger.Warn("upstream timeout", "url", target, "err", err)
		http.Error(w, "upstream connection timed out", http.StatusGatewayTimeout)
		p.metrics.requests.WithLabelValues("timeout").Inc()

	default:
		p.logger.Warn("upstream connection failed", "url", target, "err", err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		p.metrics.requests.WithLabelValues("upstream_error").Inc()
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveLocation resolves a possibly relative Location header against the
// URL that issued the redirect.
func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing redirect base: %w", err)
	}
	locURL, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing redirect target: %w", err)
	}
	return baseURL.ResolveReference(locURL).String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// flushWriter flushes after every write so audio reaches the client as it
// arrives instead of sitting in response buffers.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	if f, ok := w.(http.Flusher); ok {
		return &flushWriter{w: w, f: f}
	}
	return w
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}
