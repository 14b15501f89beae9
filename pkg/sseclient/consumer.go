// Package sseclient consumes the relay's metadata event stream and keeps it
// alive across transport failures and visibility changes.
//
// The consumer connects only while a station is set and the active flag is
// true. Transport failures drive exponential-backoff reconnects; hiding the
// consumer (the page going to background) closes the connection immediately
// without counting a failure, and becoming visible again reconnects with the
// failure counter at zero.
package sseclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 30 * time.Second
)

// NowPlaying mirrors the gateway's metadata event payload.
type NowPlaying struct {
	StationID string `json:"stationId"`
	Title     string `json:"title"`
	Artist    string `json:"artist,omitempty"`
	Song      string `json:"song"`
	Timestamp int64  `json:"timestamp"`
}

// Config configures a Consumer.
type Config struct {
	// Endpoint is the metadata stream URL, e.g.
	// https://host/radio/metadata/stream.
	Endpoint string

	// Transport defaults to an HTTPTransport.
	Transport Transport

	Logger *slog.Logger

	// BackoffMin/BackoffMax bound the reconnect delay. Defaults 1s and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// OnNowPlaying receives every metadata update.
	OnNowPlaying func(NowPlaying)

	// OnStreamError receives upstream error messages. The consumer keeps
	// reconnecting regardless.
	OnStreamError func(message string)
}

// Consumer is a resilient subscriber to one station's metadata feed.
type Consumer struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	backoff   *backoff.Backoff

	// schedule plants a cancellable timer; replaced in tests.
	schedule func(time.Duration, func()) func()

	mu          sync.Mutex
	stationID   string
	streamURL   string
	active      bool
	visible     bool
	closed      bool
	gen         int
	stream      Stream
	cancelTimer func()
}

// New creates a Consumer. The consumer starts visible, inactive, and with no
// station; nothing connects until both a station and the active flag are set.
func New(cfg Config) *Consumer {
	if cfg.Transport == nil {
		cfg.Transport = &HTTPTransport{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}

	return &Consumer{
		cfg:       cfg,
		transport: cfg.Transport,
		logger:    cfg.Logger.With("component", "sseclient"),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
		},
		schedule: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
		visible: true,
	}
}

// SetStation changes the station being followed. Any open connection is
// closed first; a new one opens immediately when the consumer is active and
// visible.
func (c *Consumer) SetStation(stationID, streamURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stationID == stationID && c.streamURL == streamURL {
		return
	}
	c.stationID = stationID
	c.streamURL = streamURL
	c.backoff.Reset()
	c.restartLocked()
}

// SetActive flips the "should be connected" flag (e.g. radio playing).
func (c *Consumer) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == active {
		return
	}
	c.active = active
	c.backoff.Reset()
	c.restartLocked()
}

// SetVisible reports page visibility. Hiding closes the connection and
// cancels any pending reconnect without counting a failure; becoming visible
// reconnects immediately with the failure counter reset.
func (c *Consumer) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.visible == visible {
		return
	}
	c.visible = visible

	if !visible {
		c.stopLocked()
		return
	}
	c.backoff.Reset()
	c.restartLocked()
}

// Close tears the consumer down; no timers or connections survive it.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.stopLocked()
}

func (c *Consumer) desiredLocked() bool {
	return !c.closed && c.active && c.visible && c.stationID != ""
}

// stopLocked closes the current connection and cancels any pending reconnect.
// Bumping gen invalidates in-flight dials and reader goroutines.
func (c *Consumer) stopLocked() {
	c.gen++
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
}

func (c *Consumer) restartLocked() {
	c.stopLocked()
	if !c.desiredLocked() {
		return
	}
	gen := c.gen
	target := c.endpointLocked()
	go c.dial(gen, target)
}

func (c *Consumer) endpointLocked() string {
	q := url.Values{}
	q.Set("stationUuid", c.stationID)
	q.Set("streamUrl", c.streamURL)
	return c.cfg.Endpoint + "?" + q.Encode()
}

// dial opens the push channel once; failures schedule the next attempt.
func (c *Consumer) dial(gen int, target string) {
	s, err := c.transport.Open(context.Background(), target)

	c.mu.Lock()
	if gen != c.gen || !c.desiredLocked() {
		c.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		return
	}

	if err != nil {
		c.logger.Debug("connection failed", "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.stream = s
	c.backoff.Reset()
	station := c.stationID
	c.mu.Unlock()

	c.logger.Debug("connected", "station", station)
	go c.readLoop(gen, s)
}

// readLoop dispatches events until the stream ends; an end not caused by a
// local close counts as a transport failure.
func (c *Consumer) readLoop(gen int, s Stream) {
	for ev := range s.Events() {
		c.dispatch(ev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	c.stream = nil
	if c.desiredLocked() {
		c.logger.Debug("connection lost")
		c.scheduleReconnectLocked()
	}
}

func (c *Consumer) scheduleReconnectLocked() {
	delay := c.backoff.Duration()
	gen := c.gen
	c.logger.Debug("scheduling reconnect", "delay", delay)

	c.cancelTimer = c.schedule(delay, func() {
		c.mu.Lock()
		if gen != c.gen || !c.desiredLocked() {
			c.mu.Unlock()
			return
		}
		c.cancelTimer = nil
		target := c.endpointLocked()
		c.mu.Unlock()

		c.dial(gen, target)
	})
}

func (c *Consumer) dispatch(ev Event) {
	switch ev.Name {
	case "metadata":
		var np NowPlaying
		if err := json.Unmarshal(ev.Data, &np); err != nil {
			c.logger.Debug("discarding malformed metadata event", "err", err)
			return
		}
		if c.cfg.OnNowPlaying != nil {
			c.cfg.OnNowPlaying(np)
		}

	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			c.logger.Debug("discarding malformed error event", "err", err)
			return
		}
		if c.cfg.OnStreamError != nil {
			c.cfg.OnStreamError(payload.Message)
		}

	case "connected", "keepalive":
		// control events, nothing to deliver
	}
}
