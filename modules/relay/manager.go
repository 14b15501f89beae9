package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alexzafra13/radiorelay/pkg/icy"
	"github.com/Alexzafra13/radiorelay/pkg/safeurl"
)

// Subscription is one listener's handle on a station's metadata feed. Events
// is closed when the station's upstream connection goes away; the holder is
// expected to unsubscribe (idempotent) and, if still interested, subscribe
// again.
type Subscription struct {
	ID        uuid.UUID
	StationID string
	Events    <-chan Event

	events chan Event
}

type stationState int

const (
	stateConnecting stationState = iota
	stateStreaming
	stateClosed
)

// station is one upstream connection and its current subscribers. The first
// subscriber's stream URL is used for the life of the connection.
type station struct {
	id  string
	url string

	mu          sync.Mutex
	state       stationState
	subscribers map[uuid.UUID]chan Event

	cancel context.CancelFunc
	done   chan struct{}
}

// openFunc opens one upstream metadata connection. The returned reader yields
// audio bytes which the manager discards; onTitle fires on every title change.
type openFunc func(ctx context.Context, url string, onTitle func(string)) (io.ReadCloser, error)

// Manager multiplexes upstream metadata connections: at most one per station
// regardless of subscriber count, opened on the first subscribe and torn down
// synchronously on the last unsubscribe.
type Manager struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics

	open openFunc

	mu       sync.Mutex
	stations map[string]*station
}

func NewManager(cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		cfg:      &cfg,
		logger:   logger.With("component", "manager"),
		metrics:  newMetrics(reg),
		stations: make(map[string]*station),
	}
	m.open = m.openUpstream

	return m
}

func (m *Manager) openUpstream(ctx context.Context, url string, onTitle func(string)) (io.ReadCloser, error) {
	stream, err := icy.Open(ctx, url, icy.Options{
		ConnectTimeout: m.cfg.ConnectTimeout,
		ValidateURL:    validateStreamURL,
	})
	if err != nil {
		return nil, err
	}
	stream.OnMetadata = func(md *icy.Metadata) { onTitle(md.StreamTitle) }
	return stream, nil
}

// validateStreamURL applies the SSRF policy. The subscribe URL is checked up
// front; the same check is handed to the ICY client so playlist entries and
// redirect targets cannot steer the connection into blocked ranges.
func validateStreamURL(url string) error {
	if res := safeurl.Validate(url); !res.Valid {
		return fmt.Errorf("stream URL rejected: %s", res.Reason)
	}
	return nil
}

// Subscribe registers a listener for a station, opening the upstream
// connection if this is the first one. The stream URL is validated before any
// network I/O; a rejected URL fails the call without creating a station.
func (m *Manager) Subscribe(stationID, streamURL string) (*Subscription, error) {
	if stationID == "" {
		return nil, fmt.Errorf("station id is required")
	}
	if err := validateStreamURL(streamURL); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        uuid.New(),
		StationID: stationID,
		events:    make(chan Event, m.cfg.SubscriberBuffer),
	}
	sub.Events = sub.events

	m.mu.Lock()
	st, ok := m.stations[stationID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		st = &station{
			id:          stationID,
			url:         streamURL,
			state:       stateConnecting,
			subscribers: make(map[uuid.UUID]chan Event),
			cancel:      cancel,
			done:        make(chan struct{}),
		}
		m.stations[stationID] = st
		m.metrics.stationsActive.Inc()

		// Register before the connection goroutine starts so an immediate
		// open failure still reaches this subscriber.
		st.subscribers[sub.ID] = sub.events
		go m.run(ctx, st)
	} else {
		st.mu.Lock()
		st.subscribers[sub.ID] = sub.events
		st.mu.Unlock()
	}
	// Incremented before the lock is released so a fast teardown cannot
	// decrement first and leave the gauge negative.
	m.metrics.subscribersActive.Inc()
	m.mu.Unlock()

	m.logger.Debug("subscribed", "station", stationID, "subscriber", sub.ID)

	return sub, nil
}

// Unsubscribe removes a listener. Removing the last listener of a station
// tears the upstream connection down before returning. Unsubscribing a handle
// that was already removed is a no-op.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	st, ok := m.stations[sub.StationID]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.mu.Lock()
	if _, ok := st.subscribers[sub.ID]; !ok {
		st.mu.Unlock()
		m.mu.Unlock()
		return
	}
	delete(st.subscribers, sub.ID)
	m.metrics.subscribersActive.Dec()
	last := len(st.subscribers) == 0
	if last {
		delete(m.stations, sub.StationID)
	}
	st.mu.Unlock()
	m.mu.Unlock()

	m.logger.Debug("unsubscribed", "station", sub.StationID, "subscriber", sub.ID, "last", last)

	if last {
		st.cancel()
		<-st.done
	}
}

// Shutdown tears down every station. Used when the relay service stops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stations := make([]*station, 0, len(m.stations))
	for id, st := range m.stations {
		stations = append(stations, st)
		delete(m.stations, id)
	}
	m.mu.Unlock()

	for _, st := range stations {
		st.cancel()
		<-st.done
	}
}

// run owns the upstream connection for one station. All connection I/O
// happens here so Subscribe and Unsubscribe stay control-plane fast.
func (m *Manager) run(ctx context.Context, st *station) {
	defer close(st.done)
	defer m.metrics.stationsActive.Dec()

	logger := m.logger.With("station", st.id)

	onTitle := func(title string) {
		artist, song := icy.SplitTitle(title)
		m.metrics.metadataEvents.Inc()
		st.broadcast(Event{
			Type: EventMetadata,
			Metadata: &TrackMetadata{
				StationID: st.id,
				Title:     title,
				Artist:    artist,
				Song:      song,
				Timestamp: time.Now().UnixMilli(),
			},
		}, logger)
	}

	stream, err := m.open(ctx, st.url, onTitle)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("upstream connection failed", "url", st.url, "err", err)
			m.metrics.upstreamErrors.Inc()
			st.broadcast(Event{Type: EventError, Message: err.Error()}, logger)
		}
		m.teardown(st)
		return
	}

	st.mu.Lock()
	if st.state == stateConnecting {
		st.state = stateStreaming
	}
	st.mu.Unlock()
	logger.Info("upstream connected", "url", st.url)

	// Drain audio bytes; only the metadata callbacks matter here.
	_, copyErr := io.Copy(io.Discard, stream)

	if closeErr := stream.Close(); closeErr != nil && ctx.Err() == nil {
		logger.Debug("error closing upstream", "err", closeErr)
	}

	if ctx.Err() == nil {
		if copyErr == nil {
			copyErr = io.ErrUnexpectedEOF
		}
		logger.Warn("upstream connection lost", "err", copyErr)
		m.metrics.upstreamErrors.Inc()
		st.broadcast(Event{Type: EventError, Message: copyErr.Error()}, logger)
	}

	m.teardown(st)
}

// teardown removes the station entry (if still present) and closes all
// subscriber channels so their holders see the feed end.
func (m *Manager) teardown(st *station) {
	m.mu.Lock()
	if cur, ok := m.stations[st.id]; ok && cur == st {
		delete(m.stations, st.id)
	}

	st.mu.Lock()
	st.state = stateClosed
	for id, ch := range st.subscribers {
		m.metrics.subscribersActive.Dec()
		close(ch)
		delete(st.subscribers, id)
	}
	st.mu.Unlock()
	m.mu.Unlock()
}

// broadcast delivers an event to every current subscriber. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the rest.
func (st *station) broadcast(ev Event, logger *slog.Logger) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == stateClosed {
		return
	}

	for id, ch := range st.subscribers {
		select {
		case ch <- ev:
		default:
			logger.Debug("dropping event for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}
