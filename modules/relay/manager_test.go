package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, buffer int) (*Manager, *fakeUpstreams) {
	t.Helper()

	m := NewManager(Config{
		ConnectTimeout:   time.Second,
		SubscriberBuffer: buffer,
	}, testLogger(), prometheus.NewRegistry())

	f := &fakeUpstreams{opened: make(chan *fakeConn, 8)}
	m.open = f.open

	return m, f
}

// fakeUpstreams stands in for icy.Open. Each open yields a fakeConn the test
// drives: emit titles, fail the stream, or observe the close.
type fakeUpstreams struct {
	mu      sync.Mutex
	count   int
	urls    []string
	failAll error
	opened  chan *fakeConn
}

type fakeConn struct {
	url     string
	onTitle func(string)
	pr      *io.PipeReader
	pw      *io.PipeWriter

	closeOnce sync.Once
	closed    chan struct{}
}

func (f *fakeUpstreams) open(ctx context.Context, url string, onTitle func(string)) (io.ReadCloser, error) {
	f.mu.Lock()
	f.count++
	f.urls = append(f.urls, url)
	failErr := f.failAll
	f.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}

	pr, pw := io.Pipe()
	c := &fakeConn{url: url, onTitle: onTitle, pr: pr, pw: pw, closed: make(chan struct{})}

	// The real stream aborts reads when the station context is cancelled.
	go func() {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()

	f.opened <- c
	return c, nil
}

func (f *fakeUpstreams) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (c *fakeConn) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pr.Close()
	})
	return nil
}

func (c *fakeConn) fail(err error) { c.pw.CloseWithError(err) }

func (c *fakeConn) emit(title string) { c.onTitle(title) }

func waitConn(t *testing.T, f *fakeUpstreams) *fakeConn {
	t.Helper()
	select {
	case c := <-f.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an upstream connection")
		return nil
	}
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		if !ok {
			t.Fatal("event channel closed while waiting for an event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the event channel to close")
		}
	}
}

func (m *Manager) stationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stations)
}

func TestManager_SingleUpstreamPerStation(t *testing.T) {
	m, f := newTestManager(t, 16)

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		subs = append(subs, sub)
	}

	conn := waitConn(t, f)
	if got := f.openCount(); got != 1 {
		t.Fatalf("expected 1 upstream connection for 3 subscribers, got %d", got)
	}

	conn.emit("Pink Floyd - Time")

	for i, sub := range subs {
		ev := recvEvent(t, sub)
		if ev.Type != EventMetadata {
			t.Fatalf("subscriber %d: expected metadata event, got %v", i, ev.Type)
		}
		md := ev.Metadata
		if md.Artist != "Pink Floyd" || md.Song != "Time" || md.Title != "Pink Floyd - Time" {
			t.Errorf("subscriber %d: bad split: %+v", i, md)
		}
		if md.StationID != "station-1" || md.Timestamp == 0 {
			t.Errorf("subscriber %d: bad envelope: %+v", i, md)
		}
	}

	for _, sub := range subs {
		m.Unsubscribe(sub)
	}

	select {
	case <-conn.closed:
	default:
		t.Error("upstream connection not closed after the last unsubscribe")
	}
	if got := m.stationCount(); got != 0 {
		t.Errorf("expected station map to be empty, got %d entries", got)
	}
}

func TestManager_TitleWithoutSeparator(t *testing.T) {
	m, f := newTestManager(t, 16)

	sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer m.Unsubscribe(sub)

	conn := waitConn(t, f)
	conn.emit("Ambient Mix")

	ev := recvEvent(t, sub)
	md := ev.Metadata
	if md.Artist != "" || md.Song != "Ambient Mix" || md.Title != "Ambient Mix" {
		t.Errorf("bad split for separator-less title: %+v", md)
	}
}

func TestManager_ResubscribeCreatesNewConnection(t *testing.T) {
	m, f := newTestManager(t, 16)

	sub1, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitConn(t, f)
	m.Unsubscribe(sub1)

	sub2, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}
	defer m.Unsubscribe(sub2)
	waitConn(t, f)

	if got := f.openCount(); got != 2 {
		t.Errorf("expected a fresh connection after a zero-listener gap, got %d opens", got)
	}
}

func TestManager_FirstSubscriberURLWins(t *testing.T) {
	m, f := newTestManager(t, 16)

	sub1, _ := m.Subscribe("station-1", "http://streams.example.com/a.mp3")
	sub2, _ := m.Subscribe("station-1", "http://streams.example.com/b.mp3")
	defer m.Unsubscribe(sub1)
	defer m.Unsubscribe(sub2)

	waitConn(t, f)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) != 1 || f.urls[0] != "http://streams.example.com/a.mp3" {
		t.Errorf("expected only the first subscriber's URL to be used, got %v", f.urls)
	}
}

func TestManager_ErrorBroadcastToAllSubscribers(t *testing.T) {
	m, f := newTestManager(t, 16)

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		subs = append(subs, sub)
	}

	conn := waitConn(t, f)
	conn.fail(errors.New("stream died"))

	for i, sub := range subs {
		ev := recvEvent(t, sub)
		if ev.Type != EventError {
			t.Fatalf("subscriber %d: expected error event, got %v", i, ev.Type)
		}
		if ev.Message != "stream died" {
			t.Errorf("subscriber %d: unexpected message %q", i, ev.Message)
		}
		waitClosed(t, sub)
	}

	if got := m.stationCount(); got != 0 {
		t.Errorf("expected the station entry to be removed after an error, got %d entries", got)
	}

	// The handles remain valid to unsubscribe.
	for _, sub := range subs {
		m.Unsubscribe(sub)
	}
}

func TestManager_OpenFailureReportedAsErrorEvent(t *testing.T) {
	m, f := newTestManager(t, 16)
	f.failAll = errors.New("connection refused")

	sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe must not fail on upstream errors, got: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Type != EventError {
		t.Fatalf("expected error event, got %v", ev.Type)
	}
	waitClosed(t, sub)

	if got := m.stationCount(); got != 0 {
		t.Errorf("expected no station entry after a failed open, got %d", got)
	}
}

func TestManager_UnsubscribeIdempotent(t *testing.T) {
	m, f := newTestManager(t, 16)

	sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitConn(t, f)

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)

	if got := f.openCount(); got != 1 {
		t.Errorf("unexpected open count %d", got)
	}
}

func TestManager_RejectsInvalidStreamURL(t *testing.T) {
	m, _ := newTestManager(t, 16)

	if _, err := m.Subscribe("station-1", "http://192.168.1.5/x"); err == nil {
		t.Error("expected a private address to be rejected")
	}
	if _, err := m.Subscribe("station-1", "ftp://example.com/x"); err == nil {
		t.Error("expected a non-http scheme to be rejected")
	}
	if _, err := m.Subscribe("", "http://streams.example.com/live.mp3"); err == nil {
		t.Error("expected an empty station id to be rejected")
	}

	if got := m.stationCount(); got != 0 {
		t.Errorf("rejected subscribes must not leave station entries, got %d", got)
	}
}

func TestManager_SubscriberGaugeConsistent(t *testing.T) {
	m, f := newTestManager(t, 16)
	f.failAll = errors.New("connection refused")

	// An open that fails before Subscribe returns must still leave the
	// gauge balanced.
	sub, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitClosed(t, sub)

	if got := testutil.ToFloat64(m.metrics.subscribersActive); got != 0 {
		t.Errorf("expected a zero subscriber gauge after a failed open, got %v", got)
	}

	f.mu.Lock()
	f.failAll = nil
	f.mu.Unlock()

	sub2, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitConn(t, f)

	if got := testutil.ToFloat64(m.metrics.subscribersActive); got != 1 {
		t.Errorf("expected a gauge of 1 with one subscriber, got %v", got)
	}

	m.Unsubscribe(sub2)

	if got := testutil.ToFloat64(m.metrics.subscribersActive); got != 0 {
		t.Errorf("expected a zero gauge after the last unsubscribe, got %v", got)
	}
}

func TestManager_PlaylistAndRedirectTargetsValidated(t *testing.T) {
	for _, url := range []string{
		"http://127.0.0.1:9000/stream",
		"http://10.1.2.3/internal",
		"http://169.254.169.254/latest/meta-data",
	} {
		if err := validateStreamURL(url); err == nil {
			t.Errorf("expected %q to be rejected by the upstream policy", url)
		}
	}
	if err := validateStreamURL("http://streams.example.com/live.mp3"); err != nil {
		t.Errorf("expected a public URL to pass, got %v", err)
	}
}

func TestManager_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	m, f := newTestManager(t, 1)

	slow, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	fast, err := m.Subscribe("station-1", "http://streams.example.com/live.mp3")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer m.Unsubscribe(slow)
	defer m.Unsubscribe(fast)

	conn := waitConn(t, f)

	// The slow subscriber never reads; its one-slot buffer fills and further
	// deliveries to it are dropped while the fast one keeps receiving.
	titles := []string{"One - A", "Two - B", "Three - C", "Four - D"}
	for _, title := range titles {
		conn.emit(title)
		ev := recvEvent(t, fast)
		if ev.Metadata.Title != title {
			t.Fatalf("fast subscriber got %q, want %q", ev.Metadata.Title, title)
		}
	}
}

func TestManager_Shutdown(t *testing.T) {
	m, f := newTestManager(t, 16)

	sub1, _ := m.Subscribe("station-1", "http://streams.example.com/a.mp3")
	sub2, _ := m.Subscribe("station-2", "http://streams.example.com/b.mp3")

	conn1 := waitConn(t, f)
	conn2 := waitConn(t, f)

	m.Shutdown()

	for _, conn := range []*fakeConn{conn1, conn2} {
		select {
		case <-conn.closed:
		default:
			t.Error("expected every upstream connection to be closed on shutdown")
		}
	}
	waitClosed(t, sub1)
	waitClosed(t, sub2)

	if got := m.stationCount(); got != 0 {
		t.Errorf("expected an empty station map after shutdown, got %d", got)
	}
}
