package sseclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event is one named server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Stream is an open push channel. Events is closed when the transport fails
// or the stream is closed locally.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Transport opens the push channel. Injectable so consumers can be tested
// without a network.
type Transport interface {
	Open(ctx context.Context, url string) (Stream, error)
}

// HTTPTransport reads text/event-stream responses.
type HTTPTransport struct {
	// ConnectTimeout bounds dialing and the wait for response headers.
	ConnectTimeout time.Duration

	once   sync.Once
	client *http.Client
}

func (t *HTTPTransport) httpClient() *http.Client {
	t.once.Do(func() {
		timeout := t.ConnectTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		dialer := &net.Dialer{Timeout: timeout}
		t.client = &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: timeout,
			},
		}
	})
	return t.client
}

// Open issues the long-lived GET and starts decoding events.
func (t *HTTPTransport) Open(ctx context.Context, url string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	s := &httpStream{
		cancel: cancel,
		events: make(chan Event, 8),
	}
	go s.readLoop(resp)

	return s, nil
}

type httpStream struct {
	cancel    context.CancelFunc
	events    chan Event
	closeOnce sync.Once
}

func (s *httpStream) Events() <-chan Event { return s.events }

func (s *httpStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// readLoop decodes the event-stream framing: "event:" and "data:" lines
// terminated by a blank line.
func (s *httpStream) readLoop(resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()
	defer s.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	var name string
	var data strings.Builder

	flush := func() {
		if name == "" && data.Len() == 0 {
			return
		}
		ev := Event{Name: name, Data: []byte(data.String())}
		name = ""
		data.Reset()
		s.events <- ev
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment line, used by some servers as keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
