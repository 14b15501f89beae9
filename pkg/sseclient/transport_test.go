package sseclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_DecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("unexpected Accept header %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		w.Write([]byte("event: connected\ndata: \n\n"))
		w.Write([]byte(": comment keepalive\n"))
		w.Write([]byte("event: metadata\ndata: {\"title\":\"x\"}\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	tr := &HTTPTransport{}
	s, err := tr.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	var events []Event
	deadline := time.After(2 * time.Second)
	for len(events) < 2 {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("stream ended early, got %v", events)
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out, got %v", events)
		}
	}

	if events[0].Name != "connected" {
		t.Errorf("expected connected, got %q", events[0].Name)
	}
	if events[1].Name != "metadata" || string(events[1].Data) != `{"title":"x"}` {
		t.Errorf("unexpected metadata event: %+v", events[1])
	}
}

func TestHTTPTransport_EventsChannelClosesWhenServerEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: connected\ndata: \n\n"))
	}))
	defer srv.Close()

	tr := &HTTPTransport{}
	s, err := tr.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return // closed as expected
			}
		case <-deadline:
			t.Fatal("events channel not closed after the response ended")
		}
	}
}

func TestHTTPTransport_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := &HTTPTransport{}
	if _, err := tr.Open(context.Background(), srv.URL); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
