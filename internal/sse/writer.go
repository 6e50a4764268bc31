package sse

import (
	"errors"
	"net/http"
	"sync"
)

var (
	ErrStreamClosed         = errors.New("event stream already terminated")
	ErrStreamingUnsupported = errors.New("response writer does not support flushing")
)

// Writer sends events over an HTTP response, flushing after each one. Once a
// terminal event has been sent every further Send fails with ErrStreamClosed.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewWriter writes the event-stream headers and the 200 status.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

func (s *Writer) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if Terminal(ev) {
		s.closed = true
	}
	if err := Encode(s.w, ev); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Closed reports whether a terminal event was sent.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
