package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reader parses an event stream back into typed events.
type Reader struct {
	r    *bufio.Reader
	done bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF after the terminal event or
// at a clean end of input, and io.ErrUnexpectedEOF if input stops mid-event.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return nil, io.EOF
	}

	var (
		name    string
		data    bytes.Buffer
		hasData bool
		started bool
	)
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		atEOF := errors.Is(err, io.EOF)
		if atEOF && line == "" {
			if started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !started {
				continue
			}
			if name == "" || !hasData {
				return nil, fmt.Errorf("incomplete event (name %q)", name)
			}
			ev, err := Decode(name, data.Bytes())
			if err != nil {
				return nil, err
			}
			if Terminal(ev) {
				r.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			started = true
			switch field {
			case "event":
				name = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}

		if atEOF {
			return nil, io.ErrUnexpectedEOF
		}
	}
}

// ReadAll collects events until the stream ends.
func ReadAll(r io.Reader) ([]Event, error) {
	reader := NewReader(r)
	var events []Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
