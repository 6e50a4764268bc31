// Package sse implements the ask stream: a typed sequence of server-sent
// events ending in exactly one Done or Error.
//
// On the wire each event is
//
//	event: <name>
//	data: <JSON>
//
// followed by a blank line.
package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"gwi.com/search-assistant/internal/store"
)

const (
	NameMetadata = "metadata"
	NameToken    = "token"
	NameDone     = "done"
	NameError    = "error"
)

// Event is one of Metadata, Token, Done or Error.
type Event interface {
	EventName() string
}

type Metadata struct {
	Sources  []store.SearchResult `json:"sources"`
	Images   []store.ImageResult  `json:"images"`
	ThreadID string               `json:"thread_id"`
}

type Token struct {
	Content string `json:"content"`
}

type Done struct {
	MessageID string `json:"message_id"`
}

type Error struct {
	Message string `json:"error"`
}

func (Metadata) EventName() string { return NameMetadata }
func (Token) EventName() string    { return NameToken }
func (Done) EventName() string     { return NameDone }
func (Error) EventName() string    { return NameError }

// Terminal reports whether ev ends a stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Done, *Done, Error, *Error:
		return true
	}
	return false
}

// Encode writes ev in wire format.
func Encode(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.EventName(), err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventName(), data)
	return err
}

// Decode builds the typed event for a wire name and JSON payload.
func Decode(name string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case NameMetadata:
		var m Metadata
		err = json.Unmarshal(data, &m)
		ev = m
	case NameToken:
		var t Token
		err = json.Unmarshal(data, &t)
		ev = t
	case NameDone:
		var d Done
		err = json.Unmarshal(data, &d)
		ev = d
	case NameError:
		var e Error
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", name, err)
	}
	return ev, nil
}
