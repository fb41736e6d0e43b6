package engine

import (
	"bytes"
	"io"
)

// State is the transfer state of a tracked file.
type State int

const (
	StateQueued State = iota
	StateUploading
	StatePaused
	StateError
	StateComplete
)

var stateNames = [...]string{"queued", "uploading", "paused", "error", "complete"}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState converts a state name back to a State.
// Unknown names parse as StateQueued.
func ParseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateQueued
}

// Response is what a transport reports for a finished transfer.
//
// Body is the decoded response payload. UploadURL is the canonical location
// of the uploaded object when the transport learned one independently of the
// body (for HTTP, the Location header).
type Response struct {
	Status    int
	Body      map[string]any
	UploadURL string
}

// File is a snapshot of one engine-tracked file entry.
type File struct {
	ID       string
	Name     string
	Type     string
	Size     int64
	State    State
	Response *Response
	Err      error
}

// OpenFunc returns a fresh reader over a file's content. It is called once
// per transfer attempt, so retries read the content from the start.
type OpenFunc func() (io.ReadCloser, error)

// Source describes a file offered to the engine.
type Source struct {
	Name string
	Type string
	Size int64
	Open OpenFunc
}

// BytesSource builds a Source over an in-memory payload.
func BytesSource(name, contentType string, data []byte) Source {
	return Source{
		Name: name,
		Type: contentType,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
