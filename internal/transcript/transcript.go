// Package transcript records terminal sessions in asciinema v2
// JSON-Lines format, one file per session.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Header is the asciinema v2 file header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recorded event: [offset_seconds, type, data]. Type is
// "o" for output and "i" for input.
type Event struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event as the asciinema triple array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes the asciinema triple array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid event offset type")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	text, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.Offset = offset
	e.Type = typ
	e.Data = text
	return nil
}

// Recorder writes one session's transcript. Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	writer    io.Writer
	file      *os.File
	startTime time.Time
	closed    bool
}

// NewRecorder creates a transcript file at path and writes the header.
func NewRecorder(path string, cols, rows int, env map[string]string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	r := &Recorder{writer: file, file: file, startTime: time.Now()}
	if err := r.writeHeader(cols, rows, env); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// NewRecorderWithWriter records to an arbitrary writer. Used by tests.
func NewRecorderWithWriter(w io.Writer, cols, rows int) (*Recorder, error) {
	r := &Recorder{writer: w, startTime: time.Now()}
	if err := r.writeHeader(cols, rows, nil); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(cols, rows int, env map[string]string) error {
	header := Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.startTime.Unix(),
		Env:       env,
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript header: %w", err)
	}
	return nil
}

// WriteOutput appends an output event.
func (r *Recorder) WriteOutput(data string) error {
	return r.writeEvent("o", data)
}

// WriteInput appends an input event.
func (r *Recorder) WriteInput(data string) error {
	return r.writeEvent("i", data)
}

func (r *Recorder) writeEvent(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("transcript recorder is closed")
	}

	event := Event{
		Offset: time.Since(r.startTime).Seconds(),
		Type:   typ,
		Data:   data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript event: %w", err)
	}
	return nil
}

// StartTime returns when recording began.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}

// Close flushes and closes the transcript file. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
