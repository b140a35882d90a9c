package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// Event is one decoded server-sent event.
type Event struct {
	Name string
	Data string
}

// DoneMarker terminates OpenAI-style streams.
const DoneMarker = "[DONE]"

// Decoder turns raw event-stream bytes into events. Bytes may be fed in
// arbitrary pieces; a partial trailing line is held until the next Feed.
type Decoder struct {
	buf     []byte
	name    string
	data    []string
	hasData bool
}

// Feed consumes p and returns the events it completed.
func (d *Decoder) Feed(p []byte) []Event {
	d.buf = append(d.buf, p...)
	var out []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if ev, ok := d.line(bytes.TrimSuffix(line, []byte("\r"))); ok {
			out = append(out, ev)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Finish flushes a trailing line and any event not yet terminated by a
// blank line.
func (d *Decoder) Finish() []Event {
	var out []Event
	if len(d.buf) > 0 {
		line := bytes.TrimSuffix(d.buf, []byte("\r"))
		d.buf = nil
		if ev, ok := d.line(line); ok {
			out = append(out, ev)
		}
	}
	if ev, ok := d.dispatch(); ok {
		out = append(out, ev)
	}
	return out
}

func (d *Decoder) line(line []byte) (Event, bool) {
	if len(line) == 0 {
		return d.dispatch()
	}
	if line[0] == ':' {
		return Event{}, false
	}
	field, value, _ := bytes.Cut(line, []byte(":"))
	value = bytes.TrimPrefix(value, []byte(" "))
	switch string(field) {
	case "event":
		d.name = string(value)
	case "data":
		d.data = append(d.data, string(value))
		d.hasData = true
	}
	return Event{}, false
}

func (d *Decoder) dispatch() (Event, bool) {
	if !d.hasData {
		d.name = ""
		return Event{}, false
	}
	ev := Event{Name: d.name, Data: strings.Join(d.data, "\n")}
	d.name, d.data, d.hasData = "", d.data[:0], false
	return ev, true
}

// ReadEvents decodes r until EOF, the [DONE] marker, or fn returning an
// error. Transport errors are classified as provider errors.
func ReadEvents(ctx context.Context, provider string, r io.Reader, fn func(Event) error) error {
	var dec Decoder
	buf := make([]byte, 4096)
	emit := func(evs []Event) (bool, error) {
		for _, ev := range evs {
			if ev.Data == DoneMarker {
				return true, nil
			}
			if err := fn(ev); err != nil {
				return true, err
			}
		}
		return false, nil
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if done, ferr := emit(dec.Feed(buf[:n])); done || ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			_, ferr := emit(dec.Finish())
			return ferr
		}
		if err != nil {
			return ReadError(ctx, provider, err)
		}
	}
}

// EncodeChunk renders one SSE data frame.
func EncodeChunk(c *Chunk) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// DoneFrame is the stream terminator.
var DoneFrame = []byte("data: [DONE]\n\n")
