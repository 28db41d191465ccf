package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"parlor/internal/domain/models/chat"
	"parlor/internal/metrics"
)

const dataPrefix = "data:"

// Decoder turns a byte stream into stream events.
// Reads may end anywhere, including inside a frame or a UTF-8 sequence;
// the incomplete tail is kept until the next Feed.
type Decoder struct {
	pending []byte
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDecoder creates a decoder. metrics may be nil.
func NewDecoder(m *metrics.Metrics, logger *slog.Logger) *Decoder {
	return &Decoder{metrics: m, logger: logger}
}

// Feed appends p to the pending buffer and returns the events of every
// complete line.
func (d *Decoder) Feed(p []byte) []chat.StreamEvent {
	d.pending = append(d.pending, p...)

	var events []chat.StreamEvent
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := d.pending[:i]
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
		d.pending = d.pending[i+1:]
	}

	// Reclaim the consumed prefix once it is empty
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return events
}

// Flush parses whatever is left once the body has ended.
// A final frame without a trailing newline is still delivered.
func (d *Decoder) Flush() []chat.StreamEvent {
	line := d.pending
	d.pending = nil
	if ev, ok := d.parseLine(line); ok {
		return []chat.StreamEvent{ev}
	}
	return nil
}

func (d *Decoder) parseLine(line []byte) (chat.StreamEvent, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte(dataPrefix)) {
		// comments (": keepalive"), event:/id: fields and blank separators
		return chat.StreamEvent{}, false
	}

	payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if len(payload) == 0 {
		return chat.StreamEvent{}, false
	}

	var ev chat.StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.metrics.MalformedFrame()
		d.logger.Debug("skipping malformed stream frame",
			"error", err,
			"bytes", len(payload),
		)
		return chat.StreamEvent{}, false
	}

	switch ev.Type {
	case chat.EventMeta, chat.EventChunk, chat.EventDone, chat.EventError:
		return ev, true
	default:
		d.logger.Debug("skipping unknown stream event", "type", ev.Type)
		return chat.StreamEvent{}, false
	}
}
