package sse

import (
	"context"

	"parlor/internal/domain/models/chat"
)

// Handlers are the callbacks invoked by Run. OnMeta is optional.
type Handlers struct {
	OnMeta  func(ev chat.StreamEvent)
	OnChunk func(content string)
	OnDone  func(fullContent string)
	OnError func(message string)
}

// Run drains the stream into h and returns once the stream ends, is
// cancelled or delivers a terminal event. Cancellation through ctx closes
// the stream and returns ctx.Err() without invoking OnError.
func Run(ctx context.Context, stream *Stream, h Handlers) error {
	for {
		select {
		case <-ctx.Done():
			stream.Close()
			return ctx.Err()

		case ev, ok := <-stream.Events():
			if !ok {
				return ctx.Err()
			}
			// a cancel racing with delivery must still be silent
			if ctx.Err() != nil {
				stream.Close()
				return ctx.Err()
			}

			switch ev.Type {
			case chat.EventMeta:
				if h.OnMeta != nil {
					h.OnMeta(ev)
				}
			case chat.EventChunk:
				if h.OnChunk != nil {
					h.OnChunk(ev.Content)
				}
			case chat.EventDone:
				if h.OnDone != nil {
					h.OnDone(ev.FullContent)
				}
				return nil
			case chat.EventError:
				if h.OnError != nil {
					h.OnError(ev.ErrorText())
				}
				return nil
			}
		}
	}
}
