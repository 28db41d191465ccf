// Package sse reads newline-delimited `data: {json}` streams produced by the
// chat API's streaming endpoints.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	"parlor/internal/httpclient"
	"parlor/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "parlor/sse"

	// readBufferSize is the size of a single body read
	readBufferSize = 4096

	// eventBuffer lets the reader run a little ahead of a slow consumer
	eventBuffer = 16
)

// Transport opens streaming requests through the shared API client
type Transport struct {
	client  *httpclient.Client
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewTransport creates a transport on top of client
func NewTransport(client *httpclient.Client) *Transport {
	return &Transport{
		client:  client,
		metrics: client.Metrics(),
		tracer:  otel.Tracer(tracerName),
		logger:  client.Logger(),
	}
}

// OpenOption customizes a single stream
type OpenOption func(*openOptions)

type openOptions struct {
	action string
}

// WithAction labels the stream in metrics, traces and logs (send, regenerate, edit)
func WithAction(action string) OpenOption {
	return func(o *openOptions) {
		o.action = action
	}
}

// Stream is one in-flight streaming request.
// Events are delivered in order on Events(); the channel is closed after a
// terminal event, at end of body, or on cancellation.
type Stream struct {
	events chan chat.StreamEvent
	cancel context.CancelFunc
	done   chan struct{}

	// written by the reader goroutine before done is closed
	err       error
	cancelled bool
}

// Events returns the event channel
func (s *Stream) Events() <-chan chat.StreamEvent {
	return s.events
}

// Close cancels the request and waits for the reader to exit.
// No error event is delivered for a cancelled stream.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Wait blocks until the reader has exited and returns the transport error,
// if any. Cancellation is not an error.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Open starts a streaming request and returns immediately.
// body is JSON encoded; nil sends no body.
func (t *Transport) Open(ctx context.Context, method, path string, body interface{}, opts ...OpenOption) *Stream {
	o := openOptions{action: "stream"}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan chat.StreamEvent, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.read(ctx, s, method, path, body, o.action)
	return s
}

func (t *Transport) read(ctx context.Context, s *Stream, method, path string, body interface{}, action string) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	ctx, span := t.tracer.Start(ctx, "stream "+action,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("stream.action", action),
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	t.metrics.StreamStarted(action)
	outcome := metrics.OutcomeEOF
	defer func() {
		t.metrics.StreamFinished(action, outcome, time.Since(start))
		span.SetAttributes(attribute.String("stream.outcome", outcome))
	}()

	logger := t.logger.With("action", action, "path", path)

	// emit delivers ev unless the stream was cancelled first
	emit := func(ev chat.StreamEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error, message string) {
		if ctx.Err() != nil {
			s.cancelled = true
			outcome = metrics.OutcomeCancelled
			return
		}
		s.err = err
		outcome = metrics.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, message)
		logger.Warn("stream request failed", "error", err)
		emit(chat.StreamEvent{Type: chat.EventError, Message: message})
	}

	req, err := t.client.NewRequest(ctx, method, path, body)
	if err != nil {
		fail(err, err.Error())
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.HTTPClient().Do(req)
	if err != nil {
		fail(err, err.Error())
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err := t.client.ClassifyResponse(resp); err != nil {
		fail(err, StreamErrorMessage(err))
		return
	}

	decoder := NewDecoder(t.metrics, logger)
	buf := make([]byte, readBufferSize)

	// deliver reports whether reading should continue
	deliver := func(events []chat.StreamEvent) bool {
		for _, ev := range events {
			if ev.Type == chat.EventChunk {
				t.metrics.Chunk()
			}
			if !emit(ev) {
				s.cancelled = true
				outcome = metrics.OutcomeCancelled
				return false
			}
			if ev.IsTerminal() {
				if ev.Type == chat.EventDone {
					outcome = metrics.OutcomeDone
				} else {
					outcome = metrics.OutcomeError
					span.SetStatus(codes.Error, ev.ErrorText())
				}
				return false
			}
		}
		return true
	}

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && !deliver(decoder.Feed(buf[:n])) {
			return
		}
		if readErr == nil {
			continue
		}

		if errors.Is(readErr, io.EOF) {
			if deliver(decoder.Flush()) {
				logger.Debug("stream ended without a terminal event")
			}
			return
		}

		fail(readErr, readErr.Error())
		return
	}
}

// StreamErrorMessage renders a request failure the way it is reported to
// the stream consumer.
func StreamErrorMessage(err error) string {
	var unauthorized *domain.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return "Authentication required"
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("API error: %d", apiErr.Status)
	}

	if err != nil {
		return err.Error()
	}
	return "Unknown error"
}
