package devserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"parlor/internal/domain/models/chat"
)

// frameWriter serializes stream frames and keep-alive comments onto one
// response
type frameWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newFrameWriter(w http.ResponseWriter, flusher http.Flusher) *frameWriter {
	return &frameWriter{w: w, flusher: flusher}
}

// WriteFrame writes one formatted `data:` frame and flushes
func (f *frameWriter) WriteFrame(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprint(f.w, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	f.flusher.Flush()
	return nil
}

// WriteEvent formats and writes a stream event
func (f *frameWriter) WriteEvent(event interface{}) error {
	frame, err := chat.FormatSSE(event)
	if err != nil {
		return err
	}
	return f.WriteFrame(frame)
}

// WriteKeepAlive writes an SSE comment (: keepalive) and flushes.
// Clients ignore comment lines.
func (f *frameWriter) WriteKeepAlive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprint(f.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	f.flusher.Flush()
	return nil
}

// keepAlive sends keep-alive comments at a fixed interval until stopped or
// a write fails
type keepAlive struct {
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

func newKeepAlive(interval time.Duration) *keepAlive {
	return &keepAlive{
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins sending pings. The returned channel closes when pinging ends.
// A zero interval disables pinging.
func (k *keepAlive) Start(writer *frameWriter, logger *slog.Logger) <-chan struct{} {
	stopped := make(chan struct{})
	if k.interval <= 0 {
		close(stopped)
		return stopped
	}

	ticker := time.NewTicker(k.interval)
	go func() {
		defer close(stopped)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					// Connection dropped
					logger.Warn("keep-alive write failed, stopping", "error", err)
					return
				}
			case <-k.done:
				return
			}
		}
	}()
	return stopped
}

// Stop terminates pinging. Safe to call multiple times.
func (k *keepAlive) Stop() {
	k.once.Do(func() { close(k.done) })
}
