package gateway

import (
	"context"
	"strings"
	"sync"
)

// ActiveStream tracks one in-flight chat stream: the cancel func for its
// orchestration context, the text actually delivered to the client, and a
// once-guarded finalizer so commit-on-cancel and commit-on-finish cannot
// both run.
type ActiveStream struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	delivered strings.Builder
	toolTurns bool

	finalize sync.Once
}

// NewActiveStream wraps a cancel func.
func NewActiveStream(cancel context.CancelFunc) *ActiveStream {
	return &ActiveStream{cancel: cancel}
}

// AppendDelivered records text after it reached the client. Only appended
// text is ever persisted, so a cancelled stream commits exactly what the
// user saw.
func (s *ActiveStream) AppendDelivered(text string) {
	s.mu.Lock()
	s.delivered.WriteString(text)
	s.mu.Unlock()
}

// Delivered returns the text delivered so far.
func (s *ActiveStream) Delivered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered.String()
}

// MarkToolTurns records that intermediate tool turns were persisted, which
// forces a final assistant commit even when no text was delivered.
func (s *ActiveStream) MarkToolTurns() {
	s.mu.Lock()
	s.toolTurns = true
	s.mu.Unlock()
}

// HasToolTurns reports whether tool turns were persisted.
func (s *ActiveStream) HasToolTurns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolTurns
}

// Stop cancels the orchestration context. Safe to call repeatedly.
func (s *ActiveStream) Stop() {
	s.cancel()
}

// Finalize runs fn exactly once across all paths that can end the stream.
func (s *ActiveStream) Finalize(fn func()) {
	s.finalize.Do(fn)
}

// StreamRegistry indexes live streams by session and client stream ID so an
// out-of-band stop request can find and cancel them.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*ActiveStream
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*ActiveStream)}
}

// StreamKey builds the registry key for a session and client stream ID.
func StreamKey(sessionID, clientStreamID string) string {
	return sessionID + "/" + clientStreamID
}

// Register indexes a stream. A second stream under the same key replaces the
// first in the index; the first keeps running but can no longer be stopped
// out of band.
func (r *StreamRegistry) Register(key string, stream *ActiveStream) {
	r.mu.Lock()
	r.streams[key] = stream
	r.mu.Unlock()
	activeStreamsGauge.Inc()
}

// Lookup returns the stream registered under key.
func (r *StreamRegistry) Lookup(key string) (*ActiveStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	return s, ok
}

// Unregister removes a stream from the index.
func (r *StreamRegistry) Unregister(key string) {
	r.mu.Lock()
	_, ok := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()
	if ok {
		activeStreamsGauge.Dec()
	}
}

// Stop cancels the stream registered under key. Unknown keys are a no-op, so
// a stop that races stream completion stays harmless.
func (r *StreamRegistry) Stop(key string) bool {
	r.mu.Lock()
	s, ok := r.streams[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	streamStopsTotal.Inc()
	return true
}
