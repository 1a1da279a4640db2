package providers

import (
	"context"

	"github.com/haasonsaas/chatrelay/internal/agent"
)

// deliver hands one chunk to the consumer unless the request context ends
// first. A false return means the consumer abandoned the stream; the
// producer must stop instead of blocking on a channel nobody reads.
func deliver(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
