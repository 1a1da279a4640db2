// Package sessions holds per-conversation transcripts keyed by an opaque
// session key. The store is injected into the gateway and orchestrator and
// owns its own synchronization; callers never touch shared maps directly.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/chatrelay/pkg/models"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Store provides transcript persistence and the sanctioned edit operations.
type Store interface {
	// GetOrCreate resolves a session by key, creating it lazily on first
	// reference.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// Get resolves a session by id.
	Get(ctx context.Context, id string) (*models.Session, error)

	// History returns the full transcript in order.
	History(ctx context.Context, id string) ([]models.Turn, error)

	// Append adds one turn to the end of the transcript.
	Append(ctx context.Context, id string, turn models.Turn) error

	// Reset clears the transcript to empty without deleting the session.
	Reset(ctx context.Context, id string) error

	// TruncateToUserCount keeps the prefix ending at the n-th user turn and
	// drops everything after it. Truncation cuts only at a user-turn
	// boundary, never mid tool-loop.
	TruncateToUserCount(ctx context.Context, id string, n int) error

	// ReplaceOrAppendLastAssistant overwrites the trailing assistant turn's
	// content if the transcript ends with one, else appends a new assistant
	// turn.
	ReplaceOrAppendLastAssistant(ctx context.Context, id string, text string) error

	// DropLastAssistant removes the trailing assistant turn if present.
	// Used for post-cancellation cleanup when nothing was delivered.
	DropLastAssistant(ctx context.Context, id string) error
}

// Locker serializes whole-request critical sections per session key so that
// concurrent requests against the same session do not interleave their
// transcript edits.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}
