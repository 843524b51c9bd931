// Package persistence defines the storage contract both backends
// satisfy: sessions, interaction logs, and capture artifacts.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/b0cal/miel/internal/model"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("persistence: not found")

// ErrReadFailed wraps an underlying read error on artifact retrieval.
var ErrReadFailed = errors.New("persistence: read failed")

// Store is the persistence contract. Both internal/persistence/sql and
// internal/persistence/fsstore implement it; the Session Manager and the
// dashboard's read API depend only on this interface.
type Store interface {
	// SaveSession upserts a session by id. Durable on return.
	SaveSession(ctx context.Context, s *model.Session) error

	// GetSessions returns sessions matching filter, in no particular order.
	GetSessions(ctx context.Context, filter model.SessionFilter) ([]model.Session, error)

	// SaveInteraction appends bytes to the session's interaction log.
	// Chunks preserve insertion order.
	SaveInteraction(ctx context.Context, id uuid.UUID, data []byte) error

	// GetSessionData returns the concatenation of all interaction chunks
	// for id, in insertion order.
	GetSessionData(ctx context.Context, id uuid.UUID) ([]byte, error)

	// CleanupOldSessions deletes every session (and its dependents,
	// cascading) whose COALESCE(end_time, start_time) < cutoff. Returns
	// the count removed.
	CleanupOldSessions(ctx context.Context, cutoff time.Time) (int, error)

	// SaveCaptureArtifacts upserts artifacts by session id.
	SaveCaptureArtifacts(ctx context.Context, a *model.CaptureArtifacts) error

	// GetCaptureArtifacts retrieves artifacts for id, or ErrNotFound.
	GetCaptureArtifacts(ctx context.Context, id uuid.UUID) (*model.CaptureArtifacts, error)

	// Close releases backend resources (database handle, open files).
	Close() error
}
