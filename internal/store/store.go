// ABOUTME: Store interface and data types for booking-bridge persistence
// ABOUTME: Maps chat-platform threads to assistant sessions, one session per thread

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// Frontend names used to namespace external thread ids
const (
	FrontendSlack  = "slack"
	FrontendMatrix = "matrix"
)

// Thread links a chat-platform thread to the assistant session that serves it.
// Records are created once and never updated.
type Thread struct {
	ID         string
	Frontend   string // "slack", "matrix"
	ExternalID string // platform thread id (Slack thread_ts, Matrix thread root)
	SessionID  string // remote assistant session id
	CreatedAt  time.Time
}

// Store defines the interface for thread persistence
type Store interface {
	// CreateThread stores a new thread record.
	// Returns ErrDuplicateThread if (Frontend, ExternalID) is already mapped.
	CreateThread(ctx context.Context, thread *Thread) error

	// GetThread looks up the record for a platform thread.
	// Returns ErrNotFound if the thread has never been seen.
	GetThread(ctx context.Context, frontend, externalID string) (*Thread, error)

	// ListThreads returns the most recently created threads, newest first.
	ListThreads(ctx context.Context, limit int) ([]*Thread, error)

	// CountThreads returns the number of mapped threads.
	CountThreads(ctx context.Context) (int, error)

	Close() error
}
