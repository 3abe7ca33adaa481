// Package store provides transcript persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/open-dialogue/internal/domain"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// TranscriptStore is an append-only log of conversation messages.
type TranscriptStore interface {
	// CreateConversation allocates a new conversation with a unique ID.
	CreateConversation(ctx context.Context) (domain.ConversationSummary, error)

	// Append stores one message and returns the store-assigned timestamp.
	// Timestamps are strictly increasing within a conversation.
	Append(ctx context.Context, conversationID, author, text string) (time.Time, error)

	// LoadFull returns every message of a conversation in order.
	LoadFull(ctx context.Context, conversationID string) ([]domain.StoredMessage, error)

	// LoadSince returns messages created strictly after the given time.
	LoadSince(ctx context.Context, conversationID string, after time.Time) ([]domain.StoredMessage, error)

	// Delete removes a conversation and all of its messages.
	Delete(ctx context.Context, conversationID string) error

	// Exists reports whether a conversation is present.
	Exists(ctx context.Context, conversationID string) (bool, error)

	// ListRecent returns conversations, newest first.
	ListRecent(ctx context.Context, limit int) ([]domain.ConversationSummary, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
