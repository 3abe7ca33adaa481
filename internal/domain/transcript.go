package domain

import "time"

// Entry is one attributed message in a conversation transcript.
// CreatedAt is assigned by the transcript store, never by the caller.
type Entry struct {
	Speaker   Identity  `json:"speaker"`
	Label     string    `json:"label"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// Unsynced marks an entry the store failed to persist.
	Unsynced bool `json:"unsynced,omitempty"`
}

// StoredMessage is a transcript row as the store returns it.
type StoredMessage struct {
	Author    string
	Text      string
	CreatedAt time.Time
}

// ConversationSummary is a row of the recent-conversations list.
type ConversationSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
