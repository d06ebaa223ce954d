// Package memory provides long-lived storage for facts the assistant
// should carry across runs: user preferences, decisions, entities. The
// agent loop recalls relevant entries before a run and files new ones
// after, via hooks; the memory tools expose the same backend to the
// model directly.
package memory

import (
	"context"
	"time"
)

// Category classifies an entry.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
	CategoryDecision   Category = "decision"
	CategoryEntity     Category = "entity"
	CategoryOther      Category = "other"
)

// Entry is one stored memory.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend stores and recalls entries. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Store persists an entry. A missing ID is assigned; a missing
	// category defaults to CategoryOther.
	Store(ctx context.Context, e Entry) error

	// Recall returns up to limit entries relevant to query, newest
	// first. An empty query returns the newest entries unfiltered.
	Recall(ctx context.Context, query string, limit int) ([]Entry, error)

	// Close releases resources.
	Close() error
}
