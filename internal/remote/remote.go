// Package remote defines the contract of the hosted mailbox the cache
// synchronizes with, and the failures its implementations report.
package remote

import (
	"context"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

// Message is a remote message with the metadata the cache consumes.
type Message struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Labels       []string
	Headers      []model.MessageHeader
	Snippet      string
}

// MessagePage is one page of message ids from a full listing.
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// HistoryChanges summarizes mailbox changes since a history id.
type HistoryChanges struct {
	// Changed holds ids of messages added or relabeled.
	Changed []string

	// Deleted holds ids of messages removed from the mailbox.
	Deleted []string

	// HistoryID is the newest history id covered by the changes.
	HistoryID string
}

// LabelModifier applies label deltas to remote messages.
type LabelModifier interface {
	// ModifyLabels adds and removes labels on a single message.
	ModifyLabels(ctx context.Context, id string, add, remove []string) error

	// BatchModifyLabels applies the same delta to many messages at once.
	BatchModifyLabels(ctx context.Context, ids []string, add, remove []string) error
}

// Client is the full remote mailbox surface. Every method may fail with
// an *Error describing the failure kind.
type Client interface {
	LabelModifier

	// ListMessages returns a page of message ids, newest first.
	ListMessages(ctx context.Context, pageToken string, pageSize int) (*MessagePage, error)

	// GetMessage fetches a single message's metadata and headers.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListHistory returns changes since sinceID. An expired sinceID fails
	// with KindNotFound; callers fall back to a full listing.
	ListHistory(ctx context.Context, sinceID string) (*HistoryChanges, error)

	// CurrentHistoryID returns the mailbox's newest history id.
	CurrentHistoryID(ctx context.Context) (string, error)

	// ListAliases returns the addresses the account may send as.
	ListAliases(ctx context.Context) ([]string, error)
}
