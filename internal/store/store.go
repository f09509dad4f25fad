package store

import (
	"context"
	"errors"

	"github.com/nhle/mailcache/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Sync state keys.
const (
	SyncStateHistoryID = "history_id"
)

// ConversationFilter controls filtering and pagination for conversation
// list queries. Results are always sorted pinned first, then by
// last message date descending.
type ConversationFilter struct {
	IncludeHidden bool
	InboxOnly     bool
	Limit         int
	Offset        int
}

// ChangeEvent is published after a transaction commits.
type ChangeEvent struct {
	// Conversations lists the ids of conversations written or deleted.
	Conversations []string

	// Actions is set when the pending action queue changed.
	Actions bool
}

// Transactor runs read-modify-write sequences as one atomic unit.
type Transactor interface {
	// Update runs fn in a write transaction and commits if fn returns nil.
	Update(ctx context.Context, fn func(*Tx) error) error

	// View runs fn in a transaction that is always rolled back.
	View(ctx context.Context, fn func(*Tx) error) error
}

// Store is the full persistence surface used by the composition root and
// the presentation layer.
type Store interface {
	Transactor

	ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	PendingActionCount(ctx context.Context) (int, error)
	AbandonedActions(ctx context.Context) ([]model.PendingAction, error)

	UnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error

	Subscribe(buffer int) (<-chan ChangeEvent, func())
	Close() error
}
