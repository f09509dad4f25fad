package model

import (
	"encoding/json"
	"time"
)

// ActionType identifies a user mutation propagated to the remote store.
type ActionType string

const (
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkUnread  ActionType = "mark_unread"
	ActionStar        ActionType = "star"
	ActionUnstar      ActionType = "unstar"
	ActionArchive     ActionType = "archive"
	ActionMoveToInbox ActionType = "move_to_inbox"
	ActionTrash       ActionType = "trash"
)

// LabelDelta returns the labels an action adds and removes.
// ok is false for unknown action types.
func (t ActionType) LabelDelta() (add, remove []string, ok bool) {
	switch t {
	case ActionMarkRead:
		return nil, []string{LabelUnread}, true
	case ActionMarkUnread:
		return []string{LabelUnread}, nil, true
	case ActionStar:
		return []string{LabelStarred}, nil, true
	case ActionUnstar:
		return nil, []string{LabelStarred}, true
	case ActionArchive:
		return nil, []string{LabelInbox}, true
	case ActionMoveToInbox:
		return []string{LabelInbox}, nil, true
	case ActionTrash:
		return []string{LabelTrash}, []string{LabelInbox}, true
	}
	return nil, nil, false
}

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
	ActionCompleted  ActionStatus = "completed"
	ActionAbandoned  ActionStatus = "abandoned"
)

// ActionTarget names the message or conversation an action applies to.
// Exactly one field is expected to be set.
type ActionTarget struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IsZero reports whether neither target field is set.
func (t ActionTarget) IsZero() bool {
	return t.MessageID == "" && t.ConversationID == ""
}

// PendingAction is a durable, queued user mutation.
type PendingAction struct {
	ID         string          `json:"id"`
	ActionType ActionType      `json:"action_type"`
	Target     ActionTarget    `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     ActionStatus    `json:"status"`
	RetryCount int             `json:"retry_count"`

	// LastError holds the most recent executor failure, for display.
	LastError string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}
