package model

import "time"

// ConversationType classifies how a conversation's identity was derived.
type ConversationType string

const (
	ConversationOneToOne ConversationType = "one_to_one"
	ConversationGroup    ConversationType = "group"
	ConversationList     ConversationType = "list"
)

// MessageHeader is a single raw header as delivered by the remote store.
// Multiple headers may share a name.
type MessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ConversationIdentity is the content-addressed identity of a conversation.
type ConversationIdentity struct {
	// Key is the human-inspectable identity string, prefixed "p|" or "list|".
	Key string `json:"key"`

	// KeyHash is the hex SHA-256 of Key.
	KeyHash string `json:"key_hash"`

	Type ConversationType `json:"type"`

	// Participants is sorted ascending and contains normalized addresses.
	Participants []string `json:"participants"`
}

// Conversation is a locally cached group of messages sharing an identity.
type Conversation struct {
	// ID is the internal unique identifier for this conversation.
	ID string `json:"id"`

	// KeyHash is the storage-level identity of the conversation.
	KeyHash string `json:"key_hash"`

	// Key is the unhashed identity string, kept for inspection.
	Key string `json:"key"`

	// ParticipantHash is the legacy secondary key, derived from the
	// participant set alone. Empty for list conversations.
	ParticipantHash string `json:"participant_hash"`

	// Participants holds the normalized non-self participant addresses.
	Participants []string `json:"participants"`

	Type ConversationType `json:"type"`

	// DisplayName is derived by the rollup and is never empty.
	DisplayName string `json:"display_name"`

	Snippet string `json:"snippet"`

	// LastMessageDate is the newest non-draft message date.
	LastMessageDate *time.Time `json:"last_message_date,omitempty"`

	// LatestInboxDate is the newest date among inbox-labeled messages.
	LatestInboxDate *time.Time `json:"latest_inbox_date,omitempty"`

	// ArchivedAt is set while the conversation is out of the inbox.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	Hidden           bool `json:"hidden"`
	Pinned           bool `json:"pinned"`
	Muted            bool `json:"muted"`
	HasInbox         bool `json:"has_inbox"`
	InboxUnreadCount int  `json:"inbox_unread_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsArchived reports whether the conversation is out of the inbox.
func (c Conversation) IsArchived() bool {
	return c.ArchivedAt != nil
}
