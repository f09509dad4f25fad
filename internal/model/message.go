package model

import (
	"slices"
	"time"
)

// Well-known remote label identifiers.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelSent    = "SENT"
	LabelDraft   = "DRAFT"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
)

// Message is a locally cached remote message. It belongs to exactly one
// conversation at a time.
type Message struct {
	// ID is the remote message identifier.
	ID string `json:"id"`

	// ConversationID is the owning conversation; ownership moves on merge.
	ConversationID string `json:"conversation_id"`

	// ThreadIDHint is the server-assigned thread id. It is informational
	// only and never used for grouping.
	ThreadIDHint string `json:"thread_id_hint"`

	InternalDate time.Time `json:"internal_date"`

	// Labels is kept sorted.
	Labels []string `json:"labels"`

	// IsFromMe is set when the sender normalizes into the account aliases.
	IsFromMe bool `json:"is_from_me"`

	// LocallySent marks a message the user sent from this client before the
	// remote store reflected it.
	LocallySent bool `json:"locally_sent"`

	// LocallyModified blocks remote label updates until the pending action
	// that modified the message completes.
	LocallyModified bool `json:"locally_modified"`

	// IsNewsletter marks bulk mail (List-Id or List-Unsubscribe present).
	IsNewsletter bool `json:"is_newsletter"`

	SenderEmail string `json:"sender_email"`
	SenderName  string `json:"sender_name"`
	Subject     string `json:"subject"`
	Snippet     string `json:"snippet"`

	// BodyRef points at the body in an external blob store.
	BodyRef string `json:"body_ref"`
}

// HasLabel reports whether the message carries label.
func (m Message) HasLabel(label string) bool {
	return slices.Contains(m.Labels, label)
}

// IsDraft reports whether the message is an unsent draft.
func (m Message) IsDraft() bool { return m.HasLabel(LabelDraft) }

// IsUnread reports whether the message carries the unread label.
func (m Message) IsUnread() bool { return m.HasLabel(LabelUnread) }

// ApplyLabels returns the sorted label set after adding and removing the
// given labels. Removal wins over addition for the same label.
func ApplyLabels(labels, add, remove []string) []string {
	set := make(map[string]bool, len(labels)+len(add))
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range add {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}
