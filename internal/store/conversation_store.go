package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailcache/internal/model"
)

const conversationColumns = `
	id, key_hash, conv_key, participant_hash, participants, type,
	display_name, snippet, last_message_date, latest_inbox_date, archived_at,
	hidden, pinned, muted, has_inbox, inbox_unread_count,
	created_at, updated_at`

// conversationRow is the scan target for the conversations table.
type conversationRow struct {
	ID               string     `db:"id"`
	KeyHash          string     `db:"key_hash"`
	ConvKey          string     `db:"conv_key"`
	ParticipantHash  string     `db:"participant_hash"`
	Participants     string     `db:"participants"`
	Type             string     `db:"type"`
	DisplayName      string     `db:"display_name"`
	Snippet          string     `db:"snippet"`
	LastMessageDate  *time.Time `db:"last_message_date"`
	LatestInboxDate  *time.Time `db:"latest_inbox_date"`
	ArchivedAt       *time.Time `db:"archived_at"`
	Hidden           bool       `db:"hidden"`
	Pinned           bool       `db:"pinned"`
	Muted            bool       `db:"muted"`
	HasInbox         bool       `db:"has_inbox"`
	InboxUnreadCount int        `db:"inbox_unread_count"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r conversationRow) toModel() (model.Conversation, error) {
	c := model.Conversation{
		ID:               r.ID,
		KeyHash:          r.KeyHash,
		Key:              r.ConvKey,
		ParticipantHash:  r.ParticipantHash,
		Type:             model.ConversationType(r.Type),
		DisplayName:      r.DisplayName,
		Snippet:          r.Snippet,
		LastMessageDate:  r.LastMessageDate,
		LatestInboxDate:  r.LatestInboxDate,
		ArchivedAt:       r.ArchivedAt,
		Hidden:           r.Hidden,
		Pinned:           r.Pinned,
		Muted:            r.Muted,
		HasInbox:         r.HasInbox,
		InboxUnreadCount: r.InboxUnreadCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.Participants != "" {
		if err := json.Unmarshal([]byte(r.Participants), &c.Participants); err != nil {
			return model.Conversation{}, fmt.Errorf("unmarshaling participants for %s: %w", r.ID, err)
		}
	}
	return c, nil
}

func (t *Tx) selectConversations(query string, args ...interface{}) ([]model.Conversation, error) {
	var rows []conversationRow
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	out := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ConversationByID retrieves a single conversation.
func (t *Tx) ConversationByID(id string) (*model.Conversation, error) {
	var row conversationRow
	err := t.tx.GetContext(t.ctx, &row,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationsByKeyHash returns every conversation sharing keyHash,
// oldest first. More than one result means a duplicate awaiting merge.
func (t *Tx) ConversationsByKeyHash(keyHash string) ([]model.Conversation, error) {
	return t.selectConversations(
		"SELECT "+conversationColumns+" FROM conversations WHERE key_hash = ? ORDER BY created_at, id",
		keyHash)
}

// ConversationsByParticipantHash returns conversations sharing the legacy
// participant hash. With activeOnly, archived conversations are excluded.
func (t *Tx) ConversationsByParticipantHash(hash string, activeOnly bool) ([]model.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE participant_hash = ?"
	if activeOnly {
		query += " AND archived_at IS NULL"
	}
	return t.selectConversations(query+" ORDER BY created_at, id", hash)
}

// DuplicateKeyHashes returns every key hash owned by more than one
// conversation.
func (t *Tx) DuplicateKeyHashes() ([]string, error) {
	var hashes []string
	err := t.tx.SelectContext(t.ctx, &hashes, `
		SELECT key_hash FROM conversations
		GROUP BY key_hash HAVING COUNT(*) > 1
		ORDER BY key_hash`)
	if err != nil {
		return nil, fmt.Errorf("querying duplicate key hashes: %w", err)
	}
	return hashes, nil
}

// DuplicateActiveParticipantHashes returns participant hashes shared by more
// than one non-archived conversation.
func (t *Tx) DuplicateActiveParticipantHashes() ([]string, error) {
	var hashes []string
	err := t.tx.SelectContext(t.ctx, &hashes, `
		SELECT participant_hash FROM conversations
		WHERE archived_at IS NULL AND participant_hash != ''
		GROUP BY participant_hash HAVING COUNT(*) > 1
		ORDER BY participant_hash`)
	if err != nil {
		return nil, fmt.Errorf("querying duplicate participant hashes: %w", err)
	}
	return hashes, nil
}

// ListConversations returns conversations sorted pinned first, then by
// last message date descending.
func (t *Tx) ListConversations(filter ConversationFilter) ([]model.Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations"
	var conditions []string
	if !filter.IncludeHidden {
		conditions = append(conditions, "hidden = 0")
	}
	if filter.InboxOnly {
		conditions = append(conditions, "has_inbox = 1")
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY pinned DESC, last_message_date IS NULL, last_message_date DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	return t.selectConversations(query)
}

// InsertConversation inserts c, generating an ID if empty, and sets its
// timestamps.
func (t *Tx) InsertConversation(c *model.Conversation) error {
	if c.KeyHash == "" {
		return fmt.Errorf("conversation key hash must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	participants, err := json.Marshal(nonNil(c.Participants))
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO conversations (
			id, key_hash, conv_key, participant_hash, participants, type,
			display_name, snippet, last_message_date, latest_inbox_date, archived_at,
			hidden, pinned, muted, has_inbox, inbox_unread_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.KeyHash, c.Key, c.ParticipantHash, string(participants), string(c.Type),
		c.DisplayName, c.Snippet, utcPtr(c.LastMessageDate), utcPtr(c.LatestInboxDate), utcPtr(c.ArchivedAt),
		boolToInt(c.Hidden), boolToInt(c.Pinned), boolToInt(c.Muted), boolToInt(c.HasInbox), c.InboxUnreadCount,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	t.touch(c.ID)
	return nil
}

// UpdateConversation writes every mutable field of c.
func (t *Tx) UpdateConversation(c *model.Conversation) error {
	c.UpdatedAt = time.Now().UTC()

	participants, err := json.Marshal(nonNil(c.Participants))
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE conversations SET
			key_hash = ?, conv_key = ?, participant_hash = ?, participants = ?, type = ?,
			display_name = ?, snippet = ?,
			last_message_date = ?, latest_inbox_date = ?, archived_at = ?,
			hidden = ?, pinned = ?, muted = ?, has_inbox = ?, inbox_unread_count = ?,
			updated_at = ?
		WHERE id = ?`,
		c.KeyHash, c.Key, c.ParticipantHash, string(participants), string(c.Type),
		c.DisplayName, c.Snippet,
		utcPtr(c.LastMessageDate), utcPtr(c.LatestInboxDate), utcPtr(c.ArchivedAt),
		boolToInt(c.Hidden), boolToInt(c.Pinned), boolToInt(c.Muted), boolToInt(c.HasInbox), c.InboxUnreadCount,
		c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", c.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrNotFound)
	}
	t.touch(c.ID)
	return nil
}

// DeleteConversation removes a conversation. It fails while the
// conversation still owns messages.
func (t *Tx) DeleteConversation(id string) error {
	result, err := t.tx.ExecContext(t.ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	t.touch(id)
	return nil
}

// CountConversations returns the total number of conversations.
func (t *Tx) CountConversations() (int, error) {
	var n int
	if err := t.tx.GetContext(t.ctx, &n, "SELECT COUNT(*) FROM conversations"); err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}

// utcPtr normalizes an optional time to UTC for storage.
func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	u := ts.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
