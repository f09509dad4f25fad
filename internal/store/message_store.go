package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

const messageColumns = `
	id, conversation_id, thread_id_hint, internal_date, labels,
	is_from_me, locally_sent, locally_modified, is_newsletter,
	sender_email, sender_name, subject, snippet, body_ref`

// messageRow is the scan target for the messages table.
type messageRow struct {
	ID              string    `db:"id"`
	ConversationID  string    `db:"conversation_id"`
	ThreadIDHint    string    `db:"thread_id_hint"`
	InternalDate    time.Time `db:"internal_date"`
	Labels          string    `db:"labels"`
	IsFromMe        bool      `db:"is_from_me"`
	LocallySent     bool      `db:"locally_sent"`
	LocallyModified bool      `db:"locally_modified"`
	IsNewsletter    bool      `db:"is_newsletter"`
	SenderEmail     string    `db:"sender_email"`
	SenderName      string    `db:"sender_name"`
	Subject         string    `db:"subject"`
	Snippet         string    `db:"snippet"`
	BodyRef         string    `db:"body_ref"`
}

func (r messageRow) toModel() (model.Message, error) {
	m := model.Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		ThreadIDHint:    r.ThreadIDHint,
		InternalDate:    r.InternalDate,
		IsFromMe:        r.IsFromMe,
		LocallySent:     r.LocallySent,
		LocallyModified: r.LocallyModified,
		IsNewsletter:    r.IsNewsletter,
		SenderEmail:     r.SenderEmail,
		SenderName:      r.SenderName,
		Subject:         r.Subject,
		Snippet:         r.Snippet,
		BodyRef:         r.BodyRef,
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &m.Labels); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling labels for message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func marshalLabels(labels []string) (string, error) {
	sorted := slices.Clone(nonNil(labels))
	slices.Sort(sorted)
	b, err := json.Marshal(slices.Compact(sorted))
	if err != nil {
		return "", fmt.Errorf("marshaling labels: %w", err)
	}
	return string(b), nil
}

// MessageByID retrieves a single message.
func (t *Tx) MessageByID(id string) (*model.Message, error) {
	var row messageRow
	err := t.tx.GetContext(t.ctx, &row,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "message", id)
	}
	m, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessagesForConversation returns a conversation's messages, oldest first.
func (t *Tx) MessagesForConversation(conversationID string) ([]model.Message, error) {
	var rows []messageRow
	err := t.tx.SelectContext(t.ctx, &rows,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY internal_date, id",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for conversation %s: %w", conversationID, err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MessageIDsForConversation returns the ids of a conversation's messages.
func (t *Tx) MessageIDsForConversation(conversationID string) ([]string, error) {
	var ids []string
	err := t.tx.SelectContext(t.ctx, &ids,
		"SELECT id FROM messages WHERE conversation_id = ? ORDER BY internal_date, id",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying message ids for conversation %s: %w", conversationID, err)
	}
	return ids, nil
}

// MessageIDs returns the ids of every cached message.
func (t *Tx) MessageIDs() ([]string, error) {
	var ids []string
	if err := t.tx.SelectContext(t.ctx, &ids, "SELECT id FROM messages ORDER BY id"); err != nil {
		return nil, fmt.Errorf("querying message ids: %w", err)
	}
	return ids, nil
}

// CountMessages returns the number of messages owned by a conversation.
func (t *Tx) CountMessages(conversationID string) (int, error) {
	var n int
	err := t.tx.GetContext(t.ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, fmt.Errorf("counting messages for conversation %s: %w", conversationID, err)
	}
	return n, nil
}

// CountAllMessages returns the total number of cached messages.
func (t *Tx) CountAllMessages() (int, error) {
	var n int
	if err := t.tx.GetContext(t.ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// InsertMessages inserts a batch of messages, skipping any whose id already
// exists. It returns the number of rows actually inserted.
func (t *Tx) InsertMessages(msgs []model.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	stmt, err := t.tx.PreparexContext(t.ctx, `
		INSERT OR IGNORE INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, m := range msgs {
		labels, err := marshalLabels(m.Labels)
		if err != nil {
			return inserted, err
		}
		result, err := stmt.ExecContext(t.ctx,
			m.ID, m.ConversationID, m.ThreadIDHint, m.InternalDate.UTC(), labels,
			boolToInt(m.IsFromMe), boolToInt(m.LocallySent), boolToInt(m.LocallyModified), boolToInt(m.IsNewsletter),
			m.SenderEmail, m.SenderName, m.Subject, m.Snippet, m.BodyRef,
		)
		if err != nil {
			return inserted, fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
			t.touch(m.ConversationID)
		}
	}
	return inserted, nil
}

// UpdateMessage writes every mutable field of m, including ownership.
func (t *Tx) UpdateMessage(m model.Message) error {
	labels, err := marshalLabels(m.Labels)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET
			conversation_id = ?, thread_id_hint = ?, internal_date = ?, labels = ?,
			is_from_me = ?, locally_sent = ?, locally_modified = ?, is_newsletter = ?,
			sender_email = ?, sender_name = ?, subject = ?, snippet = ?, body_ref = ?
		WHERE id = ?`,
		m.ConversationID, m.ThreadIDHint, m.InternalDate.UTC(), labels,
		boolToInt(m.IsFromMe), boolToInt(m.LocallySent), boolToInt(m.LocallyModified), boolToInt(m.IsNewsletter),
		m.SenderEmail, m.SenderName, m.Subject, m.Snippet, m.BodyRef,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", m.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}
	t.touch(m.ConversationID)
	return nil
}

// SetMessageLabels replaces a message's labels and its locally modified flag.
func (t *Tx) SetMessageLabels(id string, labels []string, locallyModified bool) error {
	encoded, err := marshalLabels(labels)
	if err != nil {
		return err
	}
	var conversationID string
	err = t.tx.GetContext(t.ctx, &conversationID, `
		UPDATE messages SET labels = ?, locally_modified = ?
		WHERE id = ? RETURNING conversation_id`,
		encoded, boolToInt(locallyModified), id)
	if err != nil {
		return notFound(err, "message", id)
	}
	t.touch(conversationID)
	return nil
}

// ReleaseLocallyModified clears the locally modified flag on the given
// messages so that later remote syncs may update them again. A message
// stays protected while any unfinished action still covers it, whether that
// action targets the message itself or its whole conversation.
func (t *Tx) ReleaseLocallyModified(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+3)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args,
		string(model.ActionPending), string(model.ActionProcessing), string(model.ActionFailed))
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET locally_modified = 0
		WHERE id IN (`+placeholders+`)
		AND NOT EXISTS (
			SELECT 1 FROM pending_actions a
			WHERE a.status IN (?, ?, ?)
			AND (a.message_id = messages.id
				OR (a.message_id = '' AND a.conversation_id = messages.conversation_id))
		)`, args...)
	if err != nil {
		return fmt.Errorf("clearing locally modified flags: %w", err)
	}
	return nil
}

// ReassignMessages moves every message owned by from to to and returns the
// number of messages moved.
func (t *Tx) ReassignMessages(from, to string) (int, error) {
	result, err := t.tx.ExecContext(t.ctx,
		"UPDATE messages SET conversation_id = ? WHERE conversation_id = ?", to, from)
	if err != nil {
		return 0, fmt.Errorf("reassigning messages from %s to %s: %w", from, to, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.touch(from, to)
	}
	return int(n), nil
}

// DeleteMessage removes a message and returns its former conversation id.
func (t *Tx) DeleteMessage(id string) (string, error) {
	var conversationID string
	err := t.tx.GetContext(t.ctx, &conversationID,
		"DELETE FROM messages WHERE id = ? RETURNING conversation_id", id)
	if err != nil {
		return "", notFound(err, "message", id)
	}
	t.touch(conversationID)
	return conversationID, nil
}
