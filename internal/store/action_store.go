package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailcache/internal/model"
)

const actionColumns = `
	id, action_type, message_id, conversation_id, payload,
	status, retry_count, last_error, created_at, last_attempt`

// actionRow is the scan target for the pending_actions table.
type actionRow struct {
	ID             string         `db:"id"`
	ActionType     string         `db:"action_type"`
	MessageID      string         `db:"message_id"`
	ConversationID string         `db:"conversation_id"`
	Payload        sql.NullString `db:"payload"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	LastError      string         `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	LastAttempt    *time.Time     `db:"last_attempt"`
}

func (r actionRow) toModel() model.PendingAction {
	a := model.PendingAction{
		ID:         r.ID,
		ActionType: model.ActionType(r.ActionType),
		Target: model.ActionTarget{
			MessageID:      r.MessageID,
			ConversationID: r.ConversationID,
		},
		Status:      model.ActionStatus(r.Status),
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		LastAttempt: r.LastAttempt,
	}
	if r.Payload.Valid {
		a.Payload = []byte(r.Payload.String)
	}
	return a
}

func (t *Tx) selectActions(query string, args ...interface{}) ([]model.PendingAction, error) {
	var rows []actionRow
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}
	out := make([]model.PendingAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// InsertAction persists a new pending action. It does not deduplicate;
// callers check HasPendingAction first.
func (t *Tx) InsertAction(a *model.PendingAction) error {
	if a.Target.IsZero() {
		return fmt.Errorf("pending action %s has no target", a.ActionType)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.ActionPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var payload interface{}
	if len(a.Payload) > 0 {
		payload = string(a.Payload)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO pending_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.ActionType), a.Target.MessageID, a.Target.ConversationID, payload,
		string(a.Status), a.RetryCount, a.LastError, a.CreatedAt.UTC(), utcPtr(a.LastAttempt),
	)
	if err != nil {
		return fmt.Errorf("creating pending action: %w", err)
	}
	t.actionsChanged = true
	return nil
}

// ActionByID retrieves a single pending action.
func (t *Tx) ActionByID(id string) (*model.PendingAction, error) {
	var row actionRow
	err := t.tx.GetContext(t.ctx, &row,
		"SELECT "+actionColumns+" FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "pending action", id)
	}
	a := row.toModel()
	return &a, nil
}

// NextEligibleAction returns the oldest action that is pending, or failed
// with fewer than maxRetries attempts. It returns ErrNotFound when the
// queue is drained.
func (t *Tx) NextEligibleAction(maxRetries int) (*model.PendingAction, error) {
	var row actionRow
	err := t.tx.GetContext(t.ctx, &row, `
		SELECT `+actionColumns+` FROM pending_actions
		WHERE status = ? OR (status = ? AND retry_count < ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`,
		string(model.ActionPending), string(model.ActionFailed), maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching next pending action: %w", err)
	}
	a := row.toModel()
	return &a, nil
}

// UpdateAction writes the status, retry count, last error and last attempt
// of a.
func (t *Tx) UpdateAction(a model.PendingAction) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE pending_actions SET
			status = ?, retry_count = ?, last_error = ?, last_attempt = ?
		WHERE id = ?`,
		string(a.Status), a.RetryCount, a.LastError, utcPtr(a.LastAttempt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating pending action %s: %w", a.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pending action %s: %w", a.ID, ErrNotFound)
	}
	t.actionsChanged = true
	return nil
}

// HasPendingAction reports whether an action of the given type for target
// is queued and not yet finished. Failed entries still awaiting a retry
// count as queued.
func (t *Tx) HasPendingAction(target model.ActionTarget, actionType model.ActionType) (bool, error) {
	var n int
	err := t.tx.GetContext(t.ctx, &n, `
		SELECT COUNT(*) FROM pending_actions
		WHERE message_id = ? AND conversation_id = ? AND action_type = ?
		AND status IN (?, ?, ?)`,
		target.MessageID, target.ConversationID, string(actionType),
		string(model.ActionPending), string(model.ActionProcessing), string(model.ActionFailed),
	)
	if err != nil {
		return false, fmt.Errorf("checking pending actions: %w", err)
	}
	return n > 0, nil
}

// HasActiveActions reports whether any unfinished action of any type still
// targets target.
func (t *Tx) HasActiveActions(target model.ActionTarget) (bool, error) {
	var n int
	err := t.tx.GetContext(t.ctx, &n, `
		SELECT COUNT(*) FROM pending_actions
		WHERE message_id = ? AND conversation_id = ? AND status IN (?, ?, ?)`,
		target.MessageID, target.ConversationID,
		string(model.ActionPending), string(model.ActionProcessing), string(model.ActionFailed),
	)
	if err != nil {
		return false, fmt.Errorf("checking active actions: %w", err)
	}
	return n > 0, nil
}

// RetargetConversationActions points actions aimed at conversation from to
// conversation to. Used when a merge absorbs from.
func (t *Tx) RetargetConversationActions(from, to string) (int, error) {
	result, err := t.tx.ExecContext(t.ctx,
		"UPDATE pending_actions SET conversation_id = ? WHERE conversation_id = ? AND message_id = ''",
		to, from)
	if err != nil {
		return 0, fmt.Errorf("retargeting actions from %s: %w", from, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.actionsChanged = true
	}
	return int(n), nil
}

// CancelPendingActions deletes entries for target and type that are still
// pending. Entries already dispatched are left alone.
func (t *Tx) CancelPendingActions(target model.ActionTarget, actionType model.ActionType) (int, error) {
	result, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM pending_actions
		WHERE message_id = ? AND conversation_id = ? AND action_type = ? AND status = ?`,
		target.MessageID, target.ConversationID, string(actionType), string(model.ActionPending),
	)
	if err != nil {
		return 0, fmt.Errorf("cancelling pending actions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.actionsChanged = true
	}
	return int(n), nil
}

// ActionsByStatus returns all actions in the given status, oldest first.
func (t *Tx) ActionsByStatus(status model.ActionStatus) ([]model.PendingAction, error) {
	return t.selectActions(
		"SELECT "+actionColumns+" FROM pending_actions WHERE status = ? ORDER BY created_at, rowid",
		string(status))
}

// CountActions returns the number of actions in any of the given statuses.
func (t *Tx) CountActions(statuses ...model.ActionStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	var n int
	err := t.tx.GetContext(t.ctx, &n,
		"SELECT COUNT(*) FROM pending_actions WHERE status IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("counting pending actions: %w", err)
	}
	return n, nil
}

// RetryAbandoned resets abandoned actions to pending with a fresh retry
// budget. An empty id resets every abandoned action.
func (t *Tx) RetryAbandoned(id string) (int, error) {
	query := `UPDATE pending_actions SET status = ?, retry_count = 0, last_error = ''
		WHERE status = ?`
	args := []interface{}{string(model.ActionPending), string(model.ActionAbandoned)}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	result, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retrying abandoned actions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.actionsChanged = true
	}
	return int(n), nil
}

// DismissAbandoned deletes abandoned actions. An empty id dismisses all.
func (t *Tx) DismissAbandoned(id string) (int, error) {
	query := "DELETE FROM pending_actions WHERE status = ?"
	args := []interface{}{string(model.ActionAbandoned)}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	result, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("dismissing abandoned actions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.actionsChanged = true
	}
	return int(n), nil
}

// RecoverProcessing returns actions interrupted mid-dispatch to pending.
func (t *Tx) RecoverProcessing() (int, error) {
	result, err := t.tx.ExecContext(t.ctx,
		"UPDATE pending_actions SET status = ? WHERE status = ?",
		string(model.ActionPending), string(model.ActionProcessing))
	if err != nil {
		return 0, fmt.Errorf("recovering processing actions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		t.actionsChanged = true
	}
	return int(n), nil
}

// PurgeCompleted deletes completed actions created before cutoff.
func (t *Tx) PurgeCompleted(cutoff time.Time) (int, error) {
	result, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM pending_actions WHERE status = ? AND created_at < ?",
		string(model.ActionCompleted), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging completed actions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
