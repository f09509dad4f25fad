package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailcache/internal/model"
)

// InsertNotification persists a new notification, generating an ID if empty.
func (t *Tx) InsertNotification(n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO notifications (id, action_id, message, read, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.ActionID, n.Message, boolToInt(n.Read), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	t.actionsChanged = true
	return nil
}

// UnreadNotifications returns unread notifications, newest first.
func (t *Tx) UnreadNotifications() ([]model.Notification, error) {
	var notifications []model.Notification
	err := t.tx.SelectContext(t.ctx, &notifications, `
		SELECT id, action_id, message, read, created_at
		FROM notifications
		WHERE read = 0
		ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying unread notifications: %w", err)
	}
	return notifications, nil
}

// MarkNotificationRead marks a single notification as read.
func (t *Tx) MarkNotificationRead(id string) error {
	result, err := t.tx.ExecContext(t.ctx, "UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking notification %s read: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// SyncState returns the stored value for key, or "" if unset.
func (t *Tx) SyncState(key string) (string, error) {
	var value string
	err := t.tx.GetContext(t.ctx, &value, "SELECT value FROM sync_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading sync state %s: %w", key, err)
	}
	return value, nil
}

// SetSyncState upserts the value for key.
func (t *Tx) SetSyncState(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing sync state %s: %w", key, err)
	}
	return nil
}
