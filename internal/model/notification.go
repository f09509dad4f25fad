package model

import "time"

// Notification represents an alert surfaced to the user, such as an action
// that exhausted its retries.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	// ActionID links this notification to the originating pending action.
	ActionID string `json:"action_id" db:"action_id"`

	// Message is the human-readable notification text.
	Message string `json:"message" db:"message"`

	// Read indicates whether the user has seen this notification.
	Read bool `json:"read" db:"read"`

	// CreatedAt is when this notification was generated.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
