package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailcache/internal/model"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// shared across calls. Every transaction must therefore use only its Tx.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, subs: make(map[int]*subscription)}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection and all subscriptions.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for id, sub := range s.subs {
		close(sub.done)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Update runs fn in a write transaction. Readers never observe a partial
// result of fn. Subscribers are notified after a successful commit.
func (s *SQLiteStore) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := newTx(ctx, sqlTx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if ev, ok := tx.changeEvent(); ok {
		s.publish(ev)
	}
	return nil
}

// View runs fn in a transaction that is rolled back afterwards.
func (s *SQLiteStore) View(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(newTx(ctx, sqlTx))
}

// Subscribe returns a channel receiving a ChangeEvent after every commit
// that wrote something, and a function that ends the subscription.
// Changes are never dropped: while the subscriber is behind, they
// accumulate and arrive merged into its next event.
func (s *SQLiteStore) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	sub := &subscription{
		out:  make(chan ChangeEvent, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		seen: make(map[string]struct{}),
	}
	go sub.run()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	return sub.out, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.done)
		}
	}
}

func (s *SQLiteStore) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		sub.add(ev)
	}
}

// subscription coalesces change events that have not been delivered yet.
type subscription struct {
	out  chan ChangeEvent
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	seen    map[string]struct{}
	ids     []string
	actions bool
	dirty   bool
}

func (sub *subscription) add(ev ChangeEvent) {
	sub.mu.Lock()
	for _, id := range ev.Conversations {
		if _, ok := sub.seen[id]; !ok {
			sub.seen[id] = struct{}{}
			sub.ids = append(sub.ids, id)
		}
	}
	sub.actions = sub.actions || ev.Actions
	sub.dirty = true
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) take() (ChangeEvent, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.dirty {
		return ChangeEvent{}, false
	}
	ev := ChangeEvent{Conversations: sub.ids, Actions: sub.actions}
	sub.seen = make(map[string]struct{})
	sub.ids = nil
	sub.actions = false
	sub.dirty = false
	return ev, true
}

// run forwards accumulated changes to out until the subscription ends.
func (sub *subscription) run() {
	defer close(sub.out)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			ev, ok := sub.take()
			if !ok {
				break
			}
			select {
			case sub.out <- ev:
			case <-sub.done:
				return
			}
		}
	}
}

// ListConversations returns visible conversations for the list view.
func (s *SQLiteStore) ListConversations(
	ctx context.Context,
	filter ConversationFilter,
) ([]model.Conversation, error) {
	var out []model.Conversation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ListConversations(filter)
		return err
	})
	return out, err
}

// GetConversation retrieves a single conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out *model.Conversation
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ConversationByID(id)
		return err
	})
	return out, err
}

// GetMessages returns a conversation's messages, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.MessagesForConversation(conversationID)
		return err
	})
	return out, err
}

// PendingActionCount returns the number of actions not yet applied remotely
// and not abandoned.
func (s *SQLiteStore) PendingActionCount(ctx context.Context) (int, error) {
	var n int
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.CountActions(model.ActionPending, model.ActionProcessing, model.ActionFailed)
		return err
	})
	return n, err
}

// AbandonedActions returns actions that exhausted their retries.
func (s *SQLiteStore) AbandonedActions(ctx context.Context) ([]model.PendingAction, error) {
	var out []model.PendingAction
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ActionsByStatus(model.ActionAbandoned)
		return err
	})
	return out, err
}

// UnreadNotifications retrieves all notifications that have not been read,
// ordered by creation time descending.
func (s *SQLiteStore) UnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	var out []model.Notification
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UnreadNotifications()
		return err
	})
	return out, err
}

// MarkNotificationRead marks a single notification as read.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.MarkNotificationRead(id)
	})
}

// Tx is a store transaction. All reads and writes of one atomic unit go
// through the same Tx.
type Tx struct {
	tx  *sqlx.Tx
	ctx context.Context

	changed        map[string]struct{}
	actionsChanged bool
}

func newTx(ctx context.Context, tx *sqlx.Tx) *Tx {
	return &Tx{tx: tx, ctx: ctx, changed: make(map[string]struct{})}
}

// touch records conversation ids for the post-commit change event.
func (t *Tx) touch(ids ...string) {
	for _, id := range ids {
		if id != "" {
			t.changed[id] = struct{}{}
		}
	}
}

func (t *Tx) changeEvent() (ChangeEvent, bool) {
	if len(t.changed) == 0 && !t.actionsChanged {
		return ChangeEvent{}, false
	}
	ids := make([]string, 0, len(t.changed))
	for id := range t.changed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ChangeEvent{Conversations: ids, Actions: t.actionsChanged}, true
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("getting %s %s: %w", what, id, err)
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
