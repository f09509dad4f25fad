package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                 TEXT PRIMARY KEY,
	key_hash           TEXT NOT NULL,
	conv_key           TEXT NOT NULL DEFAULT '',
	participant_hash   TEXT NOT NULL DEFAULT '',
	participants       TEXT NOT NULL DEFAULT '[]',
	type               TEXT NOT NULL CHECK(type IN ('one_to_one', 'group', 'list')),
	display_name       TEXT NOT NULL DEFAULT '',
	snippet            TEXT NOT NULL DEFAULT '',
	last_message_date  DATETIME,
	latest_inbox_date  DATETIME,
	archived_at        DATETIME,
	hidden             INTEGER NOT NULL DEFAULT 0 CHECK(hidden IN (0, 1)),
	pinned             INTEGER NOT NULL DEFAULT 0 CHECK(pinned IN (0, 1)),
	muted              INTEGER NOT NULL DEFAULT 0 CHECK(muted IN (0, 1)),
	has_inbox          INTEGER NOT NULL DEFAULT 0 CHECK(has_inbox IN (0, 1)),
	inbox_unread_count INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_key_hash ON conversations(key_hash);
CREATE INDEX IF NOT EXISTS idx_conversations_participant_hash ON conversations(participant_hash);
CREATE INDEX IF NOT EXISTS idx_conversations_list
	ON conversations(hidden, pinned, last_message_date);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL REFERENCES conversations(id),
	thread_id_hint   TEXT NOT NULL DEFAULT '',
	internal_date    DATETIME NOT NULL,
	labels           TEXT NOT NULL DEFAULT '[]',
	is_from_me       INTEGER NOT NULL DEFAULT 0 CHECK(is_from_me IN (0, 1)),
	locally_sent     INTEGER NOT NULL DEFAULT 0 CHECK(locally_sent IN (0, 1)),
	locally_modified INTEGER NOT NULL DEFAULT 0 CHECK(locally_modified IN (0, 1)),
	is_newsletter    INTEGER NOT NULL DEFAULT 0 CHECK(is_newsletter IN (0, 1)),
	sender_email     TEXT NOT NULL DEFAULT '',
	sender_name      TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	body_ref         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_internal_date ON messages(internal_date);

CREATE TABLE IF NOT EXISTS pending_actions (
	id              TEXT PRIMARY KEY,
	action_type     TEXT NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	payload         TEXT,
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'processing', 'failed', 'completed', 'abandoned')),
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	last_attempt    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pending_actions_status_created
	ON pending_actions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_actions_target
	ON pending_actions(message_id, conversation_id, action_type);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	action_id  TEXT NOT NULL,
	message    TEXT NOT NULL,
	read       INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
