package repo

import (
	"context"
	"fmt"
)

// Migrations returns the bridge schema history in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "initial_schema", Up: execDDL(initialSchema), Down: execDDL(dropInitialSchema)},
		{Version: 2, Name: "maintenance_log", Up: execDDL(maintenanceLog), Down: execDDL(dropTables("maintenance_log"))},
		{Version: 3, Name: "reply_queue", Up: execDDL(replyQueue), Down: execDDL(dropTables("reply_queue"))},
		{Version: 4, Name: "lookup_indexes", Up: execDDL(lookupIndexes), Down: execDDL(dropLookupIndexes)},
		{Version: 5, Name: "unique_review_reply_mappings", Up: execDDL(uniqueReviewMappings), Down: execDDL(dropUniqueReviewMappings)},
		{Version: 6, Name: "poll_states", Up: execDDL(pollStates), Down: execDDL(dropTables("poll_states"))},
	}
}

type ddlSet map[Dialect][]string

func execDDL(set ddlSet) func(ctx context.Context, tx Tx) error {
	return func(ctx context.Context, tx Tx) error {
		stmts, ok := set[tx.Dialect()]
		if !ok {
			return fmt.Errorf("no DDL for dialect %q", tx.Dialect())
		}
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

func dropTables(names ...string) ddlSet {
	stmts := make([]string, 0, len(names))
	for _, n := range names {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+n)
	}
	return ddlSet{DialectSQLite: stmts, DialectPostgres: stmts}
}

var initialSchema = ddlSet{
	DialectSQLite: {
		`CREATE TABLE user_mappings (
			id TEXT PRIMARY KEY,
			review_id TEXT NOT NULL UNIQUE,
			chat_user_id TEXT NOT NULL UNIQUE,
			author_display_name TEXT NOT NULL,
			app_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL
		)`,
		`CREATE TABLE room_mappings (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			chat_room_id TEXT NOT NULL UNIQUE,
			app_display_name TEXT NOT NULL,
			room_kind TEXT NOT NULL CHECK (room_kind IN ('reviews','admin','general')),
			is_primary BOOLEAN NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE message_mappings (
			id TEXT PRIMARY KEY,
			external_review_id TEXT NOT NULL,
			chat_event_id TEXT NOT NULL UNIQUE,
			chat_room_id TEXT NOT NULL REFERENCES room_mappings(chat_room_id) ON UPDATE CASCADE ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('review','reply','notification')),
			app_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE google_play_reviews (
			review_id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			text TEXT,
			star_rating INTEGER NOT NULL CHECK (star_rating BETWEEN 1 AND 5),
			language_code TEXT,
			device TEXT,
			os_version TEXT,
			app_version_code INTEGER,
			app_version_name TEXT,
			created_at DATETIME NOT NULL,
			last_modified_at DATETIME NOT NULL,
			has_reply BOOLEAN NOT NULL DEFAULT 0,
			reply_text TEXT,
			reply_created_at DATETIME,
			reply_modified_at DATETIME
		)`,
		`CREATE TABLE matrix_messages (
			event_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL,
			is_bridge_originated BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE app_configs (
			app_id TEXT PRIMARY KEY,
			config_document TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	},
	DialectPostgres: {
		`CREATE TABLE user_mappings (
			id TEXT PRIMARY KEY,
			review_id TEXT NOT NULL UNIQUE,
			chat_user_id TEXT NOT NULL UNIQUE,
			author_display_name TEXT NOT NULL,
			app_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE room_mappings (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			chat_room_id TEXT NOT NULL UNIQUE,
			app_display_name TEXT NOT NULL,
			room_kind TEXT NOT NULL CHECK (room_kind IN ('reviews','admin','general')),
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			config JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE message_mappings (
			id TEXT PRIMARY KEY,
			external_review_id TEXT NOT NULL,
			chat_event_id TEXT NOT NULL UNIQUE,
			chat_room_id TEXT NOT NULL REFERENCES room_mappings(chat_room_id) ON UPDATE CASCADE ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('review','reply','notification')),
			app_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE google_play_reviews (
			review_id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			text TEXT,
			star_rating INTEGER NOT NULL CHECK (star_rating BETWEEN 1 AND 5),
			language_code TEXT,
			device TEXT,
			os_version TEXT,
			app_version_code BIGINT,
			app_version_name TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			last_modified_at TIMESTAMPTZ NOT NULL,
			has_reply BOOLEAN NOT NULL DEFAULT FALSE,
			reply_text TEXT,
			reply_created_at TIMESTAMPTZ,
			reply_modified_at TIMESTAMPTZ
		)`,
		`CREATE TABLE matrix_messages (
			event_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content JSONB NOT NULL DEFAULT '{}'::jsonb,
			timestamp TIMESTAMPTZ NOT NULL,
			is_bridge_originated BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE app_configs (
			app_id TEXT PRIMARY KEY,
			config_document JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

var dropInitialSchema = dropTables(
	"message_mappings", "user_mappings", "room_mappings",
	"google_play_reviews", "matrix_messages", "app_configs",
)

var maintenanceLog = ddlSet{
	DialectSQLite: {
		`CREATE TABLE maintenance_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			rows_affected INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
	},
	DialectPostgres: {
		`CREATE TABLE maintenance_log (
			id BIGSERIAL PRIMARY KEY,
			operation TEXT NOT NULL,
			details JSONB NOT NULL DEFAULT '{}'::jsonb,
			rows_affected BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

var replyQueue = ddlSet{
	DialectSQLite: {
		`CREATE TABLE reply_queue (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			review_id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			chat_event_id TEXT NOT NULL,
			chat_room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('queued','sending','sent','failed','dead')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_reply_queue_due ON reply_queue(state, next_attempt_at)`,
	},
	DialectPostgres: {
		`CREATE TABLE reply_queue (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			review_id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			chat_event_id TEXT NOT NULL,
			chat_room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('queued','sending','sent','failed','dead')),
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX idx_reply_queue_due ON reply_queue(state, next_attempt_at)`,
	},
}

// lookupIndexes is identical on both backends; partial indexes are
// supported by SQLite and PostgreSQL alike.
var lookupIndexes = func() ddlSet {
	stmts := []string{
		`CREATE INDEX idx_reviews_app_modified ON google_play_reviews(app_id, last_modified_at)`,
		`CREATE INDEX idx_message_mappings_review_kind ON message_mappings(external_review_id, kind)`,
		`CREATE INDEX idx_room_mappings_app ON room_mappings(app_id, room_kind)`,
		`CREATE INDEX idx_user_mappings_active ON user_mappings(last_active_at)`,
		`CREATE UNIQUE INDEX ux_room_mappings_primary ON room_mappings(app_id, room_kind) WHERE is_primary`,
	}
	return ddlSet{DialectSQLite: stmts, DialectPostgres: stmts}
}()

var dropLookupIndexes = func() ddlSet {
	stmts := []string{
		`DROP INDEX IF EXISTS ux_room_mappings_primary`,
		`DROP INDEX IF EXISTS idx_user_mappings_active`,
		`DROP INDEX IF EXISTS idx_room_mappings_app`,
		`DROP INDEX IF EXISTS idx_message_mappings_review_kind`,
		`DROP INDEX IF EXISTS idx_reviews_app_modified`,
	}
	return ddlSet{DialectSQLite: stmts, DialectPostgres: stmts}
}()

// uniqueReviewMappings allows one review-kind and one reply-kind mapping per
// review. Notifications are unbounded.
var uniqueReviewMappings = func() ddlSet {
	stmts := []string{
		`CREATE UNIQUE INDEX ux_message_mappings_review_kind ON message_mappings(external_review_id, kind)
			WHERE kind IN ('review','reply')`,
	}
	return ddlSet{DialectSQLite: stmts, DialectPostgres: stmts}
}()

var dropUniqueReviewMappings = func() ddlSet {
	stmts := []string{`DROP INDEX IF EXISTS ux_message_mappings_review_kind`}
	return ddlSet{DialectSQLite: stmts, DialectPostgres: stmts}
}()

var pollStates = ddlSet{
	DialectSQLite: {
		`CREATE TABLE poll_states (
			app_id TEXT PRIMARY KEY,
			retry_from DATETIME,
			updated_at DATETIME NOT NULL
		)`,
	},
	DialectPostgres: {
		`CREATE TABLE poll_states (
			app_id TEXT PRIMARY KEY,
			retry_from TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
}
