package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			-- Shared change watermark: every conversation mutation and every
			-- appended message takes the next value, so a single cursor covers
			-- both streams for the sync endpoint.
			CREATE SEQUENCE IF NOT EXISTS change_seq;

			CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				kind VARCHAR(20) NOT NULL,
				buyer_id UUID NOT NULL,
				counterpart_role VARCHAR(20) NOT NULL,
				counterpart_id UUID NOT NULL,
				observer_id UUID,
				context_ref TEXT NOT NULL DEFAULT '',
				subject VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				last_seq BIGINT NOT NULL DEFAULT 0,
				last_message_at TIMESTAMP NOT NULL DEFAULT NOW(),
				last_message_preview TEXT NOT NULL DEFAULT '',
				unread_buyer INT NOT NULL DEFAULT 0,
				unread_supplier INT NOT NULL DEFAULT 0,
				unread_admin INT NOT NULL DEFAULT 0,
				rev BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			);

			-- One active conversation per (participant pair, context).
			CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_key
				ON conversations(buyer_id, counterpart_role, counterpart_id, context_ref)
				WHERE status = 'active';
			CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at ON conversations(last_message_at DESC);
			CREATE INDEX IF NOT EXISTS idx_conversations_rev ON conversations(rev);
			CREATE INDEX IF NOT EXISTS idx_conversations_counterpart ON conversations(counterpart_id);
		`,
		Down: `
			DROP TABLE IF EXISTS conversations;
			DROP SEQUENCE IF EXISTS change_seq;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				conversation_id UUID NOT NULL REFERENCES conversations(id),
				seq BIGINT NOT NULL,
				global_seq BIGINT NOT NULL,
				sender_role VARCHAR(20) NOT NULL,
				sender_id UUID NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				attachments JSONB NOT NULL DEFAULT '[]',
				product_refs TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				UNIQUE(conversation_id, seq)
			);

			CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
			CREATE INDEX IF NOT EXISTS idx_messages_global_seq ON messages(global_seq);
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS read_cursors (
				conversation_id UUID NOT NULL REFERENCES conversations(id),
				role VARCHAR(20) NOT NULL,
				participant_id UUID NOT NULL,
				last_ack_seq BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
				PRIMARY KEY (conversation_id, role)
			);

			CREATE INDEX IF NOT EXISTS idx_read_cursors_participant ON read_cursors(participant_id);
		`,
		Down: `
			DROP TABLE IF EXISTS read_cursors;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INT PRIMARY KEY,
				applied_at TIMESTAMP NOT NULL DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS schema_migrations;
		`,
	},
}

// RunMigrations runs all pending migrations
func RunMigrations(db *sql.DB) error {
	// Ensure migrations table exists
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	// Get current version
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	// Run pending migrations in ascending order by version
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, migration := range sorted {
		if migration.Version <= currentVersion {
			continue
		}

		fmt.Printf("Running migration %d...\n", migration.Version)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		fmt.Printf("Migration %d completed\n", migration.Version)
	}

	return nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
