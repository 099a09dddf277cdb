package repository

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: participants, conversations, conversation_participants, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS participants (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role         TEXT NOT NULL,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			context_type    TEXT,
			context_subject TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			participant_id  TEXT NOT NULL REFERENCES participants(id),
			position        INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, participant_id)
		);
		CREATE INDEX IF NOT EXISTS idx_conv_participants_pid ON conversation_participants(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id       TEXT NOT NULL,
			text            TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: message attachments, status index for delivery resume",
		SQL: `
		CREATE TABLE IF NOT EXISTS attachments (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			position   INTEGER NOT NULL,
			ref        TEXT NOT NULL,
			PRIMARY KEY (message_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			logger.Warn("migration SQL partially failed (may be expected for upgrades)",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "already exists" errors for idempotency.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // no table yet
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
