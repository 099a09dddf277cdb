// Package repository persists the entity store in SQLite.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"jobchat/internal/domain"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteRepository implements domain.Repository using SQLite.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.Repository = (*SQLiteRepository)(nil)

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteRepository{db: db, logger: logger}, nil
}

func (r *SQLiteRepository) SaveParticipant(ctx context.Context, p domain.Participant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (id, display_name, role) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role`,
		p.ID, p.DisplayName, string(p.Role),
	)
	return err
}

func (r *SQLiteRepository) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, display_name, role FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var role string
		if err := rows.Scan(&p.ID, &p.DisplayName, &role); err != nil {
			return nil, err
		}
		p.Role = domain.Role(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ctxType, ctxSubject sql.NullString
	if conv.Context != nil {
		ctxType = sql.NullString{String: string(conv.Context.Type), Valid: true}
		ctxSubject = sql.NullString{String: conv.Context.SubjectID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, context_type, context_subject, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, ctxType, ctxSubject, conv.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for i, pid := range conv.ParticipantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, participant_id, position) VALUES (?, ?, ?)`,
			conv.ID, pid, i,
		); err != nil {
			return fmt.Errorf("insert participant %s: %w", pid, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) BindContext(ctx context.Context, conversationID string, b domain.ContextBinding) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET context_type = ?, context_subject = ? WHERE id = ? AND context_type IS NULL`,
		string(b.Type), b.SubjectID, conversationID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "unbound conversation", ID: conversationID}
	}
	return nil
}

func (r *SQLiteRepository) LoadConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, context_type, context_subject, created_at FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var convs []domain.Conversation
	byID := make(map[string]int)
	for rows.Next() {
		var c domain.Conversation
		var ctxType, ctxSubject sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &ctxType, &ctxSubject, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("conversation %s created_at: %w", c.ID, err)
		}
		if ctxType.Valid {
			c.Context = &domain.ContextBinding{Type: domain.ContextType(ctxType.String), SubjectID: ctxSubject.String}
		}
		byID[c.ID] = len(convs)
		convs = append(convs, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadParticipants(ctx, convs, byID); err != nil {
		return nil, err
	}
	if err := r.loadMessages(ctx, convs, byID); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *SQLiteRepository) loadParticipants(ctx context.Context, convs []domain.Conversation, byID map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, participant_id FROM conversation_participants ORDER BY conversation_id, position`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var convID, pid string
		if err := rows.Scan(&convID, &pid); err != nil {
			return err
		}
		if i, ok := byID[convID]; ok {
			convs[i].ParticipantIDs = append(convs[i].ParticipantIDs, pid)
		}
	}
	return rows.Err()
}

func (r *SQLiteRepository) loadMessages(ctx context.Context, convs []domain.Conversation, byID map[string]int) error {
	attachments, err := r.loadAttachments(ctx)
	if err != nil {
		return err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, text, status, created_at FROM messages ORDER BY conversation_id, created_at, seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var m domain.Message
		var status, created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &status, &created); err != nil {
			return err
		}
		if m.Timestamp, err = time.Parse(timeLayout, created); err != nil {
			return fmt.Errorf("message %s created_at: %w", m.ID, err)
		}
		m.Status = domain.MessageStatus(status)
		m.Attachments = attachments[m.ID]
		if i, ok := byID[m.ConversationID]; ok {
			convs[i].Messages = append(convs[i].Messages, m)
		}
	}
	return rows.Err()
}

func (r *SQLiteRepository) loadAttachments(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT message_id, ref FROM attachments ORDER BY message_id, position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var id, ref string
		if err := rows.Scan(&id, &ref); err != nil {
			return nil, err
		}
		out[id] = append(out[id], ref)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) AppendMessage(ctx context.Context, m domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, string(m.Status), m.Timestamp.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, ref := range m.Attachments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (message_id, position, ref) VALUES (?, ?, ?)`, m.ID, i, ref,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) UpdateMessageStatus(ctx context.Context, messageID string, status domain.MessageStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Kind: "message", ID: messageID}
	}
	return nil
}

// Stats holds row counts for the status command.
type Stats struct {
	Participants  int
	Conversations int
	Messages      int
	Undelivered   int
	SchemaVersion int
}

// Stats returns row counts.
func (r *SQLiteRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM participants),
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM messages WHERE status IN ('sending', 'sent'))`,
	).Scan(&s.Participants, &s.Conversations, &s.Messages, &s.Undelivered)
	if err != nil {
		return Stats{}, err
	}
	s.SchemaVersion, err = GetSchemaVersion(r.db)
	return s, err
}

// Backup writes a consistent copy of the database to path.
func (r *SQLiteRepository) Backup(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into %s: %w", path, err)
	}
	r.logger.Info("database backed up", "path", path)
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
