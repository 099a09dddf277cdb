package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobchat/internal/domain"
	"jobchat/internal/store"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testRepo(t *testing.T) (*SQLiteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "jobchat.db")
	repo, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{
		"participants", "conversations", "conversation_participants",
		"messages", "attachments", "schema_version",
	} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestGetSchemaVersion_EmptyDB(t *testing.T) {
	version, err := GetSchemaVersion(testDB(t))
	if err != nil || version != 0 {
		t.Errorf("expected version 0, got %d (%v)", version, err)
	}
}

func TestSQLiteRepository_RoundTripThroughStore(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	s := store.New(store.Config{Repository: repo, Logger: testLogger()})
	for _, p := range []domain.Participant{
		{ID: "ana", DisplayName: "Ana", Role: domain.RoleCandidate},
		{ID: "acme", DisplayName: "Acme", Role: domain.RoleCompany},
	} {
		if err := s.RegisterParticipant(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	conv, _, err := s.FindOrCreateConversation(ctx, []string{"acme", "ana"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.AppendMessage(ctx, conv.ID, "acme", "Hello Ana", []string{"offer.pdf", "terms.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AppendMessage(ctx, conv.ID, "ana", "Thanks!", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, to := range []domain.MessageStatus{domain.StatusSent, domain.StatusDelivered} {
		if _, err := s.AdvanceStatus(ctx, conv.ID, first.ID, to); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.MarkConversationRead(ctx, conv.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	job := domain.ContextBinding{Type: domain.ContextApplication, SubjectID: "job-7"}
	if err := s.BindContext(ctx, conv.ID, job); err != nil {
		t.Fatal(err)
	}

	convs, err := repo.LoadConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	got := convs[0]
	if len(got.ParticipantIDs) != 2 || got.ParticipantIDs[0] != "acme" || got.ParticipantIDs[1] != "ana" {
		t.Errorf("participant order not kept: %v", got.ParticipantIDs)
	}
	if got.Context == nil || *got.Context != job {
		t.Errorf("context = %v", got.Context)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if m := got.Messages[0]; m.ID != first.ID || m.Status != domain.StatusRead || len(m.Attachments) != 2 || m.Attachments[1] != "terms.pdf" {
		t.Errorf("unexpected first message %+v", m)
	}
	if m := got.Messages[1]; m.ID != second.ID || m.Status != domain.StatusSending {
		t.Errorf("unexpected second message %+v", m)
	}
	if !got.Messages[0].Timestamp.Equal(first.Timestamp) {
		t.Errorf("timestamp drifted: %v vs %v", got.Messages[0].Timestamp, first.Timestamp)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Participants != 2 || stats.Conversations != 1 || stats.Messages != 2 || stats.Undelivered != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.SchemaVersion != schemaVersion {
		t.Errorf("stats schema version %d", stats.SchemaVersion)
	}
}

func TestSQLiteRepository_ReopenKeepsData(t *testing.T) {
	repo, path := testRepo(t)
	ctx := context.Background()
	if err := repo.SaveParticipant(ctx, domain.Participant{ID: "ana", DisplayName: "Ana", Role: domain.RoleCandidate}); err != nil {
		t.Fatal(err)
	}
	repo.Close()

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	parts, err := reopened.ListParticipants(ctx)
	if err != nil || len(parts) != 1 || parts[0].Role != domain.RoleCandidate {
		t.Errorf("ListParticipants = %+v, %v", parts, err)
	}
}

func TestSQLiteRepository_Errors(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	_ = repo.SaveParticipant(ctx, domain.Participant{ID: "a", DisplayName: "A", Role: domain.RoleCandidate})
	_ = repo.SaveParticipant(ctx, domain.Participant{ID: "b", DisplayName: "B", Role: domain.RoleCompany})

	if err := repo.UpdateMessageStatus(ctx, "missing", domain.StatusSent); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	conv := domain.Conversation{ID: "c1", ParticipantIDs: []string{"a", "b"}, CreatedAt: time.Now()}
	if err := repo.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	b := domain.ContextBinding{Type: domain.ContextSupport, SubjectID: "t-1"}
	if err := repo.BindContext(ctx, "c1", b); err != nil {
		t.Fatal(err)
	}
	if err := repo.BindContext(ctx, "c1", b); err == nil {
		t.Error("second bind should not update an already bound conversation")
	}

	bad := domain.Conversation{ID: "c2", ParticipantIDs: []string{"a", "ghost"}, CreatedAt: time.Now()}
	if err := repo.CreateConversation(ctx, bad); err == nil {
		t.Error("expected foreign key failure for unknown participant")
	}
	convs, _ := repo.LoadConversations(ctx)
	if len(convs) != 1 {
		t.Errorf("failed create must roll back, got %d conversations", len(convs))
	}
}

func TestSQLiteRepository_Backup(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	_ = repo.SaveParticipant(ctx, domain.Participant{ID: "a", DisplayName: "A", Role: domain.RoleAdmin})

	dst := filepath.Join(t.TempDir(), "backups", "copy.db")
	if err := repo.Backup(ctx, dst); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	copyRepo, err := Open(dst, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer copyRepo.Close()
	parts, _ := copyRepo.ListParticipants(ctx)
	if len(parts) != 1 {
		t.Errorf("backup has %d participants, want 1", len(parts))
	}
}
