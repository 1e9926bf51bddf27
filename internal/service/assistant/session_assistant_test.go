package assistant

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"finchatgo/internal/config"
	"finchatgo/internal/models"
	"finchatgo/internal/storage"
)

func openTestService(t *testing.T) *Service {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestCreateAndListSessions(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "alice", "Q2 earnings")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if first.Title != "Q2 earnings" {
		t.Fatalf("title = %q", first.Title)
	}
	second, err := svc.CreateSession(ctx, "alice", "  ")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if second.Title != "New Conversation" {
		t.Fatalf("blank title should default, got %q", second.Title)
	}
	if _, err := svc.CreateSession(ctx, "bob", "other owner"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sessions, err := svc.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", len(sessions))
	}
	for _, se := range sessions {
		if se.OwnerID != "alice" {
			t.Fatalf("leaked session for owner %q", se.OwnerID)
		}
	}
}

func TestAppendMessageOrdering(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "ordering")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, text := range []string{"first", "second", "third"} {
		msg := models.TextMessage("alice", session.ID, models.RoleUser, text)
		if err := svc.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}

	_, messages, err := svc.GetSessionWithMessages(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got := messages[i].Text(); got != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestReplaceMessagesIdempotent(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "reconcile")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	stale := models.TextMessage("alice", session.ID, models.RoleUser, "stale draft")
	if err := svc.AppendMessage(ctx, stale); err != nil {
		t.Fatalf("append: %v", err)
	}

	final := []*models.Message{
		models.TextMessage("alice", session.ID, models.RoleUser, "what moved the market"),
		{
			ID:        uuid.NewString(),
			OwnerID:   "alice",
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			Parts: []models.Part{
				{Type: models.PartReasoning, Reasoning: "checking indices"},
				{Type: models.PartText, Text: "Tech led the rally [1]."},
			},
			ProcessingMS: 1250,
			CreatedAt:    time.Now().UTC(),
		},
	}

	for round := 0; round < 2; round++ {
		if err := svc.ReplaceMessages(ctx, "alice", session.ID, final); err != nil {
			t.Fatalf("replace round %d: %v", round, err)
		}
	}

	_, messages, err := svc.GetSessionWithMessages(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("replay must not duplicate, got %d messages", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %q, %q", messages[0].Role, messages[1].Role)
	}
	if messages[0].ID != final[0].ID || messages[1].ID != final[1].ID {
		t.Fatal("stored ids diverged from reconciled list")
	}
	if messages[0].ProcessingMS != 0 {
		t.Fatalf("user message processing_ms = %d", messages[0].ProcessingMS)
	}
	if messages[1].ProcessingMS != 1250 {
		t.Fatalf("assistant processing_ms = %d", messages[1].ProcessingMS)
	}
	if len(messages[1].Parts) != 2 || messages[1].Parts[0].Type != models.PartReasoning {
		t.Fatalf("parts did not round-trip: %+v", messages[1].Parts)
	}
}

func TestReplaceMessagesToEmpty(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "wipe")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.AppendMessage(ctx, models.TextMessage("alice", session.ID, models.RoleUser, "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := svc.ReplaceMessages(ctx, "alice", session.ID, nil); err != nil {
		t.Fatalf("replace with empty list: %v", err)
	}
	_, messages, err := svc.GetSessionWithMessages(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty list, got %d", len(messages))
	}
}

func TestGetSessionWrongOwner(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "private")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, _, err := svc.GetSessionWithMessages(ctx, "bob", session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for foreign owner, got %v", err)
	}
}

func TestCorruptPartsDegradeToEmpty(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "degrade")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	_, err = svc.db.ExecContext(ctx,
		`INSERT INTO messages (id, owner_id, session_id, role, parts, processing_ms, position, created_at) VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		uuid.NewString(), "alice", session.ID, models.RoleAssistant, "{not json", time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	_, messages, err := svc.GetSessionWithMessages(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected the corrupt row to survive, got %d messages", len(messages))
	}
	if len(messages[0].Parts) != 0 {
		t.Fatalf("corrupt parts should decode empty, got %+v", messages[0].Parts)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "cascade")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.AppendMessage(ctx, models.TextMessage("alice", session.ID, models.RoleUser, "plot it")); err != nil {
		t.Fatalf("append: %v", err)
	}
	chart := &models.Chart{
		ID:        uuid.NewString(),
		OwnerID:   "alice",
		SessionID: session.ID,
		Type:      models.ChartLine,
		Title:     "Revenue",
		Series:    []models.ChartSeries{{Name: "rev", Data: []models.ChartPoint{{X: "Q1", Y: 10}}}},
		CreatedAt: time.Now().UTC(),
	}
	if err := svc.SaveChart(ctx, chart); err != nil {
		t.Fatalf("save chart: %v", err)
	}

	if err := svc.DeleteSession(ctx, "alice", session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, _, err := svc.GetSessionWithMessages(ctx, "alice", session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows after delete, got %v", err)
	}
	if _, err := svc.GetChart(ctx, "alice", chart.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("chart should cascade away, got %v", err)
	}

	if err := svc.DeleteSession(ctx, "alice", session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second delete should report ErrNoRows, got %v", err)
	}
}

func TestUpdateSessionTitle(t *testing.T) {
	svc := openTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "alice", "old name")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.UpdateSessionTitle(ctx, "alice", session.ID, " Fed Outlook "); err != nil {
		t.Fatalf("update title: %v", err)
	}
	got, _, err := svc.GetSessionWithMessages(ctx, "alice", session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Title != "Fed Outlook" {
		t.Fatalf("title = %q", got.Title)
	}
	if err := svc.UpdateSessionTitle(ctx, "alice", session.ID, "  "); err == nil {
		t.Fatal("empty title should be rejected")
	}
	if err := svc.UpdateSessionTitle(ctx, "bob", session.ID, "hijack"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign owner rename should miss, got %v", err)
	}
}
