package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

var conversationRowColumns = []string{"phone", "owner_id", "card_id", "state", "history", "context", "version", "created_at", "updated_at"}

func TestPostgresStoreGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := []byte(`[{"direction":"inbound","text":"yo","at":"2026-03-01T12:00:00Z","intent":"interest","confidence":0.9}]`)

	mock.ExpectQuery("SELECT .* FROM conversations WHERE phone").
		WithArgs("+15551234567").
		WillReturnRows(pgxmock.NewRows(conversationRowColumns).
			AddRow("+15551234567", "rep-1", "card-1", "interested", history, []byte(`{"name":"Jake"}`), int64(3), created, created))

	conv, err := store.Get(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if conv.State != intelligence.StateInterested || conv.Version != 3 || conv.CardID != "card-1" {
		t.Fatalf("unexpected conversation %#v", conv)
	}
	if len(conv.History) != 1 || conv.History[0].Intent != "interest" {
		t.Fatalf("unexpected history %#v", conv.History)
	}
	if conv.Context["name"] != "Jake" {
		t.Fatalf("expected context to decode, got %#v", conv.Context)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	mock.ExpectQuery("SELECT .* FROM conversations WHERE phone").WithArgs("+15550000000").WillReturnError(pgx.ErrNoRows)

	if _, err := store.Get(context.Background(), "+15550000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreGetUnknownStateIsIntegrityError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM conversations WHERE phone").
		WithArgs("+15551234567").
		WillReturnRows(pgxmock.NewRows(conversationRowColumns).
			AddRow("+15551234567", "rep-1", "", "warm_lead", []byte(`[]`), []byte(`{}`), int64(1), now, now))

	_, err = store.Get(context.Background(), "+15551234567")
	if !errors.Is(err, intelligence.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestPostgresStoreSaveInsertsNewConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("+15551234567", "rep-1", "", "initial_outreach", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	saved, err := store.Save(context.Background(), intelligence.Conversation{
		Phone:   "+15551234567",
		OwnerID: "rep-1",
		State:   intelligence.StateInitialOutreach,
	})
	if err != nil {
		t.Fatalf("save returned error: %v", err)
	}
	if saved.Version != 1 || saved.CreatedAt.IsZero() {
		t.Fatalf("expected version 1 with timestamps, got %#v", saved)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreSaveDetectsConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	mock.ExpectExec("UPDATE conversations").
		WithArgs("+15551234567", "rep-1", "", "question", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err = store.Save(context.Background(), intelligence.Conversation{
		Phone:   "+15551234567",
		OwnerID: "rep-1",
		State:   intelligence.StateQuestion,
		Version: 4,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPostgresStoreSaveRejectsInvalidState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	_, err = store.Save(context.Background(), intelligence.Conversation{Phone: "+15551234567"})
	if !errors.Is(err, intelligence.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database call: %v", err)
	}
}

func TestPostgresStoreListTerminal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newPostgresStoreWithDB(mock)
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM conversations WHERE owner_id = \$1 AND state = ANY\(\$2\)`).
		WithArgs("rep-1", []string{"opted_out", "won", "lost"}, 10).
		WillReturnRows(pgxmock.NewRows(conversationRowColumns).
			AddRow("+15551234567", "rep-1", "", "won", []byte(`[]`), []byte(`{}`), int64(5), now, now).
			AddRow("+15557654321", "rep-1", "", "lost", []byte(`[]`), []byte(`{}`), int64(2), now, now))

	convs, err := store.List(context.Background(), ListFilter{OwnerID: "rep-1", TerminalOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(convs) != 2 || convs[0].State != intelligence.StateWon || convs[1].State != intelligence.StateLost {
		t.Fatalf("unexpected list %#v", convs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
