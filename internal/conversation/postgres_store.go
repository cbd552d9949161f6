package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists conversations in the conversations table. History
// and context are JSONB columns; version backs optimistic concurrency.
type PostgresStore struct {
	db     pgxQuerier
	tracer trace.Tracer
	now    func() time.Time
}

// NewPostgresStore creates a store on top of a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return newPostgresStoreWithDB(pool)
}

func newPostgresStoreWithDB(db pgxQuerier) *PostgresStore {
	if db == nil {
		panic("conversation: db required")
	}
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("textflow.internal.conversation.store"),
		now:    time.Now,
	}
}

var _ Store = (*PostgresStore)(nil)

const conversationColumns = `phone, owner_id, card_id, state, history, context, version, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, phone string) (intelligence.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.store.get")
	defer span.End()

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE phone = $1`
	conv, err := scanConversation(s.db.QueryRow(ctx, query, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intelligence.Conversation{}, ErrNotFound
		}
		span.RecordError(err)
		return intelligence.Conversation{}, fmt.Errorf("conversation: get %s: %w", phone, err)
	}
	return conv, nil
}

func (s *PostgresStore) Save(ctx context.Context, conv intelligence.Conversation) (intelligence.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.store.save")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.state", conv.State.String()))

	if conv.Phone == "" {
		return intelligence.Conversation{}, errors.New("conversation: phone required")
	}
	if !conv.State.Valid() {
		return intelligence.Conversation{}, fmt.Errorf("conversation: save %s: %w", conv.Phone, intelligence.ErrInvalidState)
	}
	history, err := json.Marshal(nonNilHistory(conv.History))
	if err != nil {
		return intelligence.Conversation{}, fmt.Errorf("conversation: encode history: %w", err)
	}
	convContext, err := json.Marshal(nonNilContext(conv.Context))
	if err != nil {
		return intelligence.Conversation{}, fmt.Errorf("conversation: encode context: %w", err)
	}

	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	var tag pgconn.CommandTag
	if conv.Version == 0 {
		tag, err = s.db.Exec(ctx, `
			INSERT INTO conversations (phone, owner_id, card_id, state, history, context, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
			ON CONFLICT (phone) DO NOTHING
		`, conv.Phone, conv.OwnerID, conv.CardID, conv.State.String(), history, convContext, conv.CreatedAt, conv.UpdatedAt)
	} else {
		tag, err = s.db.Exec(ctx, `
			UPDATE conversations
			SET owner_id = $2, card_id = $3, state = $4, history = $5, context = $6,
			    version = version + 1, updated_at = $7
			WHERE phone = $1 AND version = $8
		`, conv.Phone, conv.OwnerID, conv.CardID, conv.State.String(), history, convContext, conv.UpdatedAt, conv.Version)
	}
	if err != nil {
		span.RecordError(err)
		return intelligence.Conversation{}, fmt.Errorf("conversation: save %s: %w", conv.Phone, err)
	}
	if tag.RowsAffected() == 0 {
		return intelligence.Conversation{}, ErrVersionConflict
	}
	conv.Version++
	return conv, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]intelligence.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.store.list")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if filter.State.Valid() {
		args = append(args, filter.State.String())
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.TerminalOnly {
		args = append(args, terminalStateNames())
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	args = append(args, filter.limit())

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, phone ASC LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	out := make([]intelligence.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("conversation: list: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	return out, nil
}

// scanConversation decodes one row. An unknown state name surfaces as
// intelligence.ErrInvalidState and is never defaulted.
func scanConversation(row pgx.Row) (intelligence.Conversation, error) {
	var (
		conv        intelligence.Conversation
		state       string
		history     []byte
		convContext []byte
	)
	if err := row.Scan(&conv.Phone, &conv.OwnerID, &conv.CardID, &state, &history, &convContext, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return intelligence.Conversation{}, err
	}
	parsed, err := intelligence.ParseState(state)
	if err != nil {
		return intelligence.Conversation{}, err
	}
	conv.State = parsed
	if len(history) > 0 {
		if err := json.Unmarshal(history, &conv.History); err != nil {
			return intelligence.Conversation{}, fmt.Errorf("decode history: %w", err)
		}
	}
	if len(convContext) > 0 {
		if err := json.Unmarshal(convContext, &conv.Context); err != nil {
			return intelligence.Conversation{}, fmt.Errorf("decode context: %w", err)
		}
	}
	return conv, nil
}

func terminalStateNames() []string {
	var names []string
	for _, s := range intelligence.AllStates() {
		if s.Terminal() {
			names = append(names, s.String())
		}
	}
	return names
}

func nonNilHistory(h []intelligence.MessageEvent) []intelligence.MessageEvent {
	if h == nil {
		return []intelligence.MessageEvent{}
	}
	return h
}

func nonNilContext(c map[string]string) map[string]string {
	if c == nil {
		return map[string]string{}
	}
	return c
}
