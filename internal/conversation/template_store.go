package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

// TemplateStore holds owner-scoped template overrides edited at runtime.
// Overrides returns the full set for one owner; the engine receives it per
// call and it wins over the static catalog.
type TemplateStore interface {
	Overrides(ctx context.Context, ownerID string) (map[string]string, error)
	Put(ctx context.Context, ownerID, key, text string) error
	Delete(ctx context.Context, ownerID, key string) error
}

func validateOverride(ownerID, key string) error {
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("conversation: owner id required")
	}
	return intelligence.ValidateTemplateKey(key)
}

// MemoryTemplateStore keeps overrides in process memory.
type MemoryTemplateStore struct {
	mu     sync.RWMutex
	owners map[string]map[string]string
}

// NewMemoryTemplateStore creates an empty override store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{owners: make(map[string]map[string]string)}
}

var _ TemplateStore = (*MemoryTemplateStore)(nil)

func (s *MemoryTemplateStore) Overrides(_ context.Context, ownerID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.owners[ownerID]
	out := make(map[string]string, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryTemplateStore) Put(_ context.Context, ownerID, key, text string) error {
	if err := validateOverride(ownerID, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[ownerID]
	if !ok {
		set = make(map[string]string)
		s.owners[ownerID] = set
	}
	set[key] = text
	return nil
}

func (s *MemoryTemplateStore) Delete(_ context.Context, ownerID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[ownerID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := set[key]; !ok {
		return ErrNotFound
	}
	delete(set, key)
	return nil
}

// PostgresTemplateStore keeps overrides in the owner_templates table.
type PostgresTemplateStore struct {
	db     pgxQuerier
	tracer trace.Tracer
}

// NewPostgresTemplateStore creates a store on top of a pgx pool.
func NewPostgresTemplateStore(pool *pgxpool.Pool) *PostgresTemplateStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return newPostgresTemplateStoreWithDB(pool)
}

func newPostgresTemplateStoreWithDB(db pgxQuerier) *PostgresTemplateStore {
	if db == nil {
		panic("conversation: db required")
	}
	return &PostgresTemplateStore{db: db, tracer: otel.Tracer("textflow.internal.conversation.templates")}
}

var _ TemplateStore = (*PostgresTemplateStore)(nil)

func (s *PostgresTemplateStore) Overrides(ctx context.Context, ownerID string) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.templates.overrides")
	defer span.End()

	rows, err := s.db.Query(ctx, `SELECT template_key, body FROM owner_templates WHERE owner_id = $1`, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: load owner templates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("conversation: scan owner template: %w", err)
		}
		out[key] = body
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: load owner templates: %w", err)
	}
	return out, nil
}

func (s *PostgresTemplateStore) Put(ctx context.Context, ownerID, key, text string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.templates.put")
	defer span.End()

	if err := validateOverride(ownerID, key); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO owner_templates (owner_id, template_key, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner_id, template_key) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`, ownerID, key, text)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: put owner template: %w", err)
	}
	return nil
}

func (s *PostgresTemplateStore) Delete(ctx context.Context, ownerID, key string) error {
	ctx, span := s.tracer.Start(ctx, "conversation.templates.delete")
	defer span.End()

	tag, err := s.db.Exec(ctx, `DELETE FROM owner_templates WHERE owner_id = $1 AND template_key = $2`, ownerID, key)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: delete owner template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
