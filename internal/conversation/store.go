// Package conversation is the caller side of the intelligence engine: it
// persists conversation snapshots, serializes work per phone number, dedups
// inbound events and delivers replies.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

var (
	// ErrNotFound is returned when no conversation exists for a phone.
	ErrNotFound = errors.New("conversation: not found")
	// ErrVersionConflict is returned when a save raced with another writer.
	ErrVersionConflict = errors.New("conversation: version conflict")
)

// Store persists conversation snapshots. Save is optimistic: the snapshot's
// Version must match the stored version (0 for a new conversation) and the
// returned snapshot carries the incremented version.
type Store interface {
	Get(ctx context.Context, phone string) (intelligence.Conversation, error)
	Save(ctx context.Context, conv intelligence.Conversation) (intelligence.Conversation, error)
	List(ctx context.Context, filter ListFilter) ([]intelligence.Conversation, error)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	State        intelligence.State
	OwnerID      string
	TerminalOnly bool
	Limit        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

func (f ListFilter) matches(c intelligence.Conversation) bool {
	if f.State.Valid() && c.State != f.State {
		return false
	}
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.TerminalOnly && !c.State.Terminal() {
		return false
	}
	return true
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]intelligence.Conversation
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]intelligence.Conversation),
		now:   time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, phone string) (intelligence.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[phone]
	if !ok {
		return intelligence.Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) Save(_ context.Context, conv intelligence.Conversation) (intelligence.Conversation, error) {
	if conv.Phone == "" {
		return intelligence.Conversation{}, errors.New("conversation: phone required")
	}
	if !conv.State.Valid() {
		return intelligence.Conversation{}, intelligence.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.convs[conv.Phone]
	switch {
	case !exists && conv.Version != 0:
		return intelligence.Conversation{}, ErrVersionConflict
	case exists && current.Version != conv.Version:
		return intelligence.Conversation{}, ErrVersionConflict
	}

	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	conv.Version++
	s.convs[conv.Phone] = cloneConversation(conv)
	return conv, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]intelligence.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]intelligence.Conversation, 0)
	for _, conv := range s.convs {
		if filter.matches(conv) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Phone < out[j].Phone
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneConversation(c intelligence.Conversation) intelligence.Conversation {
	if c.History != nil {
		c.History = append([]intelligence.MessageEvent(nil), c.History...)
	}
	if c.Context != nil {
		ctx := make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			ctx[k] = v
		}
		c.Context = ctx
	}
	return c
}
