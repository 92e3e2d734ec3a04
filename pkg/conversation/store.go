package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means no conversation matches the reference for this caller
	ErrNotFound = errors.New("conversation not found")

	// ErrForbidden means the conversation exists but belongs to someone else
	ErrForbidden = errors.New("conversation belongs to another identity")
)

// Store persists transcripts under owner-scoped keys. Messages are only
// ever appended; nothing is rewritten or removed.
type Store interface {
	// Create starts an empty conversation for owner with initial metadata
	Create(ctx context.Context, owner string, meta map[string]string) (*Conversation, error)
	// Get loads a conversation; ErrNotFound when owner has no such id
	Get(ctx context.Context, owner, id string) (*Conversation, error)
	// Append adds one message at the end of the transcript
	Append(ctx context.Context, owner, id string, msg Message) error
	// UpdateMetadata merges meta into the conversation's metadata
	UpdateMetadata(ctx context.Context, owner, id string, meta map[string]string) error
	// List returns owner's conversations, newest first; limit <= 0 means all
	List(ctx context.Context, owner string, limit int) ([]Summary, error)
}

func newConversation(owner string, meta map[string]string, now time.Time) *Conversation {
	c := &Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: now,
		Metadata:  make(map[string]string, len(meta)+1),
	}
	for k, v := range meta {
		c.Metadata[k] = v
	}
	if _, ok := c.Metadata[MetaCreatedAt]; !ok {
		c.Metadata[MetaCreatedAt] = now.UTC().Format(time.RFC3339Nano)
	}
	return c
}

// MemoryStore keeps conversations in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation // owner + "/" + id
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*Conversation), now: time.Now}
}

func memKey(owner, id string) string { return owner + "/" + id }

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, owner string, meta map[string]string) (*Conversation, error) {
	c := newConversation(owner, meta, s.now())
	s.mu.Lock()
	s.convs[memKey(owner, c.ID)] = c
	s.mu.Unlock()
	return cloneConversation(c), nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, owner, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[memKey(owner, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// Append implements Store. Timestamps are clamped so the sequence never
// goes backwards.
func (s *MemoryStore) Append(_ context.Context, owner, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[memKey(owner, id)]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if last := c.LastTimestamp(); msg.Timestamp.Before(last) {
		msg.Timestamp = last
	}
	c.Messages = append(c.Messages, msg)
	return nil
}

// UpdateMetadata implements Store
func (s *MemoryStore) UpdateMetadata(_ context.Context, owner, id string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[memKey(owner, id)]
	if !ok {
		return ErrNotFound
	}
	for k, v := range meta {
		c.Metadata[k] = v
	}
	return nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, owner string, limit int) ([]Summary, error) {
	s.mu.RLock()
	var out []Summary
	for _, c := range s.convs {
		if c.Owner != owner {
			continue
		}
		out = append(out, summarize(c))
	}
	s.mu.RUnlock()

	sortSummaries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func summarize(c *Conversation) Summary {
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return Summary{
		ID:           c.ID,
		CreatedAt:    c.CreatedAt,
		MessageCount: len(c.Messages),
		Metadata:     meta,
	}
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID > s[j].ID
		}
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
