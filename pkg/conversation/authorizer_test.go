package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/concierge/pkg/audit"
)

// leakyStore ignores the owner on Get, standing in for a store whose key
// scoping is broken
type leakyStore struct {
	*MemoryStore
	byID map[string]*Conversation
	err  error
}

func (l *leakyStore) Get(_ context.Context, _, id string) (*Conversation, error) {
	if l.err != nil {
		return nil, l.err
	}
	c, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func TestAuthorizerOwnerSucceeds(t *testing.T) {
	store := NewMemoryStore()
	sink := &audit.Memory{}
	a := NewAuthorizer(store, sink, zerolog.Nop())
	ctx := context.Background()

	c, err := store.Create(ctx, "alice", nil)
	require.NoError(t, err)

	got, err := a.GetAndAuthorize(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Empty(t, sink.Events())
}

func TestAuthorizerUnknownReference(t *testing.T) {
	a := NewAuthorizer(NewMemoryStore(), nil, zerolog.Nop())

	_, err := a.GetAndAuthorize(context.Background(), "alice", "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizerOtherOwnerThroughScopedStore(t *testing.T) {
	store := NewMemoryStore()
	a := NewAuthorizer(store, nil, zerolog.Nop())
	ctx := context.Background()

	c, err := store.Create(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = a.GetAndAuthorize(ctx, "bob", c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizerRejectsMisScopedRecord(t *testing.T) {
	c := &Conversation{ID: "conv-1", Owner: "alice", Metadata: map[string]string{}}
	store := &leakyStore{MemoryStore: NewMemoryStore(), byID: map[string]*Conversation{c.ID: c}}
	sink := &audit.Memory{}
	a := NewAuthorizer(store, sink, zerolog.Nop())

	got, err := a.GetAndAuthorize(context.Background(), "bob", "conv-1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, got)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OwnershipViolation, events[0].Kind)
	assert.Equal(t, "bob", events[0].Actor)
	assert.Equal(t, "alice", events[0].Owner)
	assert.Equal(t, "conv-1", events[0].ConversationID)
}

func TestAuthorizerStoreFailureReadsAsNotFound(t *testing.T) {
	store := &leakyStore{MemoryStore: NewMemoryStore(), err: errors.New("connection reset")}
	a := NewAuthorizer(store, nil, zerolog.Nop())

	_, err := a.GetAndAuthorize(context.Background(), "alice", "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
