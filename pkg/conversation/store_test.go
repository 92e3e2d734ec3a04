package conversation

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/concierge/pkg/corpus"
)

// exerciseStore runs the behaviour every Store must share
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	owner := "user_" + uuid.NewString()[:8]
	other := "user_" + uuid.NewString()[:8]

	c, err := s.Create(ctx, owner, map[string]string{MetaLLMProvider: "keyword"})
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.Equal(t, owner, c.Owner)
	assert.Equal(t, "keyword", c.Metadata[MetaLLMProvider])
	assert.NotEmpty(t, c.Metadata[MetaCreatedAt])

	ts := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Append(ctx, owner, c.ID, Message{Role: RoleUser, Content: "jazz in paris 🎷", Timestamp: ts}))
	used := true
	age := 2.5
	prefs := Preferences{Location: Some("paris"), EventType: Some("music")}
	require.NoError(t, s.Append(ctx, owner, c.ID, Message{
		Role:      RoleAssistant,
		Content:   "Here you go",
		Timestamp: ts.Add(time.Second),
		Recommendations: []Recommendation{{
			Event:       corpus.Event{ID: "e1", Title: "Jazz Night", City: "paris"},
			Score:       0.9,
			Explanation: "Event in Paris: Jazz Night",
			Provenance:  ProvenanceCached,
		}},
		Preferences:   &prefs,
		CacheUsed:     &used,
		CacheAgeHours: &age,
	}))

	got, err := s.Get(ctx, owner, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "jazz in paris 🎷", got.Messages[0].Content)
	assert.Equal(t, RoleAssistant, got.Messages[1].Role)
	require.Len(t, got.Messages[1].Recommendations, 1)
	assert.Equal(t, "e1", got.Messages[1].Recommendations[0].Event.ID)
	require.NotNil(t, got.Messages[1].Preferences)
	assert.Equal(t, "paris", got.Messages[1].Preferences.Location.Value())
	assert.False(t, got.Messages[1].Preferences.Date.Present())
	assert.False(t, got.Messages[1].Timestamp.Before(got.Messages[0].Timestamp))

	require.NoError(t, s.UpdateMetadata(ctx, owner, c.ID, map[string]string{MetaLastMessageAt: "now"}))
	got, err = s.Get(ctx, owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "now", got.Metadata[MetaLastMessageAt])
	assert.Equal(t, "keyword", got.Metadata[MetaLLMProvider])

	_, err = s.Get(ctx, other, c.ID)
	assert.ErrorIs(t, err, ErrNotFound, "lookups are scoped by owner")
	assert.ErrorIs(t, s.Append(ctx, other, c.ID, Message{Role: RoleUser, Content: "x"}), ErrNotFound)
	assert.ErrorIs(t, s.UpdateMetadata(ctx, other, c.ID, map[string]string{"k": "v"}), ErrNotFound)

	_, err = s.Get(ctx, owner, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Equal(t, 2, list[0].MessageCount)

	list, err = s.List(ctx, other, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreClampsTimestamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.Create(ctx, "u1", nil)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Append(ctx, "u1", c.ID, Message{Role: RoleUser, Content: "a", Timestamp: now}))
	require.NoError(t, s.Append(ctx, "u1", c.ID, Message{Role: RoleAssistant, Content: "b", Timestamp: now.Add(-time.Hour)}))

	got, err := s.Get(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.True(t, got.Messages[1].Timestamp.Equal(now))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, err := s.Create(ctx, "u1", nil)
	require.NoError(t, err)

	c.Metadata["tampered"] = "yes"
	c.Messages = append(c.Messages, Message{Content: "injected"})

	got, err := s.Get(ctx, "u1", c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
	assert.NotContains(t, got.Metadata, "tampered")
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := s.Create(ctx, "u1", nil)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	list, err := s.List(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
}

func TestFieldJSON(t *testing.T) {
	p := Preferences{Location: Some("new york"), Time: Some("  ")}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"new york","date":null,"time":null,"event_type":null}`, string(data))

	var back Preferences
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)
	assert.False(t, back.Empty())
	assert.True(t, Preferences{}.Empty())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	exerciseStore(t, NewRedisStore(client, "concierge-test:"+uuid.NewString()[:8]+":"))
}

func TestCassandraStore(t *testing.T) {
	hosts := os.Getenv("CASSANDRA_HOSTS")
	if hosts == "" {
		t.Skip("CASSANDRA_HOSTS not set")
	}
	s, err := NewCassandraStore(CassandraConfig{
		Hosts:          strings.Split(hosts, ","),
		Keyspace:       "concierge_test",
		Consistency:    gocql.One,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Skipf("cassandra unavailable: %v", err)
	}
	t.Cleanup(s.Close)

	exerciseStore(t, s)
}
