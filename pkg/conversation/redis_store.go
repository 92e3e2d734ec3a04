package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// appendScript pushes a message only if the conversation header exists, so
// a message can never create an orphan transcript
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisStore keeps conversations in Redis under owner-scoped keys:
//
//	<prefix><owner>:<id>        hash   id, owner, created_at
//	<prefix><owner>:<id>:meta   hash   metadata
//	<prefix><owner>:<id>:msgs   list   JSON messages in arrival order
//	<prefix><owner>:index       zset   conversation ids scored by creation time
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store on client
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "concierge:conv:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) headKey(owner, id string) string { return s.prefix + owner + ":" + id }
func (s *RedisStore) metaKey(owner, id string) string { return s.headKey(owner, id) + ":meta" }
func (s *RedisStore) msgsKey(owner, id string) string { return s.headKey(owner, id) + ":msgs" }
func (s *RedisStore) indexKey(owner string) string    { return s.prefix + owner + ":index" }

// Create implements Store
func (s *RedisStore) Create(ctx context.Context, owner string, meta map[string]string) (*Conversation, error) {
	c := newConversation(owner, meta, s.now())

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.headKey(owner, c.ID),
			"id", c.ID,
			"owner", owner,
			"created_at", c.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		p.HSet(ctx, s.metaKey(owner, c.ID), flatten(c.Metadata)...)
		p.ZAdd(ctx, s.indexKey(owner), redis.Z{Score: float64(c.CreatedAt.UnixNano()), Member: c.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis create conversation: %w", err)
	}
	return c, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, owner, id string) (*Conversation, error) {
	var head, meta *redis.MapStringStringCmd
	var msgs *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		head = p.HGetAll(ctx, s.headKey(owner, id))
		meta = p.HGetAll(ctx, s.metaKey(owner, id))
		msgs = p.LRange(ctx, s.msgsKey(owner, id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis get conversation %s: %w", id, err)
	}

	h := head.Val()
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	created, _ := time.Parse(time.RFC3339Nano, h["created_at"])
	c := &Conversation{
		ID:        h["id"],
		Owner:     h["owner"],
		CreatedAt: created,
		Metadata:  meta.Val(),
	}
	for _, raw := range msgs.Val() {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message in %s: %w", id, err)
		}
		c.Messages = append(c.Messages, m)
	}
	return c, nil
}

// Append implements Store
func (s *RedisStore) Append(ctx context.Context, owner, id string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ok, err := appendScript.Run(ctx, s.client,
		[]string{s.headKey(owner, id), s.msgsKey(owner, id)}, data).Int()
	if err != nil {
		return fmt.Errorf("redis append to %s: %w", id, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata implements Store
func (s *RedisStore) UpdateMetadata(ctx context.Context, owner, id string, meta map[string]string) error {
	n, err := s.client.Exists(ctx, s.headKey(owner, id)).Result()
	if err != nil {
		return fmt.Errorf("redis update metadata %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if len(meta) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, s.metaKey(owner, id), flatten(meta)...).Err(); err != nil {
		return fmt.Errorf("redis update metadata %s: %w", id, err)
	}
	return nil
}

// List implements Store
func (s *RedisStore) List(ctx context.Context, owner string, limit int) ([]Summary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(owner), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list conversations: %w", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		var head, meta *redis.MapStringStringCmd
		var count *redis.IntCmd
		_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			head = p.HGetAll(ctx, s.headKey(owner, id))
			meta = p.HGetAll(ctx, s.metaKey(owner, id))
			count = p.LLen(ctx, s.msgsKey(owner, id))
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis list conversation %s: %w", id, err)
		}
		if len(head.Val()) == 0 {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, head.Val()["created_at"])
		out = append(out, Summary{
			ID:           id,
			CreatedAt:    created,
			MessageCount: int(count.Val()),
			Metadata:     meta.Val(),
		})
	}
	return out, nil
}

func flatten(m map[string]string) []interface{} {
	out := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
