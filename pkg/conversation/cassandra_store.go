package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

// CassandraConfig configures a CassandraStore
type CassandraConfig struct {
	Hosts             []string
	Keyspace          string
	Consistency       gocql.Consistency
	ReplicationClause string
	ConnectTimeout    time.Duration
	Username          string
	Password          string
}

// CassandraStore keeps conversations in two tables partitioned by owner so
// every read is owner-scoped at the storage layer
type CassandraStore struct {
	session  *gocql.Session
	keyspace string
	now      func() time.Time
}

// NewCassandraStore opens a session and creates the keyspace and tables if needed
func NewCassandraStore(cfg CassandraConfig) (*CassandraStore, error) {
	if cfg.Keyspace == "" {
		cfg.Keyspace = "concierge"
	}
	if cfg.Consistency == gocql.Any {
		cfg.Consistency = gocql.LocalQuorum
	}
	if cfg.ReplicationClause == "" {
		cfg.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Consistency = cfg.Consistency
	if cfg.ConnectTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}
	if err := initSchema(session, cfg); err != nil {
		session.Close()
		return nil, err
	}
	return &CassandraStore{session: session, keyspace: cfg.Keyspace, now: time.Now}, nil
}

func initSchema(s *gocql.Session, cfg CassandraConfig) error {
	stmts := []string{
		fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", cfg.Keyspace, cfg.ReplicationClause),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.conversations (owner text, id text, created_at timestamp, metadata map<text, text>, PRIMARY KEY ((owner), id));", cfg.Keyspace),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.messages (owner text, conversation_id text, seq timeuuid, body blob, PRIMARY KEY ((owner, conversation_id), seq)) WITH CLUSTERING ORDER BY (seq ASC);", cfg.Keyspace),
	}
	for _, stmt := range stmts {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("init cassandra schema: %w", err)
		}
	}
	return nil
}

// Close releases the session
func (s *CassandraStore) Close() {
	s.session.Close()
}

// Create implements Store
func (s *CassandraStore) Create(ctx context.Context, owner string, meta map[string]string) (*Conversation, error) {
	c := newConversation(owner, meta, s.now())
	stmt := fmt.Sprintf("INSERT INTO %s.conversations (owner, id, created_at, metadata) VALUES (?, ?, ?, ?);", s.keyspace)
	if err := s.session.Query(stmt, owner, c.ID, c.CreatedAt, c.Metadata).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("cassandra create conversation: %w", err)
	}
	return c, nil
}

func (s *CassandraStore) header(ctx context.Context, owner, id string) (*Conversation, error) {
	stmt := fmt.Sprintf("SELECT created_at, metadata FROM %s.conversations WHERE owner = ? AND id = ?;", s.keyspace)
	c := &Conversation{ID: id, Owner: owner}
	err := s.session.Query(stmt, owner, id).WithContext(ctx).Scan(&c.CreatedAt, &c.Metadata)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cassandra get conversation %s: %w", id, err)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return c, nil
}

// Get implements Store
func (s *CassandraStore) Get(ctx context.Context, owner, id string) (*Conversation, error) {
	c, err := s.header(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("SELECT body FROM %s.messages WHERE owner = ? AND conversation_id = ?;", s.keyspace)
	iter := s.session.Query(stmt, owner, id).WithContext(ctx).Iter()
	var body []byte
	for iter.Scan(&body) {
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			iter.Close()
			return nil, fmt.Errorf("decode message in %s: %w", id, err)
		}
		c.Messages = append(c.Messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("cassandra read messages %s: %w", id, err)
	}
	return c, nil
}

// Append implements Store
func (s *CassandraStore) Append(ctx context.Context, owner, id string, msg Message) error {
	if _, err := s.header(ctx, owner, id); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s.messages (owner, conversation_id, seq, body) VALUES (?, ?, ?, ?);", s.keyspace)
	if err := s.session.Query(stmt, owner, id, gocql.TimeUUID(), body).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("cassandra append to %s: %w", id, err)
	}
	return nil
}

// UpdateMetadata implements Store
func (s *CassandraStore) UpdateMetadata(ctx context.Context, owner, id string, meta map[string]string) error {
	if _, err := s.header(ctx, owner, id); err != nil {
		return err
	}
	stmt := fmt.Sprintf("UPDATE %s.conversations SET metadata = metadata + ? WHERE owner = ? AND id = ?;", s.keyspace)
	if err := s.session.Query(stmt, meta, owner, id).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("cassandra update metadata %s: %w", id, err)
	}
	return nil
}

// List implements Store
func (s *CassandraStore) List(ctx context.Context, owner string, limit int) ([]Summary, error) {
	stmt := fmt.Sprintf("SELECT id, created_at, metadata FROM %s.conversations WHERE owner = ?;", s.keyspace)
	iter := s.session.Query(stmt, owner).WithContext(ctx).Iter()

	var out []Summary
	var (
		id      string
		created time.Time
		meta    map[string]string
	)
	for iter.Scan(&id, &created, &meta) {
		out = append(out, Summary{ID: id, CreatedAt: created, Metadata: meta})
		meta = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("cassandra list conversations: %w", err)
	}

	sortSummaries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s.messages WHERE owner = ? AND conversation_id = ?;", s.keyspace)
	for i := range out {
		var n int
		if err := s.session.Query(countStmt, owner, out[i].ID).WithContext(ctx).Scan(&n); err != nil {
			return nil, fmt.Errorf("cassandra count messages %s: %w", out[i].ID, err)
		}
		out[i].MessageCount = n
	}
	return out, nil
}
