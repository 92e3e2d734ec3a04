package main

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/redis/go-redis/v9"

	"github.com/nainya/concierge/internal/config"
	"github.com/nainya/concierge/internal/logger"
	"github.com/nainya/concierge/internal/metrics"
	"github.com/nainya/concierge/internal/server"
	"github.com/nainya/concierge/pkg/audit"
	"github.com/nainya/concierge/pkg/conversation"
	"github.com/nainya/concierge/pkg/corpus"
	"github.com/nainya/concierge/pkg/extraction"
	"github.com/nainya/concierge/pkg/identity"
	"github.com/nainya/concierge/pkg/pipeline"
	"github.com/nainya/concierge/pkg/quota"
	"github.com/nainya/concierge/pkg/search"
)

// services is the assembled object graph behind the API
type services struct {
	metrics     *metrics.Metrics
	verifier    identity.Verifier
	rateLimiter *quota.RateLimiter
	store       conversation.Store
	authorizer  *conversation.Authorizer
	corpus      *corpus.Manager
	pipeline    *pipeline.Pipeline
	readyChecks map[string]server.ReadyCheck

	closers []func()
}

// Close releases connections in reverse order of creation
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func usesRedis(cfg *config.Config) bool {
	return cfg.Quota.Backend == "redis" || cfg.Storage.Backend == "redis" || cfg.Corpus.Cache == "redis"
}

// newRedisClient returns nil when no component is configured for Redis
func newRedisClient(cfg *config.Config) redis.UniversalClient {
	if !usesRedis(cfg) {
		return nil
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func buildServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services, error) {
	svc := &services{
		metrics:     metrics.NewMetrics(),
		readyChecks: map[string]server.ReadyCheck{},
	}
	zl := log.Zerolog()

	redisClient := newRedisClient(cfg)
	if redisClient != nil {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = redisClient.Close() })
		svc.readyChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.verifier = verifier

	var windows quota.WindowStore = quota.NewMemoryWindowStore()
	var trials quota.TrialStore = quota.NewMemoryTrialStore()
	if cfg.Quota.Backend == "redis" {
		windows = quota.NewRedisWindowStore(redisClient, cfg.Redis.Prefix+"rate:")
		trials = quota.NewRedisTrialStore(redisClient, cfg.Redis.Prefix+"trial:")
	}
	svc.rateLimiter = quota.NewRateLimiter(quota.RateLimiterConfig{
		MaxRequests: cfg.Quota.MaxRequests,
		Window:      cfg.Quota.Window,
		Store:       windows,
		Logger:      log.Component("quota").Zerolog(),
	})
	trial := quota.NewTrialCounter(quota.TrialCounterConfig{
		Limit:           cfg.Quota.TrialLimit,
		EphemeralPrefix: cfg.Quota.EphemeralPrefix,
		Store:           trials,
		Logger:          log.Component("trial").Zerolog(),
	})

	store, err := newConversationStore(cfg, redisClient)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if cs, ok := store.(*conversation.CassandraStore); ok {
		svc.closers = append(svc.closers, cs.Close)
	}
	svc.store = store

	sink, err := newAuditSink(cfg, log)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if closer, ok := sink.(interface{ Close() error }); ok {
		svc.closers = append(svc.closers, func() { _ = closer.Close() })
	}
	svc.authorizer = conversation.NewAuthorizer(store, sink, zl)

	svc.corpus = newCorpusManager(cfg, redisClient, log)

	kw := extraction.NewKeywordExtractor(cfg.Pipeline.SupportedCities)
	svc.pipeline, err = pipeline.New(pipeline.Config{
		Store:           store,
		Authorizer:      svc.authorizer,
		Trial:           trial,
		Extractor:       kw,
		Heuristic:       kw,
		Corpus:          svc.corpus,
		Ranker:          search.KeywordRanker{TopN: cfg.Pipeline.TopN},
		Audit:           sink,
		Observer:        svc.metrics,
		SupportedCities: cfg.Pipeline.SupportedCities,
		DefaultCity:     cfg.Pipeline.DefaultCity,
		ExtractTimeout:  cfg.Pipeline.ExtractTimeout,
		CorpusTimeout:   cfg.Pipeline.CorpusTimeout,
		SearchTimeout:   cfg.Pipeline.SearchTimeout,
		Logger:          zl,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// newVerifier chains Okta with static tokens; static tokens are ignored in
// production
func newVerifier(cfg *config.Config, log *logger.Logger) (identity.Verifier, error) {
	var chain identity.Chain
	if cfg.Auth.OktaDomain != "" {
		chain = append(chain, identity.NewOktaVerifier(identity.OktaConfig{
			Domain:   cfg.Auth.OktaDomain,
			Audience: cfg.Auth.OktaAudience,
			ClientID: cfg.Auth.OktaClientID,
		}))
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		if cfg.IsProduction() {
			log.Warn("static tokens configured in production, ignoring them").Send()
		} else {
			chain = append(chain, identity.NewStaticVerifier(cfg.Auth.StaticTokens))
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no credential verifier configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func newConversationStore(cfg *config.Config, redisClient redis.UniversalClient) (conversation.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return conversation.NewRedisStore(redisClient, cfg.Redis.Prefix+"conv:"), nil
	case "cassandra":
		consistency, err := gocql.ParseConsistencyWrapper(cfg.Cassandra.Consistency)
		if err != nil {
			return nil, fmt.Errorf("cassandra.consistency: %w", err)
		}
		return conversation.NewCassandraStore(conversation.CassandraConfig{
			Hosts:             cfg.Cassandra.Hosts,
			Keyspace:          cfg.Cassandra.Keyspace,
			Consistency:       consistency,
			ReplicationClause: cfg.Cassandra.Replication,
			ConnectTimeout:    cfg.Cassandra.ConnectTimeout,
			Username:          cfg.Cassandra.Username,
			Password:          cfg.Cassandra.Password,
		})
	default:
		return conversation.NewMemoryStore(), nil
	}
}

func newAuditSink(cfg *config.Config, log *logger.Logger) (audit.Sink, error) {
	logSink := audit.NewLogSink(log.Component("audit").Zerolog())
	if cfg.Audit.NATSURL == "" {
		return logSink, nil
	}
	natsSink, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.Subject)
	if err != nil {
		return nil, err
	}
	return closingMulti{Multi: audit.Multi{logSink, natsSink}, nats: natsSink}, nil
}

// closingMulti lets the service drain the NATS connection on shutdown
type closingMulti struct {
	audit.Multi
	nats *audit.NATSSink
}

func (m closingMulti) Close() error { return m.nats.Close() }

func newCorpusManager(cfg *config.Config, redisClient redis.UniversalClient, log *logger.Logger) *corpus.Manager {
	var fetcher corpus.Fetcher = corpus.FileFetcher{Dir: cfg.Corpus.Dir}
	if cfg.Corpus.Source == "s3" {
		s3cfg := cfg.Corpus.S3
		fetcher = corpus.NewS3Fetcher(corpus.S3Config{
			Bucket:    s3cfg.Bucket,
			Prefix:    s3cfg.Prefix,
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			PathStyle: s3cfg.PathStyle,
		})
	}

	var cache corpus.Cache = corpus.NewMemoryCache()
	if cfg.Corpus.Cache == "redis" && redisClient != nil {
		// expired entries stay readable for a few TTLs
		cache = corpus.NewRedisCache(redisClient, cfg.Redis.Prefix+"corpus:", 4*cfg.Corpus.TTL)
	}

	return corpus.NewManager(corpus.ManagerConfig{
		Fetcher:      fetcher,
		Cache:        cache,
		TTL:          cfg.Corpus.TTL,
		FetchTimeout: cfg.Corpus.FetchTimeout,
		MaxRetries:   cfg.Corpus.MaxRetries,
		Logger:       log.Component("corpus").Zerolog(),
	})
}

func newWarmer(cfg *config.Config, m *corpus.Manager, log *logger.Logger) *corpus.Warmer {
	return corpus.NewWarmer(m, cfg.Pipeline.SupportedCities, cfg.Corpus.WarmSchedule, log.Zerolog())
}
