// Package config provides configuration loading for the concierge service
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration
type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Quota     QuotaConfig     `yaml:"quota"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Cassandra CassandraConfig `yaml:"cassandra"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the listeners
type ServerConfig struct {
	// HTTPAddr serves the public API
	HTTPAddr string `yaml:"http_addr"`
	// ObservabilityAddr serves /metrics, /health, /ready and pprof
	ObservabilityAddr string `yaml:"observability_addr"`
	// GrpcAddr serves the gRPC health service; empty disables it
	GrpcAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QuotaConfig configures rate limiting and the trial allowance
type QuotaConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	TrialLimit  int64         `yaml:"trial_limit"`
	// EphemeralPrefix marks identities subject to the trial allowance
	EphemeralPrefix string `yaml:"ephemeral_prefix"`
	// Backend is "memory" or "redis"
	Backend string `yaml:"backend"`
}

// AuthConfig configures credential verification
type AuthConfig struct {
	OktaDomain   string `yaml:"okta_domain"`
	OktaAudience string `yaml:"okta_audience"`
	OktaClientID string `yaml:"okta_client_id"`
	// StaticTokens maps bearer tokens to identities; only honored outside production
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// StorageConfig selects the conversation store
type StorageConfig struct {
	// Backend is "memory", "redis" or "cassandra"
	Backend string `yaml:"backend"`
}

// RedisConfig configures the shared Redis client
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// CassandraConfig configures the Cassandra conversation store
type CassandraConfig struct {
	Hosts          []string      `yaml:"hosts"`
	Keyspace       string        `yaml:"keyspace"`
	Consistency    string        `yaml:"consistency"`
	Replication    string        `yaml:"replication"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
}

// CorpusConfig configures event corpus acquisition
type CorpusConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Source is "file" or "s3"
	Source       string        `yaml:"source"`
	Dir          string        `yaml:"dir"`
	S3           S3Config      `yaml:"s3"`
	Cache        string        `yaml:"cache"` // memory or redis
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxRetries   uint64        `yaml:"max_retries"`
	// WarmSchedule is a cron spec for refreshing every city; empty disables it
	WarmSchedule string `yaml:"warm_schedule"`
}

// S3Config locates crawler snapshots in an S3-compatible bucket
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// PipelineConfig configures chat turn orchestration
type PipelineConfig struct {
	SupportedCities []string      `yaml:"supported_cities"`
	DefaultCity     string        `yaml:"default_city"`
	TopN            int           `yaml:"top_n"`
	ExtractTimeout  time.Duration `yaml:"extract_timeout"`
	CorpusTimeout   time.Duration `yaml:"corpus_timeout"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`
}

// AuditConfig configures where audit events go besides the log
type AuditConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			HTTPAddr:          ":8080",
			ObservabilityAddr: ":9090",
			GrpcAddr:          ":50051",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      90 * time.Second,
			ShutdownTimeout:   20 * time.Second,
		},
		Quota: QuotaConfig{
			MaxRequests:     10,
			Window:          60 * time.Second,
			TrialLimit:      5,
			EphemeralPrefix: "user_",
			Backend:         "memory",
		},
		Storage: StorageConfig{Backend: "memory"},
		Redis: RedisConfig{
			Addrs:  []string{"localhost:6379"},
			Prefix: "concierge:",
		},
		Cassandra: CassandraConfig{
			Hosts:          []string{"localhost:9042"},
			Keyspace:       "concierge",
			Consistency:    "LOCAL_QUORUM",
			ConnectTimeout: 10 * time.Second,
		},
		Corpus: CorpusConfig{
			TTL:          6 * time.Hour,
			Source:       "file",
			Dir:          "data/events",
			Cache:        "memory",
			FetchTimeout: 20 * time.Second,
			MaxRetries:   2,
			WarmSchedule: "",
		},
		Pipeline: PipelineConfig{
			SupportedCities: []string{"new_york", "los_angeles", "san_francisco", "chicago", "miami", "austin", "seattle", "boston"},
			DefaultCity:     "new york",
			TopN:            10,
			ExtractTimeout:  10 * time.Second,
			CorpusTimeout:   60 * time.Second,
			SearchTimeout:   30 * time.Second,
		},
		Audit: AuditConfig{Subject: "concierge.audit"},
		Log:   LogConfig{Level: "info"},
	}
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Quota.MaxRequests <= 0 {
		return fmt.Errorf("quota.max_requests must be positive")
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("quota.window must be positive")
	}
	if c.Quota.TrialLimit < 0 {
		return fmt.Errorf("quota.trial_limit must not be negative")
	}
	if c.Corpus.TTL <= 0 {
		return fmt.Errorf("corpus.ttl must be positive")
	}
	switch c.Quota.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("quota.backend %q is not one of memory, redis", c.Quota.Backend)
	}
	switch c.Storage.Backend {
	case "memory", "redis", "cassandra":
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, redis, cassandra", c.Storage.Backend)
	}
	switch c.Corpus.Source {
	case "file":
		if c.Corpus.Dir == "" {
			return fmt.Errorf("corpus.dir is required for the file source")
		}
	case "s3":
		if c.Corpus.S3.Bucket == "" {
			return fmt.Errorf("corpus.s3.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("corpus.source %q is not one of file, s3", c.Corpus.Source)
	}
	switch c.Corpus.Cache {
	case "memory", "redis":
	default:
		return fmt.Errorf("corpus.cache %q is not one of memory, redis", c.Corpus.Cache)
	}
	if c.Auth.OktaDomain == "" && len(c.Auth.StaticTokens) == 0 {
		return fmt.Errorf("auth: configure okta_domain or static_tokens")
	}
	if c.IsProduction() && c.Auth.OktaDomain == "" {
		return fmt.Errorf("auth.okta_domain is required in production")
	}
	if len(c.Pipeline.SupportedCities) == 0 {
		return fmt.Errorf("pipeline.supported_cities must not be empty")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load reads path when non-empty, then applies environment overrides
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is
// os.LookupEnv in production and a map in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CONCIERGE_ENV"); ok && v != "" {
		c.Env = v
	}
	if v, ok := lookup("API_RATE_LIMIT_MAX"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("API_RATE_LIMIT_MAX: %w", err)
		}
		c.Quota.MaxRequests = n
	}
	if v, ok := lookup("API_RATE_LIMIT_WINDOW"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("API_RATE_LIMIT_WINDOW: %w", err)
		}
		c.Quota.Window = time.Duration(n) * time.Second
	}
	if v, ok := lookup("CONCIERGE_TRIAL_LIMIT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONCIERGE_TRIAL_LIMIT: %w", err)
		}
		c.Quota.TrialLimit = n
	}
	if v, ok := lookup("CONCIERGE_CACHE_TTL_HOURS"); ok && v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CONCIERGE_CACHE_TTL_HOURS: %w", err)
		}
		c.Corpus.TTL = time.Duration(h * float64(time.Hour))
	}
	if v, ok := lookup("OKTA_DOMAIN"); ok && v != "" {
		c.Auth.OktaDomain = v
	}
	if v, ok := lookup("OKTA_CLIENT_ID"); ok && v != "" {
		c.Auth.OktaClientID = v
	}
	if v, ok := lookup("OKTA_AUDIENCE"); ok && v != "" {
		c.Auth.OktaAudience = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addrs = strings.Split(v, ",")
	}
	if v, ok := lookup("CASSANDRA_HOSTS"); ok && v != "" {
		c.Cassandra.Hosts = strings.Split(v, ",")
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		c.Audit.NATSURL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}
