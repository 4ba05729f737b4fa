package audit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// DefaultRedisKey is the list entries are appended to.
const DefaultRedisKey = "audit:entries"

// ListAppender is the subset of a go-redis client the Redis sink needs.
type ListAppender interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

var _ ListAppender = (*redis.Client)(nil)

// RedisConfig configures [OpenRedis].
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"ADDR" envDefault:"localhost:6379"`
	URI      Secret `yaml:"uri" json:"-" env:"URI"`
	Password Secret `yaml:"password" json:"-" env:"PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"DB"`
	Key      string `yaml:"key" json:"key" env:"KEY" envDefault:"audit:entries"`
	MaxLen   int64  `yaml:"max_len" json:"max_len" env:"MAX_LEN"`
}

// RedisSink appends JSON-encoded entries to a Redis list, where a log
// shipper can drain them. When maxLen is positive the list is trimmed to the
// newest maxLen entries after each append.
type RedisSink struct {
	client ListAppender
	key    string
	maxLen int64
}

// NewRedisSink writes to key through client. An empty key means
// DefaultRedisKey.
func NewRedisSink(client ListAppender, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}
}

// OpenRedis connects a client and returns a sink over it. URI, when set,
// takes precedence over Addr, Password and DB.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisSink, *redis.Client, error) {
	var opts *redis.Options
	if cfg.URI != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URI.Value()); err != nil {
			return nil, nil, sserr.New(sserr.CodeInternalConfiguration, "audit: invalid redis URI")
		}
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password.Value(), DB: cfg.DB}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, sserr.Wrap(err, sserr.CodeUnavailable, "audit: redis is unreachable")
	}
	return NewRedisSink(client, cfg.Key, cfg.MaxLen), client, nil
}

// Append implements [Sink].
func (s *RedisSink) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "audit: entry is not serializable")
	}
	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailable, "audit: redis append failed")
	}
	if s.maxLen > 0 {
		if err := s.client.LTrim(ctx, s.key, -s.maxLen, -1).Err(); err != nil {
			return sserr.Wrap(err, sserr.CodeUnavailable, "audit: redis trim failed")
		}
	}
	return nil
}
