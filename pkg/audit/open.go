package audit

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// Sink kinds accepted in [Config.Sinks].
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkObject   = "object"
)

// Config selects and configures the audit stores. Entries fan out to every
// listed sink.
type Config struct {
	Sinks []string `yaml:"sinks" json:"sinks" env:"SINKS" envDefault:"log"`

	// Buffer, when positive, queues entries in an [AsyncSink] of that size
	// in front of the stores.
	Buffer int `yaml:"buffer" json:"buffer" env:"BUFFER" envDefault:"1024"`

	Postgres PostgresConfig `yaml:"postgres" json:"postgres" env:"POSTGRES"`
	Redis    RedisConfig    `yaml:"redis" json:"redis" env:"REDIS"`
	Object   ObjectConfig   `yaml:"object" json:"object" env:"OBJECT"`
}

// Validate implements the config loader's Validator interface.
func (c Config) Validate() error {
	if len(c.Sinks) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "audit: at least one sink must be configured")
	}
	for _, kind := range c.Sinks {
		switch strings.ToLower(kind) {
		case SinkLog, SinkObject:
		case SinkPostgres:
			if c.Postgres.URI == "" {
				return sserr.New(sserr.CodeValidationRequired, "audit: postgres sink requires a uri")
			}
		case SinkRedis:
			if c.Redis.URI == "" && c.Redis.Addr == "" {
				return sserr.New(sserr.CodeValidationRequired, "audit: redis sink requires an addr or uri")
			}
		default:
			return sserr.Newf(sserr.CodeValidation, "audit: unknown sink %q", kind)
		}
	}
	return nil
}

// Opened is the sink built by [Open] together with the connections behind
// it.
type Opened struct {
	Sink Sink

	closers []func(context.Context) error
}

// Close drains any async queue, then releases the store connections.
func (o *Opened) Close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(o.closers) {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open connects every configured store and returns their fan-out. On error,
// stores opened so far are closed again.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (_ *Opened, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Opened{}
	defer func() {
		if retErr != nil {
			_ = o.Close(context.Background())
		}
	}()

	var sinks MultiSink
	for _, kind := range cfg.Sinks {
		switch strings.ToLower(kind) {
		case SinkLog:
			sinks = append(sinks, NewLogSink(logger))
		case SinkPostgres:
			s, pool, err := OpenPostgres(ctx, cfg.Postgres)
			if err != nil {
				return nil, err
			}
			o.closers = append(o.closers, func(context.Context) error { pool.Close(); return nil })
			sinks = append(sinks, s)
		case SinkRedis:
			s, client, err := OpenRedis(ctx, cfg.Redis)
			if err != nil {
				return nil, err
			}
			o.closers = append(o.closers, func(context.Context) error { return client.Close() })
			sinks = append(sinks, s)
		case SinkObject:
			s, _, err := OpenObjectStore(cfg.Object)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		}
	}

	var sink Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}
	if cfg.Buffer > 0 {
		async := NewAsyncSink(sink, cfg.Buffer, logger)
		o.closers = append(o.closers, async.Close)
		sink = async
	}
	o.Sink = sink
	logger.Info("audit sinks opened", zap.Strings("sinks", cfg.Sinks), zap.Int("buffer", cfg.Buffer))
	return o, nil
}
