package config

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/StricklySoft/stricklysoft-delegation/pkg/audit"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/exchange"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/gateway"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/tokencache"
)

// DefaultEnvPrefix is the variable prefix used by [LoadGateway].
const DefaultEnvPrefix = "GATEWAY"

// ServerConfig controls the listeners.
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr" env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// GRPCAddr enables the gRPC listener when set.
	GRPCAddr string `yaml:"grpc_addr" json:"grpc_addr" env:"GRPC_ADDR"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string `yaml:"level" json:"level" env:"LEVEL" envDefault:"info"`
	Development bool   `yaml:"development" json:"development" env:"DEVELOPMENT"`
}

// NewLogger builds a JSON zap logger at the configured level, or a console
// logger in development mode.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, sserr.Newf(sserr.CodeValidation, "config: unknown log level %q", c.Level)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "config: failed to build logger")
	}
	return logger, nil
}

// GatewayConfig is the complete configuration of the delegation gateway.
// Issuers, roles and modules come from the config file only; everything
// else can also be set through GATEWAY_* variables.
type GatewayConfig struct {
	Server ServerConfig `yaml:"server" json:"server" env:"SERVER"`
	Log    LogConfig    `yaml:"log" json:"log" env:"LOG"`

	Issuers []auth.TrustedIssuer `yaml:"issuers" json:"issuers"`

	// KeyRefreshInterval is the minimum spacing between signing-key
	// refreshes triggered by unknown key ids.
	KeyRefreshInterval time.Duration `yaml:"key_refresh_interval" json:"key_refresh_interval" env:"KEY_REFRESH_INTERVAL" envDefault:"10s"`

	Roles auth.RoleMappingConfig `yaml:"roles" json:"roles"`

	Cache    tokencache.Config `yaml:"cache" json:"cache" env:"CACHE"`
	Exchange exchange.Config   `yaml:"exchange" json:"exchange" env:"EXCHANGE"`

	Modules map[string]gateway.ModuleConfig `yaml:"modules" json:"modules"`

	Audit audit.Config `yaml:"audit" json:"audit" env:"AUDIT"`
}

// Validate implements [Validator]. Issuers and role rules are checked with
// the same code that builds them at startup, so a config that loads also
// starts.
func (c *GatewayConfig) Validate() error {
	if len(c.Issuers) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "config: at least one trusted issuer is required")
	}
	if _, err := auth.NewIssuerSet(c.Issuers); err != nil {
		return err
	}
	if _, err := auth.NewRoleMapper(c.Roles); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return sserr.Newf(sserr.CodeValidation, "config: unknown log level %q", c.Log.Level)
	}
	if c.KeyRefreshInterval <= 0 {
		return sserr.New(sserr.CodeValidationRange, "config: key_refresh_interval must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "config: server shutdown_timeout must be positive")
	}
	for name, mc := range c.Modules {
		if name == "" {
			return sserr.New(sserr.CodeValidationRequired, "config: module names must not be empty")
		}
		if err := mc.Validate(); err != nil {
			return err
		}
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Exchange.Validate(); err != nil {
		return err
	}
	return c.Audit.Validate()
}

// LoadGateway reads path (optional) and GATEWAY_* variables into a
// validated [GatewayConfig].
func LoadGateway(path string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := New().WithEnvPrefix(DefaultEnvPrefix).WithFile(path).Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
