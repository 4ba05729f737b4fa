package tokencache

import (
	"time"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// Supported AEAD ciphers. Both use a 256-bit key, a 96-bit nonce and a
// 128-bit tag.
const (
	CipherAESGCM           = "aes-256-gcm"
	CipherChaCha20Poly1305 = "chacha20-poly1305"
)

// Defaults applied by [DefaultConfig] and by the config loader's
// envDefault tags.
const (
	DefaultTTL                  = 60 * time.Second
	DefaultIdleTimeout          = 15 * time.Minute
	DefaultSweepInterval        = time.Minute
	DefaultMaxEntriesPerSession = 16
	DefaultMaxEntries           = 10000
)

// Config controls the delegation cache.
//
// Enabled is read by whoever wires the cache into the exchange client; the
// cache itself does not consult it. The rest of the system works the same
// with the cache absent.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED" envDefault:"false"`

	// TTL caps how long an entry is served, independently of the
	// delegation token's own expiry.
	TTL time.Duration `yaml:"ttl" json:"ttl" env:"TTL" envDefault:"60s"`

	// IdleTimeout evicts a session's key and entries after this long
	// without a Get or Set.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"15m"`

	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"SWEEP_INTERVAL" envDefault:"1m"`

	MaxEntriesPerSession int `yaml:"max_entries_per_session" json:"max_entries_per_session" env:"MAX_ENTRIES_PER_SESSION" envDefault:"16"`
	MaxEntries           int `yaml:"max_entries" json:"max_entries" env:"MAX_ENTRIES" envDefault:"10000"`

	Cipher string `yaml:"cipher" json:"cipher" env:"CIPHER" envDefault:"aes-256-gcm"`
}

// DefaultConfig returns a disabled configuration with default limits.
func DefaultConfig() Config {
	return Config{
		TTL:                  DefaultTTL,
		IdleTimeout:          DefaultIdleTimeout,
		SweepInterval:        DefaultSweepInterval,
		MaxEntriesPerSession: DefaultMaxEntriesPerSession,
		MaxEntries:           DefaultMaxEntries,
		Cipher:               CipherAESGCM,
	}
}

// Validate implements the config loader's Validator interface.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return sserr.New(sserr.CodeValidationRange, "tokencache: ttl must be positive")
	case c.IdleTimeout <= 0:
		return sserr.New(sserr.CodeValidationRange, "tokencache: idle_timeout must be positive")
	case c.SweepInterval <= 0:
		return sserr.New(sserr.CodeValidationRange, "tokencache: sweep_interval must be positive")
	case c.MaxEntriesPerSession <= 0:
		return sserr.New(sserr.CodeValidationRange, "tokencache: max_entries_per_session must be positive")
	case c.MaxEntries < c.MaxEntriesPerSession:
		return sserr.New(sserr.CodeValidationRange,
			"tokencache: max_entries must be at least max_entries_per_session")
	}
	switch c.Cipher {
	case CipherAESGCM, CipherChaCha20Poly1305:
		return nil
	default:
		return sserr.Newf(sserr.CodeValidation, "tokencache: unsupported cipher %q", c.Cipher)
	}
}
