package exchange

import (
	"time"

	"golang.org/x/oauth2"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// RFC 8693 identifiers.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeJWT           = "urn:ietf:params:oauth:token-type:jwt"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultLifetime = 5 * time.Minute

	ClientAuthHeader = "header"
	ClientAuthParams = "params"
)

// Config holds exchange settings shared by every issuer. Per-issuer token
// type overrides live on the issuer itself.
type Config struct {
	// Timeout bounds one exchange round trip, including when the caller
	// has already gone away.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT" envDefault:"10s"`

	SubjectTokenType   string `yaml:"subject_token_type" json:"subject_token_type" env:"SUBJECT_TOKEN_TYPE" envDefault:"urn:ietf:params:oauth:token-type:access_token"`
	RequestedTokenType string `yaml:"requested_token_type" json:"requested_token_type" env:"REQUESTED_TOKEN_TYPE"`

	// DefaultLifetime is assumed when the response carries no expires_in
	// and the token is not a JWT with an exp claim.
	DefaultLifetime time.Duration `yaml:"default_lifetime" json:"default_lifetime" env:"DEFAULT_LIFETIME" envDefault:"5m"`

	// ClientAuth selects how client credentials are sent: HTTP basic
	// ("header") or form fields ("params"). The style is fixed so a
	// rejected exchange is never replayed with the other style.
	ClientAuth string `yaml:"client_auth" json:"client_auth" env:"CLIENT_AUTH" envDefault:"header"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		SubjectTokenType: TokenTypeAccessToken,
		DefaultLifetime:  DefaultLifetime,
		ClientAuth:       ClientAuthHeader,
	}
}

// Validate implements the config loader's Validator interface.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "exchange: timeout must be positive")
	}
	if c.DefaultLifetime <= 0 {
		return sserr.New(sserr.CodeValidationRange, "exchange: default_lifetime must be positive")
	}
	if c.SubjectTokenType == "" {
		return sserr.New(sserr.CodeValidationRequired, "exchange: subject_token_type must not be empty")
	}
	switch c.ClientAuth {
	case ClientAuthHeader, ClientAuthParams:
		return nil
	default:
		return sserr.Newf(sserr.CodeValidation, "exchange: unknown client_auth %q", c.ClientAuth)
	}
}

func (c Config) authStyle() oauth2.AuthStyle {
	if c.ClientAuth == ClientAuthParams {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}
