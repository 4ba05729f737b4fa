package auth

import (
	"slices"
	"strings"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

const (
	// DefaultClockTolerance is applied when an issuer leaves ClockTolerance
	// zero.
	DefaultClockTolerance = 30 * time.Second

	// DefaultMaxTokenAge is applied when an issuer leaves MaxTokenAge zero.
	DefaultMaxTokenAge = time.Hour

	// DefaultKeyCacheTTL bounds how long fetched signing keys are trusted
	// before a background refresh.
	DefaultKeyCacheTTL = time.Hour

	// minSharedKeyLength is the minimum HMAC key length, matching the output
	// size of SHA-256.
	minSharedKeyLength = 32
)

// supportedAlgorithms is the closed set an issuer may allow. "none" is
// deliberately absent.
var supportedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
	"HS256": true, "HS384": true, "HS512": true,
}

// TrustedIssuer is one identity provider the gateway accepts bearer tokens
// from. The pair (Issuer, Audience) identifies it. Issuers are loaded once at
// startup and treated as immutable afterwards.
type TrustedIssuer struct {
	// Name is a short label used in logs and audit metadata.
	Name string `yaml:"name" json:"name"`

	// Issuer must equal the token's "iss" claim exactly.
	Issuer string `yaml:"issuer" json:"issuer"`

	// Audience must appear in the token's "aud" claim.
	Audience string `yaml:"audience" json:"audience"`

	// JWKSURL is the key-resolution endpoint. Left empty with Discover set,
	// it is filled from the provider's discovery document.
	JWKSURL string `yaml:"jwks_url" json:"jwks_url"`

	// TokenEndpoint receives token exchange requests.
	TokenEndpoint string `yaml:"token_endpoint" json:"token_endpoint"`

	// Discover resolves empty endpoints through OpenID Connect discovery.
	Discover bool `yaml:"discover" json:"discover"`

	// Algorithms is the explicit signature algorithm allow-list.
	Algorithms []string `yaml:"algorithms" json:"algorithms"`

	// SharedKey verifies HS* signatures. Required only when an HMAC
	// algorithm is allowed.
	SharedKey Secret `yaml:"shared_key" json:"-"`

	// ClaimMappings maps logical fields to dotted claim paths. See
	// [ClaimMapping].
	ClaimMappings map[string]string `yaml:"claim_mappings" json:"claim_mappings"`

	// ClockTolerance is the leeway for exp, nbf and iat checks. Zero means
	// DefaultClockTolerance.
	ClockTolerance time.Duration `yaml:"clock_tolerance" json:"clock_tolerance"`

	// MaxTokenAge rejects tokens whose iat is older than this. Zero means
	// DefaultMaxTokenAge.
	MaxTokenAge time.Duration `yaml:"max_token_age" json:"max_token_age"`

	// KeyCacheTTL is how long fetched keys stay fresh. Zero means
	// DefaultKeyCacheTTL.
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl" json:"key_cache_ttl"`

	// ClientID and ClientSecret authenticate the gateway at TokenEndpoint.
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret Secret `yaml:"client_secret" json:"-"`

	// SubjectTokenType and RequestedTokenType override the RFC 8693 token
	// type URNs sent during exchange.
	SubjectTokenType   string `yaml:"subject_token_type" json:"subject_token_type"`
	RequestedTokenType string `yaml:"requested_token_type" json:"requested_token_type"`

	mapping *ClaimMapping
}

// Validate checks the issuer for internal consistency. It does not contact
// the provider.
func (t *TrustedIssuer) Validate() error {
	if t.Issuer == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: trusted issuer URL must not be empty")
	}
	if t.Audience == "" {
		return sserr.Newf(sserr.CodeValidationRequired, "auth: issuer %q has no audience", t.Issuer)
	}
	if len(t.Algorithms) == 0 {
		return sserr.Newf(sserr.CodeValidationRequired,
			"auth: issuer %q must list its allowed signature algorithms", t.Issuer)
	}
	needsKeys := false
	for _, alg := range t.Algorithms {
		if !supportedAlgorithms[alg] {
			return sserr.Newf(sserr.CodeValidation,
				"auth: issuer %q allows unsupported algorithm %q", t.Issuer, alg)
		}
		if isHMAC(alg) {
			if len(t.SharedKey.Value()) < minSharedKeyLength {
				return sserr.Newf(sserr.CodeValidation,
					"auth: issuer %q allows %s but its shared key is shorter than %d bytes",
					t.Issuer, alg, minSharedKeyLength)
			}
		} else {
			needsKeys = true
		}
	}
	if needsKeys && t.JWKSURL == "" && !t.Discover {
		return sserr.Newf(sserr.CodeValidationRequired,
			"auth: issuer %q needs a jwks_url or discovery", t.Issuer)
	}
	if t.ClockTolerance < 0 || t.MaxTokenAge < 0 || t.KeyCacheTTL < 0 {
		return sserr.Newf(sserr.CodeValidationRange,
			"auth: issuer %q has a negative duration setting", t.Issuer)
	}
	return nil
}

// Mapping returns the compiled claim mapping. It is nil until the issuer has
// been added to an [IssuerSet].
func (t *TrustedIssuer) Mapping() *ClaimMapping { return t.mapping }

// DisplayName returns Name, falling back to the issuer URL.
func (t *TrustedIssuer) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Issuer
}

// AllowsAlgorithm reports whether alg is on the allow-list.
func (t *TrustedIssuer) AllowsAlgorithm(alg string) bool {
	for _, a := range t.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

func (t *TrustedIssuer) clockTolerance() time.Duration {
	if t.ClockTolerance == 0 {
		return DefaultClockTolerance
	}
	return t.ClockTolerance
}

func (t *TrustedIssuer) maxTokenAge() time.Duration {
	if t.MaxTokenAge == 0 {
		return DefaultMaxTokenAge
	}
	return t.MaxTokenAge
}

func (t *TrustedIssuer) keyCacheTTL() time.Duration {
	if t.KeyCacheTTL == 0 {
		return DefaultKeyCacheTTL
	}
	return t.KeyCacheTTL
}

func isHMAC(alg string) bool {
	return strings.HasPrefix(alg, "HS")
}

// ---------------------------------------------------------------------------
// IssuerSet
// ---------------------------------------------------------------------------

type issuerKey struct {
	issuer   string
	audience string
}

// IssuerSet indexes trusted issuers by (issuer, audience).
type IssuerSet struct {
	byKey   map[issuerKey]*TrustedIssuer
	ordered []*TrustedIssuer
}

// NewIssuerSet validates each issuer, compiles its claim mapping and builds
// the lookup index. Duplicate (issuer, audience) pairs are rejected.
func NewIssuerSet(issuers []TrustedIssuer) (*IssuerSet, error) {
	if len(issuers) == 0 {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: at least one trusted issuer is required")
	}
	set := &IssuerSet{byKey: make(map[issuerKey]*TrustedIssuer, len(issuers))}
	for i := range issuers {
		iss := issuers[i]
		iss.Algorithms = append([]string(nil), iss.Algorithms...)
		if err := iss.Validate(); err != nil {
			return nil, err
		}
		mapping, err := CompileClaimMapping(iss.ClaimMappings)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidation, "auth: issuer %q", iss.Issuer)
		}
		iss.mapping = mapping

		key := issuerKey{issuer: iss.Issuer, audience: iss.Audience}
		if _, dup := set.byKey[key]; dup {
			return nil, sserr.Newf(sserr.CodeConflictAlreadyExists,
				"auth: issuer %q with audience %q is configured twice", iss.Issuer, iss.Audience)
		}
		p := &iss
		set.byKey[key] = p
		set.ordered = append(set.ordered, p)
	}
	return set, nil
}

// Lookup returns the issuer configured for exactly (issuer, audience).
func (s *IssuerSet) Lookup(issuer, audience string) (*TrustedIssuer, bool) {
	t, ok := s.byKey[issuerKey{issuer: issuer, audience: audience}]
	return t, ok
}

// Match returns the first issuer, in configuration order, whose URL is
// issuer and whose audience appears in audiences.
func (s *IssuerSet) Match(issuer string, audiences []string) (*TrustedIssuer, bool) {
	for _, t := range s.ordered {
		if t.Issuer == issuer && slices.Contains(audiences, t.Audience) {
			return t, true
		}
	}
	return nil, false
}

// Knows reports whether any configured issuer uses this issuer URL,
// regardless of audience.
func (s *IssuerSet) Knows(issuer string) bool {
	for _, t := range s.ordered {
		if t.Issuer == issuer {
			return true
		}
	}
	return false
}

// All returns the issuers in configuration order.
func (s *IssuerSet) All() []*TrustedIssuer {
	return append([]*TrustedIssuer(nil), s.ordered...)
}
