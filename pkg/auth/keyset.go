package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

const (
	// DefaultKeyRefreshInterval is the minimum spacing between two fetches of
	// the same issuer's key set triggered by unknown key ids.
	DefaultKeyRefreshInterval = 10 * time.Second

	keyFetchTimeout = 10 * time.Second
	maxJWKSBytes    = 1 << 20
)

// keySnapshot is an immutable view of one issuer's keys. Refreshes build a
// new snapshot and swap the pointer; readers never see a partial update.
type keySnapshot struct {
	keys      map[string]any
	fetchedAt time.Time
}

func (s *keySnapshot) lookup(kid string) (any, bool) {
	if key, ok := s.keys[kid]; ok {
		return key, true
	}
	// Tokens without a kid are accepted against a single-key set.
	if kid == "" && len(s.keys) == 1 {
		for _, key := range s.keys {
			return key, true
		}
	}
	return nil, false
}

// KeySet caches one issuer's signature verification keys.
//
// Lookups read the current snapshot without locking. An unknown key id
// triggers a refresh; concurrent refreshes for the issuer collapse into one
// request through singleflight, and refreshes are spaced at least
// refreshInterval apart so a stream of tokens with a bogus kid cannot hammer
// the provider. A failed refresh keeps the previous snapshot.
type KeySet struct {
	issuer          *TrustedIssuer
	client          *http.Client
	ttl             time.Duration
	refreshInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger

	current     atomic.Pointer[keySnapshot]
	lastAttempt atomic.Int64
	group       singleflight.Group
}

func newKeySet(iss *TrustedIssuer, client *http.Client, refreshInterval time.Duration,
	now func() time.Time, logger *zap.Logger,
) *KeySet {
	return &KeySet{
		issuer:          iss,
		client:          client,
		ttl:             iss.keyCacheTTL(),
		refreshInterval: refreshInterval,
		now:             now,
		logger:          logger.With(zap.String("issuer", iss.DisplayName())),
	}
}

// Key returns the public key for kid.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if snap := k.current.Load(); snap != nil {
		if key, ok := snap.lookup(kid); ok {
			if k.now().Sub(snap.fetchedAt) > k.ttl && k.refreshAllowed() {
				go func() { _, _ = k.refresh(context.WithoutCancel(ctx), false) }()
			}
			return key, nil
		}
		if !k.refreshAllowed() {
			return nil, sserr.Newf(sserr.CodeAuthenticationSignature,
				"auth: no signing key %q for issuer", kid)
		}
	} else if !k.refreshAllowed() {
		return nil, sserr.New(sserr.CodeUnavailableIssuer,
			"auth: issuer keys are unavailable")
	}

	snap, err := k.refresh(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.lookup(kid); ok {
		return key, nil
	}
	return nil, sserr.Newf(sserr.CodeAuthenticationSignature,
		"auth: no signing key %q for issuer", kid)
}

// Refresh fetches the key set now, bypassing the refresh interval.
func (k *KeySet) Refresh(ctx context.Context) error {
	_, err := k.refresh(ctx, true)
	return err
}

// Len returns the number of keys in the current snapshot.
func (k *KeySet) Len() int {
	if snap := k.current.Load(); snap != nil {
		return len(snap.keys)
	}
	return 0
}

func (k *KeySet) refreshAllowed() bool {
	last := k.lastAttempt.Load()
	return last == 0 || k.now().Sub(time.Unix(0, last)) >= k.refreshInterval
}

// refresh joins or starts the issuer's single in-flight fetch. The fetch is
// detached from ctx's cancellation so one cancelled caller cannot fail the
// fetch for every other waiter; ctx only bounds how long this caller waits.
// Unless force is set, a caller that arrives just after another fetch
// completed gets that snapshot instead of starting a new fetch.
func (k *KeySet) refresh(ctx context.Context, force bool) (*keySnapshot, error) {
	ch := k.group.DoChan(k.issuer.Issuer, func() (any, error) {
		if snap := k.current.Load(); snap != nil && !force && !k.refreshAllowed() {
			return snap, nil
		}
		k.lastAttempt.Store(k.now().UnixNano())
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()

		snap, err := k.fetch(fetchCtx)
		if err != nil {
			k.logger.Warn("auth: key set refresh failed", zap.Error(err))
			return nil, err
		}
		k.current.Store(snap)
		k.logger.Debug("auth: key set refreshed", zap.Int("keys", len(snap.keys)))
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeUnavailableIssuer,
			"auth: cancelled while waiting for issuer keys")
	}
}

func (k *KeySet) fetch(ctx context.Context) (_ *keySnapshot, retErr error) {
	ctx, span := startSpan(ctx, "auth.FetchKeys")
	defer func() {
		finishSpan(span, retErr)
		span.End()
	}()
	span.SetAttributes(attribute.String("auth.issuer", k.issuer.Issuer))

	url := k.issuer.JWKSURL
	if url == "" {
		return nil, sserr.New(sserr.CodeUnavailableIssuer, "auth: issuer has no key endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid key endpoint")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableIssuer, "auth: key endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeUnavailableIssuer,
			"auth: key endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableIssuer, "auth: failed to read key set")
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("auth.key_count", len(keys)))
	return &keySnapshot{keys: keys, fetchedAt: k.now()}, nil
}

// parseJWKS decodes each key independently so one malformed or unsupported
// entry does not discard the rest of the set. Encryption keys are skipped.
func parseJWKS(body []byte) (map[string]any, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableIssuer, "auth: key set is not valid JSON")
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			continue
		}
		if jwk.Use == "enc" {
			continue
		}
		if !jwk.IsPublic() {
			pub := jwk.Public()
			if !pub.Valid() {
				continue
			}
			jwk = pub
		}
		keys[jwk.KeyID] = jwk.Key
	}
	if len(keys) == 0 {
		return nil, sserr.New(sserr.CodeUnavailableIssuer, "auth: key set contains no usable signing keys")
	}
	return keys, nil
}

func (k *KeySet) String() string {
	return fmt.Sprintf("KeySet(%s, %d keys)", k.issuer.DisplayName(), k.Len())
}
