// Package tokencache holds exchanged delegation tokens in memory, encrypted
// per session and bound to the bearer token that produced them.
//
// Every entry is sealed with an AEAD cipher under a key that belongs to one
// session. The SHA-256 of the caller's bearer token, followed by the
// audience, is the additional authenticated data. A Get with any other
// bearer token fails to open the entry, so a refreshed or foreign bearer
// can never read a token it did not produce. There is no separate hash
// comparison that could be skipped.
//
// Every failure (no session, expired entry, wrong bearer, full cache) is a
// plain miss. Callers fall back to the network exchange, so the cache can
// only ever save work and never makes a request fail.
//
// # Concurrency
//
// The session map is guarded by a read-write mutex held only to look up,
// insert or delete a session record. Each record has its own mutex, so
// operations on different sessions never contend, and a decrypt racing the
// idle sweep of the same session is serialized by that session's lock.
package tokencache

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Token is the cached form of a delegation token.
type Token struct {
	Value           string    `json:"value"`
	Type            string    `json:"type,omitempty"`
	Scope           string    `json:"scope,omitempty"`
	IssuedTokenType string    `json:"issued_token_type,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type entry struct {
	nonce []byte
	// sealed is the ciphertext followed by the 16-byte tag.
	sealed      []byte
	tokenExpiry time.Time
	cacheExpiry time.Time
	createdAt   time.Time
}

// session is the key record and entry table of one session id.
type session struct {
	mu          sync.Mutex
	subjectHash string
	key         []byte
	aead        cipher.AEAD
	entries     map[string]*entry
	lastUsed    time.Time
	closed      atomic.Bool
}

// destroy zeroes the key and drops every entry. The caller holds s.mu.
func (s *session) destroy() int {
	n := len(s.entries)
	clear(s.key)
	s.key = nil
	s.aead = nil
	s.entries = nil
	s.closed.Store(true)
	return n
}

func (s *session) oldest() string {
	var (
		name string
		at   time.Time
	)
	for aud, e := range s.entries {
		if name == "" || e.createdAt.Before(at) {
			name, at = aud, e.createdAt
		}
	}
	return name
}

// Cache is the encrypted delegation cache. Create it with [New]; the zero
// value is not usable. Independent instances share no state.
type Cache struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	stats  *counters

	mu       sync.RWMutex
	sessions map[string]*session
	total    atomic.Int64

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Option configures a [Cache].
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *zap.Logger
	provider metric.MeterProvider
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Token values and key material are never
// logged.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider sets the provider for the cache counters. The global
// provider is used by default.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) { o.provider = p }
}

// New validates cfg and returns an empty cache. The idle sweep does not run
// until [Cache.Start] is called.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	stats, err := newCounters(o.provider)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:      cfg,
		now:      o.now,
		logger:   o.logger.Named("tokencache"),
		stats:    stats,
		sessions: make(map[string]*session),
	}, nil
}

func (c *Cache) lookup(sessionID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// ActivateSession creates the key record for sessionID if there is none.
// It reports whether the session is usable by subjectHash: an existing
// session owned by a different subject is left untouched and false is
// returned.
func (c *Cache) ActivateSession(sessionID, subjectHash string) bool {
	if sessionID == "" || subjectHash == "" {
		return false
	}
	if s := c.lookup(sessionID); s != nil && !s.closed.Load() {
		return c.touch(s, subjectHash)
	}

	key, err := newSessionKey()
	if err != nil {
		c.logger.Warn("session key generation failed", zap.Error(err))
		return false
	}
	aead, err := newAEAD(c.cfg.Cipher, key)
	if err != nil {
		clear(key)
		c.logger.Warn("cipher setup failed", zap.Error(err))
		return false
	}
	fresh := &session{
		subjectHash: subjectHash,
		key:         key,
		aead:        aead,
		entries:     make(map[string]*entry),
		lastUsed:    c.now(),
	}

	c.mu.Lock()
	existing := c.sessions[sessionID]
	if existing != nil && !existing.closed.Load() {
		c.mu.Unlock()
		clear(key)
		return c.touch(existing, subjectHash)
	}
	c.sessions[sessionID] = fresh
	c.mu.Unlock()

	c.logger.Debug("session activated", zap.String("session", sessionID))
	return true
}

func (c *Cache) touch(s *session, subjectHash string) bool {
	if s.subjectHash != subjectHash {
		c.logger.Warn("session activation refused for a different subject")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.lastUsed = c.now()
	return true
}

// Get returns the token stored for (sessionID, audience) if it has not
// expired and bearer is the token that stored it. Every failure is a miss.
// An entry that is expired or fails to open is removed.
func (c *Cache) Get(sessionID, bearer, audience string) (Token, bool) {
	s := c.lookup(sessionID)
	if s == nil {
		c.stats.miss(reasonNoSession)
		return Token{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		c.stats.miss(reasonNoSession)
		return Token{}, false
	}
	now := c.now()
	s.lastUsed = now

	e, ok := s.entries[audience]
	if !ok {
		c.stats.miss(reasonAbsent)
		return Token{}, false
	}
	if !now.Before(e.cacheExpiry) {
		c.drop(s, audience)
		c.stats.evict(reasonExpired, 1)
		c.stats.miss(reasonExpired)
		return Token{}, false
	}

	plaintext, err := s.aead.Open(nil, e.nonce, e.sealed, additionalData(bearer, audience))
	if err != nil {
		c.drop(s, audience)
		c.stats.evict(reasonMismatch, 1)
		c.stats.miss(reasonMismatch)
		return Token{}, false
	}
	defer clear(plaintext)

	var tok Token
	if err := json.Unmarshal(plaintext, &tok); err != nil || tok.Value == "" {
		c.drop(s, audience)
		c.stats.evict(reasonCorrupt, 1)
		c.stats.miss(reasonCorrupt)
		return Token{}, false
	}
	c.stats.hit()
	return tok, true
}

// Set encrypts tok for (sessionID, audience), bound to bearer. The entry
// is served until the earlier of the token's expiry and now plus the
// configured TTL. It reports whether the entry was stored; a false return
// is never an error condition for the caller.
//
// The session must have been activated. When the session is at its entry
// cap, its oldest entry is evicted. When the whole cache is full, the
// write is refused.
func (c *Cache) Set(sessionID, bearer, audience string, tok Token) bool {
	if tok.Value == "" {
		return false
	}
	s := c.lookup(sessionID)
	if s == nil {
		c.stats.reject(reasonNoSession)
		return false
	}

	plaintext, err := json.Marshal(tok)
	if err != nil {
		return false
	}
	defer clear(plaintext)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		c.stats.reject(reasonNoSession)
		return false
	}

	now := c.now()
	expiry := now.Add(c.cfg.TTL)
	if !tok.ExpiresAt.IsZero() && tok.ExpiresAt.Before(expiry) {
		expiry = tok.ExpiresAt
	}
	if !now.Before(expiry) {
		c.stats.reject(reasonExpired)
		return false
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		c.logger.Warn("nonce generation failed", zap.Error(err))
		return false
	}

	if _, replacing := s.entries[audience]; !replacing {
		if len(s.entries) >= c.cfg.MaxEntriesPerSession {
			// The new entry takes the evicted entry's slot in the global
			// count.
			delete(s.entries, s.oldest())
			c.stats.evict(reasonCapacity, 1)
		} else if !c.reserve() {
			c.stats.reject(reasonCapacity)
			return false
		}
	}

	s.entries[audience] = &entry{
		nonce:       nonce,
		sealed:      s.aead.Seal(nil, nonce, plaintext, additionalData(bearer, audience)),
		tokenExpiry: tok.ExpiresAt,
		cacheExpiry: expiry,
		createdAt:   now,
	}
	s.lastUsed = now
	return true
}

func (c *Cache) reserve() bool {
	if c.total.Add(1) > int64(c.cfg.MaxEntries) {
		c.total.Add(-1)
		return false
	}
	return true
}

// drop removes one entry. The caller holds s.mu.
func (c *Cache) drop(s *session, audience string) {
	if _, ok := s.entries[audience]; ok {
		delete(s.entries, audience)
		c.total.Add(-1)
	}
}

// TerminateSession zeroes the session key and drops its entries. Later
// calls for sessionID miss until it is activated again, with a new key.
func (c *Cache) TerminateSession(sessionID string) {
	c.mu.Lock()
	s := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	n := s.destroy()
	s.mu.Unlock()
	c.total.Add(-int64(n))
	c.stats.evict(reasonTerminate, n)
	c.logger.Debug("session terminated", zap.String("session", sessionID), zap.Int("entries", n))
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	sessions := len(c.sessions)
	c.mu.RUnlock()
	return Stats{
		Sessions:   sessions,
		Entries:    int(c.total.Load()),
		Hits:       c.stats.hits.Load(),
		Misses:     c.stats.misses.Load(),
		Evictions:  c.stats.evictions.Load(),
		Rejections: c.stats.rejections.Load(),
	}
}

// sessionIDs returns a snapshot of the active session ids.
func (c *Cache) sessionIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	return ids
}
