package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-delegation/internal/testutil"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/auth"
	"github.com/StricklySoft/stricklysoft-delegation/pkg/exchange"
)

type dispatchFunc func(ctx context.Context, s *auth.Session, action string, params map[string]any, dc *DelegationContext) (*Result, error)

type fakeModule struct {
	name        string
	initErr     error
	initPanic   bool
	deny        bool
	unhealthy   bool
	shutdownErr error
	dispatch    dispatchFunc
	onShutdown  func(name string)

	mu         sync.Mutex
	cfg        ModuleConfig
	calls      int
	shutdowns  int
	lastAction string
	lastParams map[string]any
}

var _ Module = (*fakeModule)(nil)

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Initialize(_ context.Context, cfg ModuleConfig) error {
	if m.initPanic {
		panic("driver exploded at /opt/driver/lib.so")
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return m.initErr
}

func (m *fakeModule) Dispatch(ctx context.Context, s *auth.Session, action string, params map[string]any, dc *DelegationContext) (*Result, error) {
	m.mu.Lock()
	m.calls++
	m.lastAction = action
	m.lastParams = params
	m.mu.Unlock()
	if m.dispatch != nil {
		return m.dispatch(ctx, s, action, params, dc)
	}
	return &Result{Data: map[string]any{"action": action}}, nil
}

func (m *fakeModule) CheckAccess(context.Context, *auth.Session) bool { return !m.deny }

func (m *fakeModule) HealthCheck(context.Context) bool { return !m.unhealthy }

func (m *fakeModule) Shutdown(context.Context) error {
	m.mu.Lock()
	m.shutdowns++
	m.mu.Unlock()
	if m.onShutdown != nil {
		m.onShutdown(m.name)
	}
	return m.shutdownErr
}

func (m *fakeModule) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeExchanger hands out opaque tokens and records requests.
type fakeExchanger struct {
	cache  bool
	err    error
	now    func() time.Time
	claims map[string]any

	mu       sync.Mutex
	requests []exchange.Request
	issued   map[string]bool
}

var _ Exchanger = (*fakeExchanger)(nil)

func (f *fakeExchanger) CacheEnabled() bool { return f.cache }

func (f *fakeExchanger) Exchange(_ context.Context, req exchange.Request) (*exchange.DelegationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.issued == nil {
		f.issued = make(map[string]bool)
	}
	key := req.Audience + " " + req.Scope
	cached := f.cache && f.issued[key]
	f.issued[key] = true
	now := time.Now()
	if f.now != nil {
		now = f.now()
	}
	return &exchange.DelegationToken{
		Value:     auth.Secret("delegated-for-" + req.Audience),
		Type:      "Bearer",
		Audience:  req.Audience,
		Scope:     req.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
		Claims:    f.claims,
		Cached:    cached,
	}, nil
}

func (f *fakeExchanger) Requests() []exchange.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Request(nil), f.requests...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testSession(clock *fakeClock) *auth.Session {
	issuer := &auth.TrustedIssuer{Name: "test-idp", Issuer: "https://idp.test", Audience: "gateway"}
	return &auth.Session{
		ID:          auth.SessionID(issuer.Issuer, "alice"),
		Issuer:      issuer,
		Subject:     "alice",
		Role:        "operator",
		Permissions: auth.NewPermissionSet([]auth.Permission{{Resource: "database", Action: "query"}}),
		BearerToken: "bearer-alice",
		IssuedAt:    clock.Now(),
		ExpiresAt:   clock.Now().Add(10 * time.Minute),
	}
}

type testGateway struct {
	*Gateway
	log   *testutil.AuditLog
	clock *fakeClock
}

func newTestGateway(t *testing.T, ex Exchanger, modules ...*fakeModule) *testGateway {
	t.Helper()
	clock := newFakeClock()
	reg := NewRegistry()
	for _, m := range modules {
		_ = reg.Register(context.Background(), m, ModuleConfig{Audience: "urn:db", Scope: "db:read"})
	}
	log := &testutil.AuditLog{}
	opts := []Option{WithAuditSink(log), WithClock(clock.Now)}
	if ex != nil {
		opts = append(opts, WithExchanger(ex))
	}
	g, err := New(reg, opts...)
	require.NoError(t, err)
	return &testGateway{Gateway: g, log: log, clock: clock}
}
