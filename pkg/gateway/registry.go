package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

// registered is one module and its lifecycle state.
type registered struct {
	module Module
	name   string
	cfg    ModuleConfig

	mu    sync.RWMutex
	state State
}

func (r *registered) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Registry is the name-keyed set of delegation modules. It is safe for
// concurrent use.
type Registry struct {
	logger   *zap.Logger
	handlers []StateChangeHandler

	mu      sync.RWMutex
	modules map[string]*registered
	order   []string
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for lifecycle events.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithStateChangeHandler adds an observer of module state changes.
func WithStateChangeHandler(h StateChangeHandler) RegistryOption {
	return func(r *Registry) { r.handlers = append(r.handlers, h) }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: zap.NewNop(), modules: make(map[string]*registered)}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("gateway")
	return r
}

// Register adds m under m.Name() and initializes it with cfg. Names are
// unique: a second module with the same name is refused with CONF_002 even
// if the first one failed.
//
// A module whose Initialize fails stays registered in [StateFailed], so
// health reports show it, and Register returns an INT_001 error.
func (r *Registry) Register(ctx context.Context, m Module, cfg ModuleConfig) (retErr error) {
	if m == nil {
		return sserr.New(sserr.CodeValidationRequired, "gateway: module must not be nil")
	}
	name := m.Name()
	if name == "" {
		return sserr.New(sserr.CodeValidationRequired, "gateway: module name must not be empty")
	}

	ctx, span := startSpan(ctx, "gateway.Register", attribute.String("gateway.module", name))
	defer func() {
		finishSpan(span, retErr)
		span.End()
	}()

	reg := &registered{module: m, name: name, cfg: cfg, state: StateRegistered}
	r.mu.Lock()
	if _, exists := r.modules[name]; exists {
		r.mu.Unlock()
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "gateway: module %q is already registered", name)
	}
	r.modules[name] = reg
	r.order = append(r.order, name)
	r.mu.Unlock()

	if err := r.setState(reg, StateInitializing); err != nil {
		return err
	}
	if err := callSafely(func() error { return m.Initialize(ctx, cfg) }); err != nil {
		_ = r.setState(reg, StateFailed)
		r.logger.Error("module initialization failed",
			zap.String("module", name),
			zap.String("error", Sanitize(err.Error())),
		)
		return sserr.Wrapf(err, sserr.CodeInternal, "gateway: module %q failed to initialize", name)
	}
	if err := r.setState(reg, StateReady); err != nil {
		return err
	}
	r.logger.Info("module ready", zap.String("module", name))
	return nil
}

func (r *Registry) setState(reg *registered, next State) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	old := reg.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict,
			"gateway: module %q cannot move from %q to %q", reg.name, old, next)
	}
	reg.state = next

	for _, h := range r.handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("state change handler panicked",
						zap.String("module", reg.name),
						zap.Any("panic", p),
					)
				}
			}()
			h(reg.name, old, next)
		}()
	}
	return nil
}

func (r *Registry) lookup(name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.modules[name]
	return reg, ok
}

// Module returns the module registered under name and its state.
func (r *Registry) Module(name string) (Module, State, bool) {
	reg, ok := r.lookup(name)
	if !ok {
		return nil, "", false
	}
	return reg.module, reg.State(), true
}

// State returns the state of the module registered under name.
func (r *Registry) State(name string) (State, bool) {
	reg, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	return reg.State(), true
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := slices.Clone(r.order)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// ModuleHealth is one module's entry in a health report.
type ModuleHealth struct {
	State   State `json:"state"`
	Healthy bool  `json:"healthy"`
}

// Health asks every ready module for its health. Modules in any other state
// are reported unhealthy without being called.
func (r *Registry) Health(ctx context.Context) map[string]ModuleHealth {
	r.mu.RLock()
	regs := make([]*registered, 0, len(r.modules))
	for _, reg := range r.modules {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	report := make(map[string]ModuleHealth, len(regs))
	for _, reg := range regs {
		state := reg.State()
		h := ModuleHealth{State: state}
		if state == StateReady {
			h.Healthy = checkHealth(ctx, reg.module)
		}
		report[reg.name] = h
	}
	return report
}

func checkHealth(ctx context.Context, m Module) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()
	return m.HealthCheck(ctx)
}

// Shutdown stops every ready module, most recently registered first. All
// modules are attempted; the errors are joined.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	order := slices.Clone(r.order)
	r.mu.RUnlock()

	var errs []error
	for _, name := range slices.Backward(order) {
		reg, ok := r.lookup(name)
		if !ok || r.setState(reg, StateShuttingDown) != nil {
			continue
		}
		if err := callSafely(func() error { return reg.module.Shutdown(ctx) }); err != nil {
			_ = r.setState(reg, StateFailed)
			r.logger.Warn("module shutdown failed",
				zap.String("module", name),
				zap.String("error", Sanitize(err.Error())),
			)
			errs = append(errs, sserr.Wrapf(err, sserr.CodeInternal, "gateway: module %q failed to shut down", name))
			continue
		}
		_ = r.setState(reg, StateStopped)
		r.logger.Info("module stopped", zap.String("module", name))
	}
	return errors.Join(errs...)
}

// callSafely runs fn, turning a panic into an error.
func callSafely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
