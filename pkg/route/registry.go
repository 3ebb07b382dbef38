package route

import (
	"sync"
	"sync/atomic"

	"github.com/edgeflare/sqlgate/pkg/config"
	"go.uber.org/zap"
)

// Registry publishes the active Table. Rebuilds happen off to the side and
// are swapped in atomically; at most one rebuild runs at a time.
type Registry struct {
	logger  *zap.Logger
	table   atomic.Pointer[Table]
	next    atomic.Pointer[config.Config]
	onBuild func(*Table, []error)
	gate    sync.Mutex
	pending atomic.Bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used to report skipped routes.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// OnBuild registers fn to run after each published rebuild.
func OnBuild(fn func(*Table, []error)) RegistryOption {
	return func(r *Registry) { r.onBuild = fn }
}

// NewRegistry builds the initial table from cfg.
func NewRegistry(cfg *config.Config, opts ...RegistryOption) *Registry {
	r := &Registry{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.Rebuild(cfg)
	return r
}

// Table returns the active snapshot. Callers keep using the reference they
// got even if a rebuild publishes a newer one.
func (r *Registry) Table() *Table {
	return r.table.Load()
}

// Resolve resolves against the active snapshot.
func (r *Registry) Resolve(path, verb string) (*Endpoint, map[string]string, bool) {
	return r.Table().Resolve(path, verb)
}

// Rebuild builds a table from cfg and publishes it. If a rebuild is already
// running, cfg is recorded and the running rebuild picks it up when it
// finishes instead of starting a second one.
func (r *Registry) Rebuild(cfg *config.Config) {
	r.next.Store(cfg)
	r.pending.Store(true)

	for r.pending.Load() {
		if !r.gate.TryLock() {
			return
		}
		if r.pending.Swap(false) {
			r.build(r.next.Load())
		}
		r.gate.Unlock()
	}
}

func (r *Registry) build(cfg *config.Config) {
	t, errs := Build(cfg)
	for _, err := range errs {
		r.logger.Warn("route configuration", zap.Error(err))
	}
	r.table.Store(t)
	r.logger.Info("route table published", zap.Int("routes", t.Len()), zap.Int("problems", len(errs)))
	if r.onBuild != nil {
		r.onBuild(t, errs)
	}
}
