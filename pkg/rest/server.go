package rest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/sqlgate/pkg/auth"
	"github.com/edgeflare/sqlgate/pkg/cache"
	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/files"
	"github.com/edgeflare/sqlgate/pkg/gateway"
	"github.com/edgeflare/sqlgate/pkg/httputil"
	"github.com/edgeflare/sqlgate/pkg/httputil/middleware"
	"github.com/edgeflare/sqlgate/pkg/metrics"
	"github.com/edgeflare/sqlgate/pkg/pipeline"
	"github.com/edgeflare/sqlgate/pkg/respond"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/edgeflare/sqlgate/pkg/sqlexec"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 15 * time.Second
	janitorInterval = time.Minute
)

// Server hosts the gateway: one catch-all route dispatching through the
// pipeline, plus the OpenAPI document of the active route table.
type Server struct {
	tree     *config.Tree
	logger   *zap.Logger
	registry *route.Registry
	manager  *sqlexec.Manager
	gateway  *gateway.Gateway
	cache    *cache.Cache[*respond.Payload]
	router   *httputil.Router
	pipeline *pipeline.Orchestrator
	env      atomic.Pointer[pipeline.Env]

	// conns are the connection settings the manager was last given.
	conns map[string]config.ConnectionConfig
	mu    sync.Mutex // serializes apply
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithManager uses m instead of connecting the configured connections.
func WithManager(m *sqlexec.Manager) Option {
	return func(s *Server) { s.manager = m }
}

// WithGateway replaces the upstream gateway.
func WithGateway(g *gateway.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// NewServer connects the configured connections, builds the route table and
// subscribes to configuration changes.
func NewServer(ctx context.Context, tree *config.Tree, opts ...Option) (*Server, error) {
	s := &Server{tree: tree, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	cfg := tree.Current()

	if s.manager == nil {
		m, err := sqlexec.Open(ctx, cfg.Connections, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open connections: %w", err)
		}
		s.manager = m
		s.conns = maps.Clone(cfg.Connections)
	}
	if s.gateway == nil {
		s.gateway = gateway.New(gateway.WithLogger(s.logger))
	}
	s.cache = cache.New(cache.WithCounters[*respond.Payload](metrics.CacheHits.Inc, metrics.CacheMisses.Inc))
	s.registry = route.NewRegistry(cfg,
		route.WithLogger(s.logger),
		route.OnBuild(func(t *route.Table, errs []error) { metrics.ObserveReload(t.Len(), len(errs)) }),
	)
	s.publish(cfg)
	tree.OnChange(func(cfg *config.Config) { s.apply(ctx, cfg) })

	s.pipeline = pipeline.New(s.Env, pipeline.Default(), pipeline.WithLogger(s.logger))
	s.router = s.newRouter(cfg)
	return s, nil
}

func (s *Server) newRouter(cfg *config.Config) *httputil.Router {
	opts := []httputil.RouterOptions{httputil.WithLogger(s.logger)}
	if cfg.Server.TLS.Enabled {
		opts = append(opts, httputil.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	r := httputil.NewRouter(opts...)
	r.Use(
		middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: s.logger}),
		middleware.Recover,
	)
	if p := cfg.Server.OpenAPIPath; p != "" {
		r.Handle("GET "+p, http.HandlerFunc(s.openAPI))
	}
	r.Handle("/", s.pipeline)
	return r
}

// Env returns the active pipeline environment.
func (s *Server) Env() *pipeline.Env {
	return s.env.Load()
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.router.Handler()
}

// Routes returns the active route table.
func (s *Server) Routes() *route.Table {
	return s.registry.Table()
}

func (s *Server) openAPI(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, s.registry.Table().OpenAPI("sqlgate", config.Version))
}

// apply reconnects changed connections, rebuilds the route table and
// publishes a fresh environment. A connection that fails keeps its previous
// executor, if any.
func (s *Server) apply(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conns != nil {
		for name, c := range cfg.Connections {
			if old, ok := s.conns[name]; ok && old == c {
				continue
			}
			if err := s.manager.Connect(ctx, name, c); err != nil {
				s.logger.Error("connection not updated", zap.String("name", name), zap.Error(err))
				continue
			}
			s.conns[name] = c
		}
	}
	s.registry.Rebuild(cfg)
	s.publish(cfg)
}

func (s *Server) publish(cfg *config.Config) {
	env := &pipeline.Env{
		Config:      cfg,
		Routes:      s.registry,
		Executors:   s.manager,
		Credentials: auth.NewCredentials(cfg.APIKeys),
		Gateway:     s.gateway,
		Stores:      files.OpenStores(cfg.FileStores),
		Cache:       s.cache,
	}
	// Providers keep their discovered endpoints across reloads that do not
	// touch them.
	if prev := s.env.Load(); prev != nil && reflect.DeepEqual(prev.Config.Authorize, cfg.Authorize) {
		env.Authorizers = prev.Authorizers
	} else {
		env.Authorizers = auth.NewProviders(cfg.Authorize)
	}
	s.env.Store(env)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully and closes every connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.tree.Current().Server.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.tree.Current()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Reload.WatchFile {
		s.tree.WatchFile()
	}
	watchers := s.tree.Watch(ctx, config.Notifiers(cfg, s.logger)...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.cache.Janitor(ctx, janitorInterval)
	}()
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Logger: s.logger,
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.router.Serve(ln)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		err = s.router.Shutdown(shutdownCtx)
		done()
		if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
			err = serveErr
		}
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	cancel()
	watchers.Wait()
	wg.Wait()
	s.manager.Close()
	return err
}
