package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/sqlgate/pkg/config"
	"go.uber.org/zap"
)

// ErrUnknownConnection is returned for a connection name that is not configured.
var ErrUnknownConnection = errors.New("unknown connection")

// Manager owns one Executor per configured connection.
type Manager struct {
	pools     *PoolManager
	executors map[string]Executor
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewManager returns an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pools:     NewPoolManager(),
		executors: make(map[string]Executor),
		logger:    logger,
	}
}

// Open connects every connection in conns.
func Open(ctx context.Context, conns map[string]config.ConnectionConfig, logger *zap.Logger) (*Manager, error) {
	m := NewManager(logger)
	for name, c := range conns {
		if err := m.Connect(ctx, name, c); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Connect opens connection name. PostgreSQL goes through a pgx pool, every
// other provider through database/sql.
func (m *Manager) Connect(ctx context.Context, name string, c config.ConnectionConfig) error {
	var (
		exec Executor
		err  error
	)
	switch c.Provider {
	case "", "postgres", "pgx":
		pool, perr := m.pools.Add(ctx, Pool{Name: name, ConnString: c.ConnString})
		if perr != nil {
			return fmt.Errorf("connection %q: %w", name, perr)
		}
		exec = NewPgxExecutor(pool, func() { _ = m.pools.Remove(name) })
	default:
		exec, err = OpenSQL(ctx, c.Provider, c.ConnString)
		if err != nil {
			return fmt.Errorf("connection %q: %w", name, err)
		}
	}
	m.Set(name, exec)
	m.logger.Info("connection ready", zap.String("name", name), zap.String("provider", c.Provider))
	return nil
}

// Set registers exec under name, closing any executor it replaces.
func (m *Manager) Set(name string, exec Executor) {
	m.mu.Lock()
	old := m.executors[name]
	m.executors[name] = exec
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// Get returns the executor for name.
func (m *Manager) Get(name string) (Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, name)
	}
	return exec, nil
}

// Close closes every executor.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, exec := range m.executors {
		if err := exec.Close(); err != nil {
			m.logger.Warn("closing connection", zap.String("name", name), zap.Error(err))
		}
	}
	m.executors = make(map[string]Executor)
	m.pools.Close()
}
