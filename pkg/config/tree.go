package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Tree is the hot-reloadable configuration source. Readers take the current
// *Config, which is never mutated after publication; a reload decodes a new
// one and swaps it in.
type Tree struct {
	v       *viper.Viper
	logger  *zap.Logger
	current atomic.Pointer[Config]
	subs    []func(*Config)
	// read counts decodes; published is the count of the config last
	// published. A decode older than the published one is dropped.
	read      uint64
	published uint64
	mu        sync.Mutex // serializes reads of v and subscriber registration
	publishMu sync.Mutex // serializes publication and subscriber dispatch
}

// NewTree decodes v and returns a tree holding the result.
func NewTree(v *viper.Viper, logger *zap.Logger) (*Tree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tree{v: v, logger: logger}
	cfg, err := t.decode()
	if err != nil {
		return nil, err
	}
	t.current.Store(cfg)
	return t, nil
}

// Open is NewTree over the file at cfgFile (or the default search paths).
func Open(cfgFile string, logger *zap.Logger) (*Tree, error) {
	v := NewViper(cfgFile)
	if err := read(v); err != nil {
		return nil, err
	}
	return NewTree(v, logger)
}

// Current returns the active configuration.
func (t *Tree) Current() *Config {
	return t.current.Load()
}

// Viper exposes the underlying settings, e.g. for flag binding.
func (t *Tree) Viper() *viper.Viper {
	return t.v
}

// OnChange registers fn to run after every successful reload.
func (t *Tree) OnChange(fn func(*Config)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// Reload re-reads the source and publishes the result. On failure the
// previous configuration stays active.
func (t *Tree) Reload() error {
	t.mu.Lock()
	if t.v.ConfigFileUsed() != "" {
		if err := read(t.v); err != nil {
			t.mu.Unlock()
			t.logger.Error("config reload failed", zap.Error(err))
			return err
		}
	}
	cfg, err := t.decode()
	t.read++
	seq := t.read
	subs := append([]func(*Config){}, t.subs...)
	t.mu.Unlock()

	if err != nil {
		t.logger.Error("config reload failed", zap.Error(err))
		return err
	}
	t.publish(seq, cfg, subs)
	return nil
}

// publish stores cfg and runs subs, unless a newer decode got there first.
func (t *Tree) publish(seq uint64, cfg *Config, subs []func(*Config)) {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()
	if seq <= t.published {
		t.logger.Debug("stale config dropped", zap.Uint64("seq", seq), zap.Uint64("published", t.published))
		return
	}
	t.published = seq
	t.current.Store(cfg)
	t.logger.Info("config reloaded", zap.Int("routes", len(cfg.Routes)))
	for _, fn := range subs {
		fn(cfg)
	}
}

func (t *Tree) decode() (*Config, error) {
	return Decode(t.v)
}

// WatchFile reloads whenever the backing file changes.
func (t *Tree) WatchFile() {
	if t.v.ConfigFileUsed() == "" {
		return
	}
	t.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		t.logger.Info("config file changed", zap.String("file", e.Name))
		_ = t.Reload()
	})
	t.v.WatchConfig()
}

// Watch runs every notifier until ctx is done; each notification triggers a reload.
func (t *Tree) Watch(ctx context.Context, notifiers ...Notifier) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, n := range notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			if err := n.Listen(ctx, func() { _ = t.Reload() }); err != nil && ctx.Err() == nil {
				t.logger.Error("reload notifier stopped", zap.String("notifier", n.Name()), zap.Error(err))
			}
		}(n)
	}
	return &wg
}
