package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jthomasson/bookpool/internal/browser"
	"github.com/jthomasson/bookpool/internal/metrics"
	"github.com/jthomasson/bookpool/internal/types"
)

// ManagerConfig carries the knobs shared by the general pool and any
// source pools the manager creates.
type ManagerConfig struct {
	PoolSize             int
	SourcePoolSize       int
	AcquireTimeout       time.Duration
	SourceAcquireTimeout time.Duration
	SessionMaxAge        time.Duration
	SessionMaxIdle       time.Duration
	Options              browser.Options

	// Clock overrides time.Now for every pool, for tests.
	Clock func() time.Time
}

// Manager fronts the general pool and a set of named per-source pools.
// Source pools are created lazily via InitSource; an acquire for an
// unknown source falls back to the general pool.
type Manager struct {
	cfg      ManagerConfig
	launcher browser.Launcher
	general  *Pool

	mu      sync.Mutex
	sources map[string]*Pool

	closed bool
}

// NewManager builds the general pool eagerly. Source pools come later
// through InitSource so that unused booksellers never cost a browser.
func NewManager(launcher browser.Launcher, cfg ManagerConfig) (*Manager, error) {
	general, err := New(launcher, Config{
		Label:          "general",
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		MaxAge:         cfg.SessionMaxAge,
		MaxIdle:        cfg.SessionMaxIdle,
		Options:        cfg.Options,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("creating general pool: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		general:  general,
		sources:  make(map[string]*Pool),
	}, nil
}

// InitSource creates the named source pool if it does not already exist.
// Idempotent; a second call for the same source is a no-op.
func (m *Manager) InitSource(source string, opts browser.Options, size int) error {
	if source == "" {
		return types.ErrSourceUnknown
	}
	if size < 1 {
		size = m.cfg.SourcePoolSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrPoolClosed
	}
	if _, ok := m.sources[source]; ok {
		return nil
	}

	p, err := New(m.launcher, Config{
		Label:          source,
		Size:           size,
		AcquireTimeout: m.cfg.SourceAcquireTimeout,
		MaxAge:         m.cfg.SessionMaxAge,
		MaxIdle:        m.cfg.SessionMaxIdle,
		Options:        opts,
		Clock:          m.cfg.Clock,
	})
	if err != nil {
		return fmt.Errorf("creating source pool %s: %w", source, err)
	}

	m.sources[source] = p
	return nil
}

// Acquire checks out a session from the general pool.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	return m.general.Acquire(ctx)
}

// AcquireSource checks out a session for the named source. The labeled
// pool is tried first under its own shorter timeout; if it is exhausted
// the general pool serves instead, so one slow bookseller cannot starve
// the rest of a scrape run. Only exhaustion falls back; launch failures
// and closure surface as-is. Sources without a pool go straight to the
// general pool.
func (m *Manager) AcquireSource(ctx context.Context, source string) (*Lease, error) {
	m.mu.Lock()
	p := m.sources[source]
	m.mu.Unlock()

	if p == nil {
		return m.general.Acquire(ctx)
	}

	lease, err := p.Acquire(ctx)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, types.ErrPoolExhausted) {
		return nil, err
	}

	log.Debug().
		Str("source", source).
		Msg("Source pool exhausted, falling back to general pool")
	metrics.SourceFallbacks.WithLabelValues(source).Inc()

	return m.general.Acquire(ctx)
}

// WithSource acquires for the named source, runs fn, and releases on
// every exit path.
func (m *Manager) WithSource(ctx context.Context, source string, fn func(browser.Handle) error) error {
	lease, err := m.AcquireSource(ctx, source)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Handle())
}

// Stats snapshots every pool the manager owns.
func (m *Manager) Stats() types.ManagerStats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.sources))
	for name, p := range m.sources {
		pools[name] = p
	}
	m.mu.Unlock()

	stats := types.ManagerStats{
		General: types.ManagerPoolStats{
			Label:     m.general.Label(),
			PoolStats: m.general.Stats(),
		},
	}
	if len(pools) > 0 {
		stats.Sources = make(map[string]types.ManagerPoolStats, len(pools))
		for name, p := range pools {
			stats.Sources[name] = types.ManagerPoolStats{
				Label:     p.Label(),
				PoolStats: p.Stats(),
			}
		}
	}
	return stats
}

// Healthy reports whether at least one session is alive somewhere.
func (m *Manager) Healthy() bool {
	return m.Stats().TotalSessions() > 0
}

// RestartAll restarts every session in every pool.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.mu.Lock()
	pools := []*Pool{m.general}
	for _, p := range m.sources {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	eg := new(errgroup.Group)
	for _, p := range pools {
		p := p
		eg.Go(func() error {
			return p.RestartAll(ctx)
		})
	}
	return eg.Wait()
}

// Shutdown closes every pool. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := []*Pool{m.general}
	for _, p := range m.sources {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Shutdown()
	}
}
