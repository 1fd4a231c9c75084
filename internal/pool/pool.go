package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jthomasson/bookpool/internal/browser"
	"github.com/jthomasson/bookpool/internal/metrics"
	"github.com/jthomasson/bookpool/internal/types"
)

// teardownParallelism bounds concurrent browser closes/restarts so a
// Shutdown or RestartAll doesn't spike the box.
const teardownParallelism = 4

// Config describes one pool.
type Config struct {
	// Label names the pool ("general" or a bookseller source).
	Label string

	// Size is the fixed target session count, set at construction.
	Size int

	// AcquireTimeout bounds how long Acquire waits for a ready session.
	AcquireTimeout time.Duration

	// MaxAge and MaxIdle are the session expiry bounds.
	MaxAge  time.Duration
	MaxIdle time.Duration

	// Options is the handle configuration applied to every session.
	Options browser.Options

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Pool owns a fixed set of sessions and a ready queue of session ids
// available for checkout.
//
// Lock ordering: p.mu guards the session map and is never held across
// handle I/O; per-session state lives behind each session's own lock.
type Pool struct {
	cfg      Config
	launcher browser.Launcher

	mu       sync.Mutex
	sessions map[string]*Session
	ready    chan string

	closed atomic.Bool
	stopCh chan struct{}

	counters counters
}

type counters struct {
	acquired  atomic.Int64
	released  atomic.Int64
	restarted atomic.Int64
	dropped   atomic.Int64
	exhausted atomic.Int64
}

// New creates a pool and eagerly launches its sessions. Slots that fail
// to launch are logged and skipped; construction fails only when every
// slot fails, since a pool with at least one session can still serve.
func New(launcher browser.Launcher, cfg Config) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool %s: size must be >= 1, got %d", cfg.Label, cfg.Size)
	}
	if cfg.Label == "" {
		cfg.Label = "general"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		sessions: make(map[string]*Session, cfg.Size),
		ready:    make(chan string, cfg.Size),
		stopCh:   make(chan struct{}),
	}

	log.Info().
		Str("pool", cfg.Label).
		Int("size", cfg.Size).
		Msg("Initializing browser pool")

	for i := 0; i < cfg.Size; i++ {
		id := fmt.Sprintf("%s-%d", cfg.Label, i+1)
		sess := newSession(id, cfg.Label, launcher, cfg.Options, cfg.MaxAge, cfg.MaxIdle, cfg.Clock)

		sess.mu.Lock()
		err := sess.create(context.Background())
		sess.mu.Unlock()
		if err != nil {
			// The failed slot is recorded in the log and skipped; it is
			// not retried and not replaced.
			log.Error().
				Err(err).
				Str("session_id", id).
				Msg("Failed to create session during pool initialization")
			continue
		}

		p.sessions[id] = sess
		p.ready <- id
	}

	if len(p.sessions) == 0 {
		return nil, &types.PoolError{
			Op:   "initialize",
			Pool: cfg.Label,
			Err:  types.ErrLaunchFailed,
		}
	}

	metrics.PoolSize.WithLabelValues(cfg.Label).Set(float64(cfg.Size))
	metrics.SessionsTotal.WithLabelValues(cfg.Label).Set(float64(len(p.sessions)))

	log.Info().
		Str("pool", cfg.Label).
		Int("created", len(p.sessions)).
		Int("size", cfg.Size).
		Msg("Browser pool initialized")

	return p, nil
}

// Label returns the pool's label.
func (p *Pool) Label() string {
	return p.cfg.Label
}

// Size returns the configured target size.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Acquire checks out a session, waiting up to the configured timeout for
// one to become ready. The returned lease must be released on every exit
// path; prefer With for automatic release.
//
// An acquire that dequeues a session whose in-place restart fails
// surfaces that failure rather than silently retrying another session;
// the caller decides whether a whole new Acquire is worth it.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case id := <-p.ready:
		p.mu.Lock()
		sess := p.sessions[id]
		p.mu.Unlock()
		if sess == nil {
			// Dropped from rotation between enqueue and dequeue.
			return nil, &types.PoolError{
				Op:      "acquire",
				Pool:    p.cfg.Label,
				Session: id,
				Err:     types.ErrSessionUnavailable,
			}
		}

		handle, gen, err := sess.acquire(ctx)
		if err != nil {
			// The restart already failed once; the slot leaves rotation.
			p.drop(sess)
			return nil, err
		}

		p.counters.acquired.Add(1)
		metrics.Acquired.WithLabelValues(p.cfg.Label).Inc()
		metrics.AcquireWait.WithLabelValues(p.cfg.Label).Observe(time.Since(start).Seconds())

		log.Debug().
			Str("pool", p.cfg.Label).
			Str("session_id", id).
			Msg("Session acquired")

		return &Lease{pool: p, sess: sess, handle: handle, gen: gen}, nil

	case <-p.stopCh:
		return nil, types.ErrPoolClosed

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", types.ErrAcquireCanceled, ctx.Err())

	case <-timer.C:
		p.counters.exhausted.Add(1)
		metrics.Exhausted.WithLabelValues(p.cfg.Label).Inc()
		return nil, fmt.Errorf("%w: waited %s in pool %s",
			types.ErrPoolExhausted, p.cfg.AcquireTimeout, p.cfg.Label)
	}
}

// With acquires a session, runs fn with its handle, and releases the
// session on every exit path including panics.
func (p *Pool) With(ctx context.Context, fn func(browser.Handle) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Handle())
}

// release returns a session to rotation. A session that fails the
// release-time health/expiry check gets one restart; if that also fails
// the slot is permanently dropped. Pools shrink under sustained partial
// failure and only RestartAll rebuilds them.
func (p *Pool) release(sess *Session, gen uint64) {
	p.counters.released.Add(1)
	metrics.Released.WithLabelValues(p.cfg.Label).Inc()

	if p.closed.Load() {
		sess.cleanup()
		return
	}

	// Restarted behind the caller's back (RestartAll re-enqueued it);
	// re-enqueueing here would duplicate the id in the ready queue.
	if !sess.generationIs(gen) {
		log.Debug().
			Str("pool", p.cfg.Label).
			Str("session_id", sess.id).
			Msg("Session restarted while checked out, skipping re-enqueue")
		return
	}

	if sess.verify(context.Background()) {
		p.enqueue(sess.id)
		return
	}

	log.Warn().
		Str("pool", p.cfg.Label).
		Str("session_id", sess.id).
		Msg("Session unhealthy or expired at release, restarting")

	if err := sess.restart(context.Background()); err != nil {
		log.Error().
			Err(err).
			Str("pool", p.cfg.Label).
			Str("session_id", sess.id).
			Msg("Restart at release failed, dropping session from rotation")
		p.drop(sess)
		return
	}

	p.counters.restarted.Add(1)
	metrics.Restarted.WithLabelValues(p.cfg.Label).Inc()
	p.enqueue(sess.id)
}

// enqueue puts a session id back on the ready queue.
func (p *Pool) enqueue(id string) {
	if p.closed.Load() {
		return
	}
	select {
	case p.ready <- id:
		log.Debug().
			Str("pool", p.cfg.Label).
			Str("session_id", id).
			Msg("Session returned to pool")
	default:
		// Queue capacity equals pool size, so this means a double
		// release slipped through.
		log.Warn().
			Str("pool", p.cfg.Label).
			Str("session_id", id).
			Msg("Ready queue full on release, discarding enqueue")
	}
}

// drop removes a session from rotation for good.
func (p *Pool) drop(sess *Session) {
	sess.cleanup()

	p.mu.Lock()
	_, present := p.sessions[sess.id]
	delete(p.sessions, sess.id)
	remaining := len(p.sessions)
	p.mu.Unlock()

	if !present {
		return
	}

	p.counters.dropped.Add(1)
	metrics.Dropped.WithLabelValues(p.cfg.Label).Inc()
	metrics.SessionsTotal.WithLabelValues(p.cfg.Label).Set(float64(remaining))

	log.Warn().
		Str("pool", p.cfg.Label).
		Str("session_id", sess.id).
		Int("remaining", remaining).
		Msg("Session dropped from rotation")
}

// Stats returns a consistent snapshot without blocking checkout traffic.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	stats := types.PoolStats{
		PoolSize:          p.cfg.Size,
		TotalSessions:     len(sessions),
		AvailableSessions: len(p.ready),
		SessionsDetail:    make(map[string]types.SessionStats, len(sessions)),
		Counters: types.CounterStats{
			Acquired:  p.counters.acquired.Load(),
			Released:  p.counters.released.Load(),
			Restarted: p.counters.restarted.Load(),
			Dropped:   p.counters.dropped.Load(),
			Exhausted: p.counters.exhausted.Load(),
		},
	}
	for _, s := range sessions {
		stats.SessionsDetail[s.id] = s.snapshot()
	}
	return stats
}

// RestartAll drains the ready queue, restarts every session
// unconditionally and re-enqueues the successes. This is the operator
// lever for recovering from a systemic browser failure; nothing invokes
// it automatically.
func (p *Pool) RestartAll(ctx context.Context) error {
	if p.closed.Load() {
		return types.ErrPoolClosed
	}

	p.drainReady()

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	log.Info().
		Str("pool", p.cfg.Label).
		Int("count", len(sessions)).
		Msg("Restarting all sessions")

	eg := new(errgroup.Group)
	eg.SetLimit(teardownParallelism)

	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			if err := sess.restart(ctx); err != nil {
				p.drop(sess)
				return err
			}
			p.counters.restarted.Add(1)
			metrics.Restarted.WithLabelValues(p.cfg.Label).Inc()
			p.enqueue(sess.id)
			return nil
		})
	}

	err := eg.Wait()
	if err != nil {
		log.Error().
			Err(err).
			Str("pool", p.cfg.Label).
			Msg("Some sessions failed to restart")
	}
	return err
}

// Shutdown closes every session and empties the pool. Idempotent, and
// safe to race with in-flight acquires, which fail fast once the closed
// flag is set.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	close(p.stopCh)

	p.drainReady()

	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(teardownParallelism)
	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			sess.cleanup()
			return nil
		})
	}
	_ = eg.Wait()

	metrics.SessionsTotal.WithLabelValues(p.cfg.Label).Set(0)

	log.Info().
		Str("pool", p.cfg.Label).
		Int("closed", len(sessions)).
		Msg("Browser pool shut down")
}

// drainReady empties the ready queue without blocking.
func (p *Pool) drainReady() {
	for {
		select {
		case <-p.ready:
		default:
			return
		}
	}
}

// Lease is a scoped checkout of one session. The holder owns the handle
// exclusively until Release.
type Lease struct {
	pool   *Pool
	sess   *Session
	handle browser.Handle
	gen    uint64
	once   sync.Once
}

// Handle returns the live browser handle.
func (l *Lease) Handle() browser.Handle {
	return l.handle
}

// SessionID returns the id of the checked-out session.
func (l *Lease) SessionID() string {
	return l.sess.id
}

// Release returns the session to its pool. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.sess, l.gen)
	})
}
