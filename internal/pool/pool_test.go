package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jthomasson/bookpool/internal/browser"
	"github.com/jthomasson/bookpool/internal/types"
)

func newTestPool(t *testing.T, launcher *fakeLauncher, clock *fakeClock, size int, timeout time.Duration) *Pool {
	t.Helper()
	p, err := New(launcher, Config{
		Label:          "general",
		Size:           size,
		AcquireTimeout: timeout,
		MaxAge:         5 * time.Minute,
		MaxIdle:        60 * time.Second,
		Options:        browser.Options{},
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolInitialize(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 3, time.Second)

	stats := p.Stats()
	if stats.TotalSessions != 3 {
		t.Errorf("total = %d, want 3", stats.TotalSessions)
	}
	if stats.AvailableSessions != 3 {
		t.Errorf("available = %d, want 3", stats.AvailableSessions)
	}
	if launcher.launchCount() != 3 {
		t.Errorf("launches = %d, want 3", launcher.launchCount())
	}
}

func TestPoolInitializePartialFailure(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.setFailNext(1)

	p := newTestPool(t, launcher, newFakeClock(), 3, time.Second)

	stats := p.Stats()
	if stats.TotalSessions != 2 {
		t.Errorf("total = %d, want 2 after one failed slot", stats.TotalSessions)
	}
	if stats.PoolSize != 3 {
		t.Errorf("pool_size = %d, want configured 3", stats.PoolSize)
	}
}

func TestPoolInitializeAllFail(t *testing.T) {
	launcher := &fakeLauncher{}
	launcher.setFailAll(true)

	_, err := New(launcher, Config{
		Label:          "general",
		Size:           2,
		AcquireTimeout: time.Second,
		MaxAge:         5 * time.Minute,
		MaxIdle:        60 * time.Second,
		Clock:          newFakeClock().Now,
	})
	if !errors.Is(err, types.ErrLaunchFailed) {
		t.Fatalf("err = %v, want ErrLaunchFailed", err)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.Handle() == nil {
		t.Fatal("lease has no handle")
	}

	stats := p.Stats()
	if stats.AvailableSessions != 1 {
		t.Errorf("available = %d while one is held, want 1", stats.AvailableSessions)
	}

	lease.Release()

	stats = p.Stats()
	if stats.AvailableSessions != 2 {
		t.Errorf("available = %d after release, want 2", stats.AvailableSessions)
	}
	if got := stats.SessionsDetail[lease.SessionID()].UseCount; got != 1 {
		t.Errorf("use count = %d, want 1", got)
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lease.Release()
	lease.Release()
	lease.Release()

	stats := p.Stats()
	if stats.AvailableSessions != 2 {
		t.Errorf("available = %d after repeated release, want 2", stats.AvailableSessions)
	}
	if stats.Counters.Released != 1 {
		t.Errorf("released counter = %d, want 1", stats.Counters.Released)
	}
}

func TestPoolNoDoubleCheckout(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, 5*time.Second)

	var mu sync.Mutex
	held := make(map[browser.Handle]bool)
	var maxHeld, conflicts int

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(h browser.Handle) error {
				mu.Lock()
				if held[h] {
					conflicts++
				}
				held[h] = true
				if len(held) > maxHeld {
					maxHeld = len(held)
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				delete(held, h)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("With failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if conflicts != 0 {
		t.Errorf("%d handles were checked out twice concurrently", conflicts)
	}
	if maxHeld > 2 {
		t.Errorf("%d handles held at once, pool size is 2", maxHeld)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 1, 100*time.Millisecond)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %v, before the 100ms timeout", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("took %v to time out, expected about 100ms", elapsed)
	}

	if got := p.Stats().Counters.Exhausted; got != 1 {
		t.Errorf("exhausted counter = %d, want 1", got)
	}
}

func TestPoolExhaustionRecovers(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 1, 100*time.Millisecond)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted while held", err)
	}

	lease.Release()

	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	second.Release()
}

func TestPoolAcquireContextCanceled(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 1, 5*time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	if !errors.Is(err, types.ErrAcquireCanceled) {
		t.Fatalf("err = %v, want ErrAcquireCanceled", err)
	}
}

func TestPoolAcquireAfterShutdown(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, time.Second)

	p.Shutdown()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, types.ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolShutdownIdempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 3, time.Second)

	p.Shutdown()
	if got := p.Stats().TotalSessions; got != 0 {
		t.Errorf("total = %d after shutdown, want 0", got)
	}

	p.Shutdown()
	if got := p.Stats().TotalSessions; got != 0 {
		t.Errorf("total = %d after second shutdown, want 0", got)
	}

	for _, h := range launcher.handles {
		if !h.isClosed() {
			t.Errorf("handle %s left open after shutdown", h.id)
		}
	}
}

func TestPoolAgeExpiryRestartsOnAcquire(t *testing.T) {
	launcher := &fakeLauncher{}
	clock := newFakeClock()
	p := newTestPool(t, launcher, clock, 1, time.Second)
	first := launcher.handles[0]

	clock.Advance(6 * time.Minute)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	if lease.Handle() == browser.Handle(first) {
		t.Error("expected a fresh handle after age expiry")
	}
	if !first.isClosed() {
		t.Error("aged-out handle was not closed")
	}
}

func TestPoolIdleExpiryRestartsOnAcquire(t *testing.T) {
	launcher := &fakeLauncher{}
	clock := newFakeClock()
	p := newTestPool(t, launcher, clock, 1, time.Second)

	clock.Advance(90 * time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	if launcher.launchCount() != 2 {
		t.Errorf("launches = %d, want 2 after idle expiry restart", launcher.launchCount())
	}
}

func TestPoolReleaseRestartsUnhealthy(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 1, time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	launcher.handles[0].failPings()
	lease.Release()

	stats := p.Stats()
	if stats.TotalSessions != 1 || stats.AvailableSessions != 1 {
		t.Errorf("total/available = %d/%d after restart, want 1/1",
			stats.TotalSessions, stats.AvailableSessions)
	}
	if stats.Counters.Restarted != 1 {
		t.Errorf("restarted counter = %d, want 1", stats.Counters.Restarted)
	}
	if launcher.launchCount() != 2 {
		t.Errorf("launches = %d, want 2", launcher.launchCount())
	}
}

func TestPoolReleaseRestartFailureDropsSession(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 2, 100*time.Millisecond)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	for _, h := range launcher.handles {
		h.failPings()
	}
	launcher.setFailAll(true)
	lease.Release()

	stats := p.Stats()
	if stats.TotalSessions != 1 {
		t.Errorf("total = %d after drop, want 1", stats.TotalSessions)
	}
	if stats.Counters.Dropped != 1 {
		t.Errorf("dropped counter = %d, want 1", stats.Counters.Dropped)
	}

	// The surviving session still serves.
	launcher.setFailAll(false)
	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire from shrunk pool failed: %v", err)
	}
	second.Release()
}

func TestPoolSequentialReuse(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, time.Second)

	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		lease.Release()
	}

	var total int64
	for _, d := range p.Stats().SessionsDetail {
		total += d.UseCount
	}
	if total != 3 {
		t.Errorf("use counts sum to %d, want 3", total)
	}
}

func TestPoolWithReleasesOnPanic(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 1, 100*time.Millisecond)

	func() {
		defer func() { recover() }()
		_ = p.With(context.Background(), func(h browser.Handle) error {
			panic("scrape blew up")
		})
		t.Error("With should have propagated the panic")
	}()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("session not returned after panic: %v", err)
	}
	lease.Release()
}

func TestPoolRestartAll(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 3, time.Second)

	if err := p.RestartAll(context.Background()); err != nil {
		t.Fatalf("RestartAll failed: %v", err)
	}

	stats := p.Stats()
	if stats.TotalSessions != 3 || stats.AvailableSessions != 3 {
		t.Errorf("total/available = %d/%d after restart, want 3/3",
			stats.TotalSessions, stats.AvailableSessions)
	}
	if launcher.launchCount() != 6 {
		t.Errorf("launches = %d, want 6", launcher.launchCount())
	}
	for _, h := range launcher.handles[:3] {
		if !h.isClosed() {
			t.Errorf("original handle %s survived RestartAll", h.id)
		}
	}
}

func TestPoolRestartAllWithOutstandingLease(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 2, time.Second)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := p.RestartAll(context.Background()); err != nil {
		t.Fatalf("RestartAll failed: %v", err)
	}

	// The restarted session is already back in rotation; the stale
	// lease must not enqueue it a second time.
	lease.Release()

	stats := p.Stats()
	if stats.AvailableSessions != stats.TotalSessions {
		t.Errorf("available = %d, total = %d, want them equal",
			stats.AvailableSessions, stats.TotalSessions)
	}
	if stats.AvailableSessions > stats.PoolSize {
		t.Errorf("available = %d exceeds pool size %d", stats.AvailableSessions, stats.PoolSize)
	}

	// Two back-to-back acquires must hand out two distinct sessions.
	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if a.SessionID() == b.SessionID() {
		t.Errorf("both acquires returned session %s", a.SessionID())
	}
	a.Release()
	b.Release()
}

func TestPoolRestartAllPartialFailure(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, launcher, newFakeClock(), 3, time.Second)

	launcher.setFailNext(1)
	err := p.RestartAll(context.Background())
	if err == nil {
		t.Fatal("RestartAll should report the failed slot")
	}

	stats := p.Stats()
	if stats.TotalSessions != 2 {
		t.Errorf("total = %d after one failed restart, want 2", stats.TotalSessions)
	}
	if stats.AvailableSessions != 2 {
		t.Errorf("available = %d, want 2", stats.AvailableSessions)
	}
}

func TestPoolConcurrentChurn(t *testing.T) {
	p := newTestPool(t, &fakeLauncher{}, newFakeClock(), 4, 5*time.Second)

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				err := p.With(context.Background(), func(h browser.Handle) error {
					return h.Navigate(context.Background(), "https://example.com")
				})
				if err != nil {
					t.Errorf("With failed: %v", err)
					return
				}
				done.Add(1)
			}
		}()
	}
	wg.Wait()

	if done.Load() != 160 {
		t.Errorf("completed %d checkouts, want 160", done.Load())
	}

	stats := p.Stats()
	if stats.AvailableSessions != 4 {
		t.Errorf("available = %d after churn, want 4", stats.AvailableSessions)
	}
	if stats.Counters.Acquired != 160 {
		t.Errorf("acquired counter = %d, want 160", stats.Counters.Acquired)
	}
}
