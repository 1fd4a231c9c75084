package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jthomasson/bookpool/internal/browser"
)

// fakeHandle is a stand-in browser handle for pool tests.
type fakeHandle struct {
	id string

	mu       sync.Mutex
	pingErr  error
	closed   bool
	navCount int
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle %s is closed", h.id)
	}
	h.navCount++
	return nil
}

func (h *fakeHandle) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handle %s is closed", h.id)
	}
	return h.pingErr
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) failPings() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingErr = fmt.Errorf("handle %s stopped responding", h.id)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fakeLauncher counts launches and can be told to fail some or all of
// them.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	failNext int  // fail this many upcoming launches
	failAll  bool // fail every launch
	handles  []*fakeHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, opts browser.Options) (browser.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launches++
	if l.failAll {
		return nil, fmt.Errorf("launch refused")
	}
	if l.failNext > 0 {
		l.failNext--
		return nil, fmt.Errorf("launch refused")
	}

	h := &fakeHandle{id: fmt.Sprintf("handle-%d", l.launches)}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) setFailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

func (l *fakeLauncher) setFailAll(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAll = fail
}

// fakeClock is a manually advanced clock for expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
