// Package pool manages a fixed set of long-lived browser sessions shared
// by the scraping workers. Each session owns exactly one browser handle
// and is checked out by at most one caller at a time; the pool restarts
// sessions in place when they age out, go idle too long, or stop
// responding.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jthomasson/bookpool/internal/browser"
	"github.com/jthomasson/bookpool/internal/types"
)

// Session is one slot in a pool: a browser handle plus its lifecycle
// metadata. All mutable fields are guarded by the session's own mutex;
// the pool never touches them directly.
type Session struct {
	id       string
	source   string
	launcher browser.Launcher
	opts     browser.Options
	maxAge   time.Duration
	maxIdle  time.Duration

	mu         sync.Mutex
	handle     browser.Handle
	createdAt  time.Time
	lastUsed   time.Time
	useCount   int64
	healthy    bool
	generation uint64

	now func() time.Time
}

func newSession(id, source string, launcher browser.Launcher, opts browser.Options, maxAge, maxIdle time.Duration, clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		id:       id,
		source:   source,
		launcher: launcher,
		opts:     opts,
		maxAge:   maxAge,
		maxIdle:  maxIdle,
		now:      clock,
	}
}

// ID returns the session's identity within its pool.
func (s *Session) ID() string {
	return s.id
}

// create launches a fresh handle. On failure the session is left with a
// nil handle and marked unhealthy so the pool never hands it out.
// Must be called with s.mu held.
func (s *Session) create(ctx context.Context) error {
	h, err := s.launcher.Launch(ctx, s.opts)
	if err != nil {
		s.handle = nil
		s.healthy = false
		log.Error().
			Err(err).
			Str("session_id", s.id).
			Str("source", s.source).
			Msg("Failed to create browser session")
		return fmt.Errorf("%w: session %s: %v", types.ErrLaunchFailed, s.id, err)
	}

	now := s.now()
	s.handle = h
	s.createdAt = now
	s.lastUsed = now
	s.useCount = 0
	s.healthy = true
	s.generation++

	log.Info().
		Str("session_id", s.id).
		Str("source", s.source).
		Msg("Created browser session")
	return nil
}

// Expired reports whether the session is due for a restart: too old, idle
// too long, unhealthy, or without a handle. Pure predicate, no side
// effects.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked()
}

func (s *Session) expiredLocked() bool {
	if !s.healthy || s.handle == nil {
		return true
	}
	now := s.now()
	if now.Sub(s.createdAt) > s.maxAge {
		return true
	}
	if now.Sub(s.lastUsed) > s.maxIdle {
		return true
	}
	return false
}

// acquire hands the live handle to a caller. An expired session gets one
// in-place restart first; if that fails the session is unavailable and
// the caller must not retry it. On success the last-used timestamp is
// touched and the use counter incremented.
func (s *Session) acquire(ctx context.Context) (browser.Handle, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked() {
		log.Debug().
			Str("session_id", s.id).
			Msg("Session expired at checkout, restarting")
		if err := s.restartLocked(ctx); err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", types.ErrSessionUnavailable, s.id, err)
		}
	}

	s.lastUsed = s.now()
	s.useCount++
	return s.handle, s.generation, nil
}

// restart tears down the current handle and launches a new one. This is
// the sole recovery mechanism; a wedged handle is never partially
// repaired.
func (s *Session) restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartLocked(ctx)
}

func (s *Session) restartLocked(ctx context.Context) error {
	s.cleanupLocked()
	return s.create(ctx)
}

// cleanup closes the handle if present and marks the session unhealthy.
// Idempotent: cleaning an already-clean session is a no-op.
func (s *Session) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Session) cleanupLocked() {
	if s.handle == nil {
		s.healthy = false
		return
	}
	if err := s.handle.Close(); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", s.id).
			Msg("Error closing browser session")
	} else {
		log.Debug().Str("session_id", s.id).Msg("Cleaned up browser session")
	}
	s.handle = nil
	s.healthy = false
}

// verify probes the handle. Used on the release path so a browser that
// died while checked out is caught before it re-enters rotation.
func (s *Session) verify(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked() {
		return false
	}
	if err := s.handle.Ping(ctx); err != nil {
		log.Debug().
			Err(err).
			Str("session_id", s.id).
			Msg("Session health probe failed")
		s.healthy = false
		return false
	}
	return true
}

// generationIs reports whether the session's handle is still the one the
// given generation refers to. A mismatch means the session was restarted
// behind the caller's back (RestartAll) and is already back in rotation.
func (s *Session) generationIs(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// snapshot returns the session's stats line.
func (s *Session) snapshot() types.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := types.SessionStats{
		Source:    s.source,
		UseCount:  s.useCount,
		IsHealthy: s.healthy,
		IsExpired: s.expiredLocked(),
	}
	if !s.createdAt.IsZero() {
		stats.AgeSeconds = now.Sub(s.createdAt).Seconds()
		stats.IdleSeconds = now.Sub(s.lastUsed).Seconds()
	}
	return stats
}
