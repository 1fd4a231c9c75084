package types

// SessionStats describes one session in a stats snapshot.
type SessionStats struct {
	Source      string  `json:"source"`
	UseCount    int64   `json:"use_count"`
	AgeSeconds  float64 `json:"age_seconds"`
	IdleSeconds float64 `json:"idle_seconds"`
	IsHealthy   bool    `json:"is_healthy"`
	IsExpired   bool    `json:"is_expired"`
}

// CounterStats holds the monotonic counters a pool accumulates over its
// lifetime.
type CounterStats struct {
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Restarted int64 `json:"restarted"`
	Dropped   int64 `json:"dropped"`
	Exhausted int64 `json:"exhausted"`
}

// PoolStats is a point-in-time snapshot of a single pool.
type PoolStats struct {
	PoolSize          int                     `json:"pool_size"`
	TotalSessions     int                     `json:"total_sessions"`
	AvailableSessions int                     `json:"available_sessions"`
	SessionsDetail    map[string]SessionStats `json:"sessions_detail"`
	Counters          CounterStats            `json:"counters"`
}

// ManagerStats aggregates the general pool with any source sub-pools.
type ManagerStats struct {
	General ManagerPoolStats            `json:"general"`
	Sources map[string]ManagerPoolStats `json:"source_pools,omitempty"`
}

// ManagerPoolStats is a PoolStats tagged with the pool's label.
type ManagerPoolStats struct {
	Label string `json:"label"`
	PoolStats
}

// TotalSessions returns the session count across all pools.
func (m ManagerStats) TotalSessions() int {
	n := m.General.TotalSessions
	for _, p := range m.Sources {
		n += p.TotalSessions
	}
	return n
}

// AvailableSessions returns the available count across all pools.
func (m ManagerStats) AvailableSessions() int {
	n := m.General.AvailableSessions
	for _, p := range m.Sources {
		n += p.AvailableSessions
	}
	return n
}
