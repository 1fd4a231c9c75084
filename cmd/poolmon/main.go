// Command poolmon is a terminal dashboard for a running bookpoold. It
// polls the admin /stats endpoint and renders per-pool session detail.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jthomasson/bookpool/internal/types"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8420", "bookpoold admin address")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := newModel(*addr, *interval)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "poolmon: %v\n", err)
		os.Exit(1)
	}
}

type tickMsg time.Time

type statsMsg struct {
	stats types.ManagerStats
	err   error
}

type model struct {
	addr     string
	interval time.Duration
	client   *http.Client
	styles   styles

	stats   types.ManagerStats
	fetched bool
	lastErr error
	polled  time.Time
}

func newModel(addr string, interval time.Duration) model {
	return model{
		addr:     addr,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		styles:   newStyles(),
	}
}

func (m model) Init() tea.Cmd {
	return m.fetch
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
		return m, nil

	case statsMsg:
		m.polled = time.Now()
		m.lastErr = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.fetched = true
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch
	}
	return m, nil
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetch() tea.Msg {
	resp, err := m.client.Get(m.addr + "/stats")
	if err != nil {
		return statsMsg{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statsMsg{err: fmt.Errorf("stats returned %s", resp.Status)}
	}

	var stats types.ManagerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return statsMsg{err: fmt.Errorf("decoding stats: %w", err)}
	}
	return statsMsg{stats: stats}
}

func (m model) View() string {
	s := m.styles.title.Render("bookpool sessions") + "  " +
		m.styles.meta.Render(m.addr) + "\n\n"

	if m.lastErr != nil {
		s += m.styles.warning.Render(fmt.Sprintf("poll failed: %v", m.lastErr)) + "\n\n"
	}
	if !m.fetched {
		s += m.styles.empty.Render("waiting for first snapshot...") + "\n"
		return s
	}

	s += renderPool(m.styles, m.stats.General)

	names := make([]string, 0, len(m.stats.Sources))
	for name := range m.stats.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s += renderPool(m.styles, m.stats.Sources[name])
	}

	s += "\n" + m.styles.meta.Render(
		fmt.Sprintf("updated %s  [r] refresh  [q] quit", m.polled.Format("15:04:05")))
	return s
}

func renderPool(st styles, p types.ManagerPoolStats) string {
	header := fmt.Sprintf("%s  %d/%d available  (size %d, dropped %d, exhausted %d)",
		p.Label, p.AvailableSessions, p.TotalSessions, p.PoolSize,
		p.Counters.Dropped, p.Counters.Exhausted)
	out := st.pool.Render(header) + "\n"

	ids := make([]string, 0, len(p.SessionsDetail))
	for id := range p.SessionsDetail {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := p.SessionsDetail[id]
		state := st.healthy.Render("healthy")
		if d.IsExpired {
			state = st.warning.Render("expired")
		} else if !d.IsHealthy {
			state = st.warning.Render("unhealthy")
		}
		out += fmt.Sprintf("  %s  %s  uses %-4d age %5.0fs  idle %4.0fs\n",
			st.session.Render(id), state, d.UseCount, d.AgeSeconds, d.IdleSeconds)
	}
	if len(ids) == 0 {
		out += st.empty.Render("  no live sessions") + "\n"
	}
	return out + "\n"
}
