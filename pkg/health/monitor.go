package health

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/sagenet/pkg/daemon"
	"github.com/cuemby/sagenet/pkg/log"
	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Monitor runs named checks on an interval and reports each component's
// health to the readiness registry served on /health and /ready.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	checks map[string]Checker
	status map[string]*Status
}

// NewMonitor creates an empty monitor
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: log.WithComponent("health"),
		checks: make(map[string]Checker),
		status: make(map[string]*Status),
	}
}

// Add registers c under name, replacing any previous check of that name.
func (m *Monitor) Add(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = c
	m.status[name] = NewStatus()
}

// Names returns the registered component names, sorted.
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a copy of the current status of name.
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// CheckAll runs every check once, concurrently. Failing checks never fail
// the round.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.Lock()
	checks := make(map[string]Checker, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.Unlock()

	var g errgroup.Group
	for name, c := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			m.record(name, c.Check(cctx))
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) record(name string, result Result) {
	m.mu.Lock()
	s, ok := m.status[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	was := s.Healthy
	s.Update(result, m.cfg)
	healthy := s.Healthy
	m.mu.Unlock()

	metrics.UpdateComponent(name, healthy, result.Message)
	if was != healthy {
		ev := m.logger.Info()
		if !healthy {
			ev = m.logger.Warn()
		}
		ev.Str("check", name).Bool("healthy", healthy).Str("message", result.Message).Msg("Component health changed")
	}
}

// Runner wraps CheckAll in a daemon that checks every Interval.
func (m *Monitor) Runner() *daemon.Runner {
	return daemon.New(daemon.Config{Name: "health", Interval: m.cfg.Interval}, m.CheckAll)
}
