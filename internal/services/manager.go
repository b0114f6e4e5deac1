// Package services stops and restarts the compose services that depend on
// the databases being dumped, and guarantees that whatever this run stopped
// is started again, in reverse order, on every exit path.
package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/hostbak/internal/docker"
)

const stateExited = "exited"

// Manager drives service shutdown and restart around the backup window.
type Manager struct {
	Runtime       docker.Runtime
	Log           zerolog.Logger
	ComposeFile   string
	StopTimeout   time.Duration
	PollInterval  time.Duration
	MaxIterations int

	// stopped is the ordered set of services stopped by this run. Restart
	// logic operates on this set only, never on the discovered list, so a
	// service the run never touched is never restarted by it.
	stopped []string
}

// DiscoverDependents computes the ordered stop list: every service that
// transitively depends on one of the database services, dependents first,
// the database services themselves last. The closure is bounded by
// MaxIterations; exceeding the bound is a configuration error (a cyclic or
// pathological depends_on graph), never a silent truncation.
func (m *Manager) DiscoverDependents(dbServices []string) ([]string, error) {
	graph, err := loadCompose(m.ComposeFile)
	if err != nil {
		return nil, err
	}
	return closure(graph, dbServices, m.MaxIterations)
}

func closure(graph map[string][]string, roots []string, maxIterations int) ([]string, error) {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	inSet := make(map[string]bool, len(roots))
	for _, r := range roots {
		if _, ok := graph[r]; !ok {
			// A configured database service missing from the compose file is
			// tolerated here; the dump coordinator reports it per target.
			continue
		}
		inSet[r] = true
	}

	// Iteratively pull in services depending on anything already in the set.
	// Each pass evaluates against a snapshot, so the iteration count equals
	// the dependency depth regardless of map order.
	for i := 0; ; i++ {
		if i >= maxIterations {
			return nil, fmt.Errorf("dependency discovery did not converge after %d iterations (cyclic depends_on?)", maxIterations)
		}
		snapshot := make(map[string]bool, len(inSet))
		for svc := range inSet {
			snapshot[svc] = true
		}
		grew := false
		for svc, deps := range graph {
			if snapshot[svc] {
				continue
			}
			for _, dep := range deps {
				if snapshot[dep] {
					inSet[svc] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}

	return stopOrder(graph, inSet), nil
}

// stopOrder sorts the closure so every service precedes the services it
// depends on: applications go down before their databases.
func stopOrder(graph map[string][]string, inSet map[string]bool) []string {
	depth := make(map[string]int, len(inSet))
	var depthOf func(svc string, seen map[string]bool) int
	depthOf = func(svc string, seen map[string]bool) int {
		if d, ok := depth[svc]; ok {
			return d
		}
		if seen[svc] {
			return 0 // cycle guard; the iteration bound already reported real cycles
		}
		seen[svc] = true
		max := 0
		for _, dep := range graph[svc] {
			if !inSet[dep] {
				continue
			}
			if d := depthOf(dep, seen) + 1; d > max {
				max = d
			}
		}
		depth[svc] = max
		return max
	}

	ordered := make([]string, 0, len(inSet))
	for svc := range inSet {
		ordered = append(ordered, svc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := depthOf(ordered[i], map[string]bool{}), depthOf(ordered[j], map[string]bool{})
		if di != dj {
			return di > dj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}

// Stop shuts the services down in order, verifying each reaches the exited
// state before moving on. Services already absent are skipped; a service
// that does not reach exited within StopTimeout fails the run.
func (m *Manager) Stop(ctx context.Context, ordered []string) error {
	for _, svc := range ordered {
		state, err := m.Runtime.ServiceState(ctx, svc)
		if err != nil {
			m.Log.Warn().Str("service", svc).Err(err).Msg("service not resolvable, skipping stop")
			continue
		}
		if state == stateExited {
			m.Log.Debug().Str("service", svc).Msg("service already stopped")
			continue
		}
		m.Log.Info().Str("service", svc).Msg("stopping service")
		if err := m.Runtime.StopService(ctx, svc); err != nil {
			return fmt.Errorf("stop %s: %w", svc, err)
		}
		if err := m.awaitExited(ctx, svc); err != nil {
			return err
		}
		m.stopped = append(m.stopped, svc)
	}
	return nil
}

func (m *Manager) awaitExited(ctx context.Context, svc string) error {
	timeout := m.StopTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := m.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		state, err := m.Runtime.ServiceState(ctx, svc)
		if err != nil {
			return fmt.Errorf("poll %s: %w", svc, err)
		}
		if state == stateExited {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s did not stop within %s (state %s)", svc, timeout, state)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Stopped returns the services stopped by this run, in stop order.
func (m *Manager) Stopped() []string {
	return append([]string(nil), m.stopped...)
}

// Start restarts exactly the services this run stopped, in reverse order.
// Each successful start removes the service from the stopped set, so a second
// call is a no-op for anything already restored.
func (m *Manager) Start(ctx context.Context) error {
	var firstErr error
	var remaining []string
	for i := len(m.stopped) - 1; i >= 0; i-- {
		svc := m.stopped[i]
		m.Log.Info().Str("service", svc).Msg("starting service")
		if err := m.Runtime.StartService(ctx, svc); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("start %s: %w", svc, err)
			}
			m.Log.Error().Str("service", svc).Err(err).Msg("failed to restart service")
			remaining = append([]string{svc}, remaining...)
		}
	}
	m.stopped = remaining
	return firstErr
}

// RestoreStopped is the compensation step for the failure path: best effort,
// never escalates. Services that are found running again are dropped from
// the stopped set without action.
func (m *Manager) RestoreStopped(ctx context.Context) {
	if len(m.stopped) == 0 {
		return
	}
	m.Log.Warn().Strs("services", m.stopped).Msg("restoring services stopped by this run")
	var remaining []string
	for i := len(m.stopped) - 1; i >= 0; i-- {
		svc := m.stopped[i]
		state, err := m.Runtime.ServiceState(ctx, svc)
		if err == nil && state != stateExited {
			continue
		}
		if err := m.Runtime.StartService(ctx, svc); err != nil {
			m.Log.Error().Str("service", svc).Err(err).Msg("emergency restart failed")
			remaining = append([]string{svc}, remaining...)
		}
	}
	m.stopped = remaining
}
