// Package supervisor starts registered services in dependency order,
// watches their health, and restarts failing ones a bounded number of
// times before parking them in an error state.
package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consultation-relay/internal/config"
	"consultation-relay/internal/telemetry"
)

// Service is anything the supervisor can manage.
type Service interface {
	Start() error
	Stop() error
	Healthy() bool
}

// State is a service's lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateError      State = "error"
	StateRecovering State = "recovering"
)

// consecutive health check failures before a restart is attempted
const failureThreshold = 3

type entry struct {
	name      string
	svc       Service
	deps      []string
	state     State
	restarts  int
	failures  int
	startedAt time.Time
}

// ServiceStatus is one service's row in the system snapshot.
type ServiceStatus struct {
	State         State   `json:"state"`
	Restarts      int     `json:"restarts"`
	Failures      int     `json:"consecutive_failures"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Supervisor manages service lifecycles.
type Supervisor struct {
	logger *slog.Logger

	pollInterval time.Duration
	maxRestarts  int
	restartDelay time.Duration
	critical     map[string]bool

	mu       sync.Mutex
	services map[string]*entry
	order    []string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a supervisor from config.
func New(cfg config.Config, logger *slog.Logger) *Supervisor {
	critical := make(map[string]bool, len(cfg.CriticalServices))
	for _, name := range cfg.CriticalServices {
		critical[name] = true
	}
	return &Supervisor{
		logger:       logger,
		pollInterval: cfg.HealthPollInterval,
		maxRestarts:  cfg.MaxRestartAttempts,
		restartDelay: cfg.RestartDelay,
		critical:     critical,
		services:     make(map[string]*entry),
		done:         make(chan struct{}),
	}
}

// Register adds a service with its dependencies. Dependencies must be
// registered before StartAll; registration order does not matter.
func (s *Supervisor) Register(name string, svc Service, deps ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	s.services[name] = &entry{name: name, svc: svc, deps: deps, state: StateStopped}
	return nil
}

// StartAll resolves the dependency graph and starts every service in
// topological order. The first start failure stops the already-started
// services in reverse order and aborts.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	order, err := s.topoOrder()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.order = order
	s.mu.Unlock()

	for i, name := range order {
		if err := s.startService(name); err != nil {
			s.emergencyStop(order[:i])
			return err
		}
	}

	s.wg.Add(1)
	go s.healthLoop()
	return nil
}

// emergencyStop unwinds a partial startup in reverse order, logging
// and swallowing stop errors.
func (s *Supervisor) emergencyStop(started []string) {
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		s.mu.Lock()
		e := s.services[name]
		if e.state != StateRunning {
			s.mu.Unlock()
			continue
		}
		e.state = StateStopping
		s.mu.Unlock()

		if err := e.svc.Stop(); err != nil {
			s.logger.Warn("emergency stop failed", "service", name, "error", err)
		} else {
			s.logger.Info("service stopped after start failure", "service", name)
		}

		s.mu.Lock()
		e.state = StateStopped
		s.mu.Unlock()
	}
}

// StopAll stops every running service in reverse start order. Stop
// errors are logged and swallowed so a stuck service cannot block the
// rest of the shutdown.
func (s *Supervisor) StopAll() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		s.mu.Lock()
		e := s.services[name]
		if e.state != StateRunning && e.state != StateError && e.state != StateRecovering {
			s.mu.Unlock()
			continue
		}
		e.state = StateStopping
		s.mu.Unlock()

		if err := e.svc.Stop(); err != nil {
			s.logger.Warn("service stop failed", "service", name, "error", err)
		} else {
			s.logger.Info("service stopped", "service", name)
		}

		s.mu.Lock()
		e.state = StateStopped
		s.mu.Unlock()
	}
}

// States reports the current state of every registered service.
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.services))
	for name, e := range s.services {
		out[name] = e.state
	}
	return out
}

// SystemStatus reports state, restart counts, and uptime per service.
func (s *Supervisor) SystemStatus() map[string]ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]ServiceStatus, len(s.services))
	for name, e := range s.services {
		st := ServiceStatus{State: e.state, Restarts: e.restarts, Failures: e.failures}
		if e.state == StateRunning && !e.startedAt.IsZero() {
			st.UptimeSeconds = now.Sub(e.startedAt).Seconds()
		}
		out[name] = st
	}
	return out
}

func (s *Supervisor) startService(name string) error {
	s.mu.Lock()
	e := s.services[name]
	for _, dep := range e.deps {
		if s.services[dep].state != StateRunning {
			s.mu.Unlock()
			return fmt.Errorf("service %q: dependency %q is not running", name, dep)
		}
	}
	e.state = StateStarting
	s.mu.Unlock()

	if err := e.svc.Start(); err != nil {
		s.mu.Lock()
		e.state = StateError
		s.mu.Unlock()
		return fmt.Errorf("start service %q: %w", name, err)
	}

	s.mu.Lock()
	e.state = StateRunning
	e.failures = 0
	e.startedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("service started", "service", name)
	return nil
}

// topoOrder runs a depth-first traversal over the dependency graph and
// reports a cycle as an error. Caller holds s.mu.
func (s *Supervisor) topoOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	marks := make(map[string]int, len(s.services))
	order := make([]string, 0, len(s.services))

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through service %q", name)
		}
		e, ok := s.services[name]
		if !ok {
			return fmt.Errorf("unknown dependency %q", name)
		}
		marks[name] = visiting
		for _, dep := range e.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

// checkAll polls every running service once and recovers those past
// the failure threshold.
func (s *Supervisor) checkAll() {
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for _, name := range order {
		s.mu.Lock()
		e := s.services[name]
		state := e.state
		s.mu.Unlock()
		if state != StateRunning {
			continue
		}

		if e.svc.Healthy() {
			s.mu.Lock()
			e.failures = 0
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		e.failures++
		failures := e.failures
		s.mu.Unlock()
		s.logger.Warn("service health check failed", "service", name, "consecutive", failures)

		if failures >= failureThreshold {
			s.recover(name)
		}
	}
}

// recover restarts one unhealthy service. When the restart budget is
// exhausted the service parks in the error state; critical services in
// that state are called out loudly.
func (s *Supervisor) recover(name string) {
	s.mu.Lock()
	e := s.services[name]
	if e.restarts >= s.maxRestarts {
		e.state = StateError
		s.mu.Unlock()
		if s.critical[name] {
			s.logger.Error("critical service failed permanently", "service", name, "restarts", e.restarts)
		} else {
			s.logger.Error("service failed permanently", "service", name, "restarts", e.restarts)
		}
		return
	}
	e.state = StateRecovering
	e.restarts++
	restarts := e.restarts
	s.mu.Unlock()

	telemetry.ServiceRestarts.Inc()
	s.logger.Warn("recovering service", "service", name, "attempt", restarts)

	if err := e.svc.Stop(); err != nil {
		s.logger.Warn("stop during recovery failed", "service", name, "error", err)
	}
	if s.restartDelay > 0 {
		select {
		case <-s.done:
			return
		case <-time.After(s.restartDelay):
		}
	}

	if err := e.svc.Start(); err != nil {
		s.mu.Lock()
		e.state = StateError
		s.mu.Unlock()
		s.logger.Error("restart failed", "service", name, "error", err)
		return
	}

	s.mu.Lock()
	e.state = StateRunning
	e.failures = 0
	e.startedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("service recovered", "service", name, "attempt", restarts)
}
