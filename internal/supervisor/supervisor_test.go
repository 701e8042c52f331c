package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"consultation-relay/internal/config"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeService struct {
	name     string
	rec      *recorder
	mu       sync.Mutex
	healthy  bool
	startErr error
	stopErr  error
}

func newFakeService(name string, rec *recorder) *fakeService {
	return &fakeService{name: name, rec: rec, healthy: true}
}

func (f *fakeService) Start() error {
	f.rec.record("start:" + f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.healthy = true
	return nil
}

func (f *fakeService) Stop() error {
	f.rec.record("stop:" + f.name)
	return f.stopErr
}

func (f *fakeService) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeService) setHealthy(h bool) {
	f.mu.Lock()
	f.healthy = h
	f.mu.Unlock()
}

func testSupervisor() *Supervisor {
	cfg := config.Config{
		HealthPollInterval: time.Hour,
		MaxRestartAttempts: 2,
		RestartDelay:       0,
		CriticalServices:   []string{"database", "transport"},
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStartOrderFollowsDependencies(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	// Registered out of order on purpose.
	if err := s.Register("transport", newFakeService("transport", rec), "database"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register("queue", newFakeService("queue", rec), "transport"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register("database", newFakeService("database", rec)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer s.StopAll()

	events := rec.all()
	pos := make(map[string]int)
	for i, e := range events {
		pos[e] = i
	}
	if pos["start:database"] > pos["start:transport"] {
		t.Fatalf("transport started before its database dependency: %v", events)
	}
	if pos["start:transport"] > pos["start:queue"] {
		t.Fatalf("queue started before its transport dependency: %v", events)
	}

	states := s.States()
	for name, st := range states {
		if st != StateRunning {
			t.Fatalf("service %s in state %s after StartAll", name, st)
		}
	}
}

func TestCycleDetectedBeforeAnyStart(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	s.Register("a", newFakeService("a", rec), "b")
	s.Register("b", newFakeService("b", rec), "a")

	if err := s.StartAll(); err == nil {
		t.Fatal("cycle went undetected")
	}
	if events := rec.all(); len(events) != 0 {
		t.Fatalf("services started despite cycle: %v", events)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	s.Register("a", newFakeService("a", rec), "missing")
	if err := s.StartAll(); err == nil {
		t.Fatal("unknown dependency went undetected")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	if err := s.Register("a", newFakeService("a", rec)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register("a", newFakeService("a", rec)); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestStartFailureAbortsSequence(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	broken := newFakeService("database", rec)
	broken.startErr = errors.New("connection refused")
	s.Register("database", broken)
	s.Register("transport", newFakeService("transport", rec), "database")

	if err := s.StartAll(); err == nil {
		t.Fatal("expected start failure")
	}
	for _, e := range rec.all() {
		if e == "start:transport" {
			t.Fatal("dependent service started after its dependency failed")
		}
	}
	if st := s.States()["database"]; st != StateError {
		t.Fatalf("failed service in state %s, want %s", st, StateError)
	}
}

func TestHealthFailuresTriggerRecoveryAtThreshold(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	svc := newFakeService("queue", rec)
	s.Register("queue", svc)
	if err := s.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer s.StopAll()

	svc.setHealthy(false)
	s.checkAll()
	s.checkAll()
	if st := s.States()["queue"]; st != StateRunning {
		t.Fatalf("recovered before the failure threshold: state %s", st)
	}

	// Third consecutive failure: stop, restart, healthy again.
	s.checkAll()
	if st := s.States()["queue"]; st != StateRunning {
		t.Fatalf("service not running after recovery: state %s", st)
	}

	events := rec.all()
	want := []string{"start:queue", "stop:queue", "start:queue"}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v, want %v", events, want)
		}
	}
}

func TestRestartBudgetExhaustionParksInError(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	svc := newFakeService("transport", rec)
	s.Register("transport", svc)
	if err := s.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer s.StopAll()

	// Each recovery restarts the service but it keeps failing health
	// checks. Budget is 2 restarts.
	for round := 0; round < 3; round++ {
		svc.setHealthy(false)
		for i := 0; i < failureThreshold; i++ {
			s.checkAll()
		}
		// Start() marks it healthy again, so force back to failing
		// except after the final round.
		svc.setHealthy(false)
	}

	if st := s.States()["transport"]; st != StateError {
		t.Fatalf("service in state %s after budget exhaustion, want %s", st, StateError)
	}

	// Parked services are left alone by later checks.
	before := len(rec.all())
	s.checkAll()
	if after := len(rec.all()); after != before {
		t.Fatal("parked service was restarted again")
	}
}

func TestStopAllRunsInReverseOrderAndSwallowsErrors(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	db := newFakeService("database", rec)
	db.stopErr = errors.New("already closed")
	s.Register("database", db)
	s.Register("transport", newFakeService("transport", rec), "database")
	s.Register("queue", newFakeService("queue", rec), "transport")

	if err := s.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	s.StopAll()

	events := rec.all()
	stops := make([]string, 0, 3)
	for _, e := range events {
		if len(e) > 5 && e[:5] == "stop:" {
			stops = append(stops, e[5:])
		}
	}
	want := []string{"queue", "transport", "database"}
	if len(stops) != len(want) {
		t.Fatalf("stops %v, want %v", stops, want)
	}
	for i := range want {
		if stops[i] != want[i] {
			t.Fatalf("stop order %v, want %v", stops, want)
		}
	}
	for name, st := range s.States() {
		if st != StateStopped {
			t.Fatalf("service %s in state %s after StopAll", name, st)
		}
	}
}

func TestSystemStatusReportsRestarts(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	svc := newFakeService("queue", rec)
	s.Register("queue", svc)
	if err := s.StartAll(); err != nil {
		t.Fatalf("start all: %v", err)
	}
	defer s.StopAll()

	status := s.SystemStatus()["queue"]
	if status.State != StateRunning || status.Restarts != 0 {
		t.Fatalf("fresh service status %+v", status)
	}

	svc.setHealthy(false)
	for i := 0; i < failureThreshold; i++ {
		s.checkAll()
	}

	status = s.SystemStatus()["queue"]
	if status.Restarts != 1 {
		t.Fatalf("restarts %d after one recovery, want 1", status.Restarts)
	}
	if status.State != StateRunning {
		t.Fatalf("state %s after recovery, want %s", status.State, StateRunning)
	}
}

func TestStartFailureStopsAlreadyStartedServices(t *testing.T) {
	s := testSupervisor()
	rec := &recorder{}

	s.Register("database", newFakeService("database", rec))
	s.Register("transport", newFakeService("transport", rec), "database")
	broken := newFakeService("queue", rec)
	broken.startErr = errors.New("disk full")
	s.Register("queue", broken, "transport")

	if err := s.StartAll(); err == nil {
		t.Fatal("expected start failure")
	}

	events := rec.all()
	want := []string{"start:database", "start:transport", "start:queue", "stop:transport", "stop:database"}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v, want %v", events, want)
		}
	}

	states := s.States()
	if states["database"] != StateStopped || states["transport"] != StateStopped {
		t.Fatalf("started services not shut back down: %v", states)
	}
	if states["queue"] != StateError {
		t.Fatalf("failed service in state %s, want %s", states["queue"], StateError)
	}
}
