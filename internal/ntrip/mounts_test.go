package ntrip

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClient stands in for a Client; tests steer its reported metrics
// and the manager's health checks do the rest.
type fakeClient struct {
	id      string
	started atomic.Bool
	closed  atomic.Bool

	mu  sync.Mutex
	met Metrics
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.started.Store(true)
	return nil
}

func (f *fakeClient) Close() { f.closed.Store(true) }

func (f *fakeClient) Metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.met
}

func (f *fakeClient) MountID() string { return f.id }

func (f *fakeClient) setMetrics(met Metrics) {
	f.mu.Lock()
	f.met = met
	f.mu.Unlock()
}

func streamingMetrics(now time.Time) Metrics {
	return Metrics{State: StateStreaming, LastByteAt: now}
}

func mountCfg(id string, priority int) MountConfig {
	return MountConfig{
		ID:         id,
		Host:       "caster.test",
		Mountpoint: "RTCM3",
		Priority:   priority,
	}
}

// newTestManager wires the client factory to fakes and uses a check
// interval long enough that only explicit checkHealth calls run.
func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, map[string]*fakeClient, *packetCollector) {
	t.Helper()
	var col packetCollector
	m := NewManager(cfg, col.sink)
	fakes := make(map[string]*fakeClient)
	m.newClient = func(cfg MountConfig, _ func(CorrectionPacket)) (corrector, error) {
		f := &fakeClient{id: cfg.ID}
		fakes[cfg.ID] = f
		return f, nil
	}
	return m, fakes, &col
}

func TestMounts_PromotesLowestPriority(t *testing.T) {
	m, fakes, _ := newTestManager(t, ManagerConfig{})
	for id, prio := range map[string]int{"primary": 1, "backup": 2} {
		if err := m.AddMount(mountCfg(id, prio)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	now := time.Now()
	fakes["primary"].setMetrics(streamingMetrics(now))
	fakes["backup"].setMetrics(streamingMetrics(now))

	m.checkHealth(now)

	st := m.Status()
	if st.ActiveMount != "primary" {
		t.Fatalf("expected primary active, got %q", st.ActiveMount)
	}
	for _, ms := range st.Mounts {
		if ms.Health != HealthHealthy {
			t.Fatalf("mount %s expected healthy, got %s", ms.ID, ms.Health)
		}
	}
}

func TestMounts_FailoverOnStaleActive(t *testing.T) {
	cfg := ManagerConfig{StaleThreshold: 10 * time.Second}
	m, fakes, _ := newTestManager(t, cfg)
	if err := m.AddMount(mountCfg("primary", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddMount(mountCfg("backup", 2)); err != nil {
		t.Fatalf("add: %v", err)
	}

	now := time.Now()
	fakes["primary"].setMetrics(streamingMetrics(now))
	fakes["backup"].setMetrics(streamingMetrics(now))
	m.checkHealth(now)
	if st := m.Status(); st.ActiveMount != "primary" {
		t.Fatalf("setup: expected primary active, got %q", st.ActiveMount)
	}

	// Primary goes silent past the threshold; one check must both demote
	// it and promote the standby.
	later := now.Add(15 * time.Second)
	fakes["primary"].setMetrics(Metrics{State: StateStreaming, LastByteAt: now})
	fakes["backup"].setMetrics(streamingMetrics(later))
	m.checkHealth(later)

	st := m.Status()
	if st.ActiveMount != "backup" {
		t.Fatalf("expected failover to backup, got %q", st.ActiveMount)
	}
	for _, ms := range st.Mounts {
		if ms.ID == "primary" && ms.Health != HealthProbation {
			t.Fatalf("demoted active expected probation, got %s", ms.Health)
		}
	}
}

func TestMounts_ProbationBlocksPromotionUntilCooldown(t *testing.T) {
	cfg := ManagerConfig{
		StaleThreshold:    10 * time.Second,
		ProbationCoolDown: 30 * time.Second,
	}
	m, fakes, _ := newTestManager(t, cfg)
	if err := m.AddMount(mountCfg("only", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Healthy, active, then demoted.
	t0 := time.Now()
	fakes["only"].setMetrics(streamingMetrics(t0))
	m.checkHealth(t0)
	t1 := t0.Add(15 * time.Second)
	m.checkHealth(t1) // stale -> probation
	if st := m.Status(); st.ActiveMount != "" {
		t.Fatalf("demoted mount still active: %q", st.ActiveMount)
	}

	// Streams cleanly again, but stays in probation until the cool-down
	// elapses, even with no alternative available.
	t2 := t1.Add(5 * time.Second)
	fakes["only"].setMetrics(streamingMetrics(t2))
	m.checkHealth(t2) // clean streak starts
	t3 := t2.Add(20 * time.Second)
	fakes["only"].setMetrics(streamingMetrics(t3))
	m.checkHealth(t3)
	st := m.Status()
	if st.ActiveMount != "" {
		t.Fatalf("promoted before cool-down: %q", st.ActiveMount)
	}
	if st.Mounts[0].Health != HealthProbation {
		t.Fatalf("expected probation, got %s", st.Mounts[0].Health)
	}

	t4 := t2.Add(35 * time.Second)
	fakes["only"].setMetrics(streamingMetrics(t4))
	m.checkHealth(t4)
	st = m.Status()
	if st.ActiveMount != "only" || st.Mounts[0].Health != HealthHealthy {
		t.Fatalf("expected promotion after cool-down, got %+v", st)
	}
}

func TestMounts_ProbationStreakResetsOnBadObservation(t *testing.T) {
	cfg := ManagerConfig{
		StaleThreshold:    10 * time.Second,
		ProbationCoolDown: 30 * time.Second,
	}
	m, fakes, _ := newTestManager(t, cfg)
	if err := m.AddMount(mountCfg("only", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	t0 := time.Now()
	fakes["only"].setMetrics(streamingMetrics(t0))
	m.checkHealth(t0)
	t1 := t0.Add(15 * time.Second)
	m.checkHealth(t1) // probation

	// 20s of clean streaming, then a reconnect wipes the streak.
	t2 := t1.Add(5 * time.Second)
	fakes["only"].setMetrics(streamingMetrics(t2))
	m.checkHealth(t2)
	t3 := t2.Add(20 * time.Second)
	fakes["only"].setMetrics(Metrics{State: StateStreaming, LastByteAt: t3, Reconnects: 1})
	m.checkHealth(t3)

	// Another 25s clean: still short of a full cool-down since the reset.
	t4 := t3.Add(25 * time.Second)
	fakes["only"].setMetrics(Metrics{State: StateStreaming, LastByteAt: t4, Reconnects: 1})
	m.checkHealth(t4)
	if st := m.Status(); st.ActiveMount != "" {
		t.Fatalf("streak reset ignored, promoted at %q", st.ActiveMount)
	}
}

func TestMounts_AuthFailedNeverPromoted(t *testing.T) {
	m, fakes, _ := newTestManager(t, ManagerConfig{})
	if err := m.AddMount(mountCfg("bad-creds", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	now := time.Now()
	fakes["bad-creds"].setMetrics(Metrics{State: StateFailed, LastError: "authentication rejected"})
	m.checkHealth(now)
	m.checkHealth(now.Add(time.Minute))

	st := m.Status()
	if st.ActiveMount != "" {
		t.Fatalf("failed mount promoted: %q", st.ActiveMount)
	}
	if st.Mounts[0].Health != HealthFailed {
		t.Fatalf("expected failed health, got %s", st.Mounts[0].Health)
	}
}

func TestMounts_ForwardsOnlyActiveMount(t *testing.T) {
	m, fakes, col := newTestManager(t, ManagerConfig{})
	if err := m.AddMount(mountCfg("primary", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddMount(mountCfg("backup", 2)); err != nil {
		t.Fatalf("add: %v", err)
	}

	now := time.Now()
	fakes["primary"].setMetrics(streamingMetrics(now))
	fakes["backup"].setMetrics(streamingMetrics(now))
	m.checkHealth(now)

	m.forward(CorrectionPacket{Data: []byte{1}, MountID: "primary", ReceivedAt: now})
	m.forward(CorrectionPacket{Data: []byte{2}, MountID: "backup", ReceivedAt: now})

	pkts := col.snapshot()
	if len(pkts) != 1 || pkts[0].MountID != "primary" {
		t.Fatalf("expected only the active mount's packet, got %+v", pkts)
	}
	if st := m.Status(); st.LastCorrectionAgeMS < 0 {
		t.Fatalf("correction age not tracked: %+v", st)
	}
}

func TestMounts_CorrectionAgeUnsetBeforeFirstPacket(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	if st := m.Status(); st.LastCorrectionAgeMS != -1 {
		t.Fatalf("expected -1 before first packet, got %d", st.LastCorrectionAgeMS)
	}
}

func TestMounts_AddDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	if err := m.AddMount(mountCfg("a", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.AddMount(mountCfg("a", 2)); err == nil {
		t.Fatalf("expected duplicate add to fail")
	}
}

func TestMounts_RemoveActiveClearsSelection(t *testing.T) {
	m, fakes, _ := newTestManager(t, ManagerConfig{})
	if err := m.AddMount(mountCfg("a", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	now := time.Now()
	fakes["a"].setMetrics(streamingMetrics(now))
	m.checkHealth(now)
	if st := m.Status(); st.ActiveMount != "a" {
		t.Fatalf("setup: expected a active")
	}

	if err := m.RemoveMount("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !fakes["a"].closed.Load() {
		t.Fatalf("removed mount's client not closed")
	}
	if st := m.Status(); st.ActiveMount != "" || len(st.Mounts) != 0 {
		t.Fatalf("stale state after remove: %+v", st)
	}
	if err := m.RemoveMount("a"); err == nil {
		t.Fatalf("expected second remove to fail")
	}
}

func TestMounts_HotStandbyConnectsAllMounts(t *testing.T) {
	cfg := ManagerConfig{CheckInterval: time.Hour}
	m, fakes, _ := newTestManager(t, cfg)
	if err := m.AddMount(mountCfg("early", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Close)

	if !fakes["early"].started.Load() {
		t.Fatalf("pre-start mount not connected on Start")
	}

	// A mount added while running connects immediately, without waiting
	// to become active.
	if err := m.AddMount(mountCfg("late", 2)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !fakes["late"].started.Load() {
		t.Fatalf("late mount not connected on add")
	}
}

func TestMounts_CloseStopsAllClients(t *testing.T) {
	m, fakes, _ := newTestManager(t, ManagerConfig{CheckInterval: time.Hour})
	for id, prio := range map[string]int{"a": 1, "b": 2} {
		if err := m.AddMount(mountCfg(id, prio)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Close()

	for id, f := range fakes {
		if !f.closed.Load() {
			t.Fatalf("client %s not closed", id)
		}
	}
}
