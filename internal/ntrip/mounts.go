package ntrip

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Mount health, derived from the client's staleness and reconnect metrics.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthFailed    = "failed"
	HealthProbation = "probation"
)

// ManagerConfig tunes health evaluation and anti-flapping.
type ManagerConfig struct {
	// CheckInterval is the health evaluation cadence.
	CheckInterval time.Duration `yaml:"check_interval"`
	// StaleThreshold is the maximum silent period before a streaming
	// mount is considered unhealthy.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// ProbationCoolDown is how long a demoted mount must stream cleanly
	// before it becomes eligible for promotion again.
	ProbationCoolDown time.Duration `yaml:"probation_cooldown"`
}

func (c *ManagerConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 15 * time.Second
	}
	if c.ProbationCoolDown <= 0 {
		c.ProbationCoolDown = 30 * time.Second
	}
}

// corrector is the slice of Client the manager needs; tests substitute
// controllable fakes.
type corrector interface {
	Start(ctx context.Context) error
	Close()
	Metrics() Metrics
	MountID() string
}

type mount struct {
	cfg    MountConfig
	client corrector
	health string
	// cleanSince is the start of the current error-free streaming streak
	// while in probation; zero when the streak is broken.
	cleanSince time.Time
	// reconnects observed at the previous check, to spot new churn.
	lastReconnects uint64
}

// MountStatus is one mount's externally visible condition.
type MountStatus struct {
	ID          string  `json:"id"`
	Priority    int     `json:"priority"`
	Health      string  `json:"health"`
	Active      bool    `json:"active"`
	State       string  `json:"state"`
	LastError   string  `json:"last_error,omitempty"`
	BytesPerSec float64 `json:"bytes_per_sec"`
}

// Status is the manager-level view: active mount, correction age, and
// every mount's condition.
type Status struct {
	ActiveMount string `json:"active_mount,omitempty"`
	// LastCorrectionAgeMS is -1 until the first packet is forwarded.
	LastCorrectionAgeMS int64         `json:"last_correction_age_ms"`
	Mounts              []MountStatus `json:"mounts"`
}

// Manager holds the priority-ordered mounts, keeps every mount connected
// for health probing (hot standby), and forwards only the active mount's
// packets to the sink. Failover is driven by the periodic health check;
// a demoted mount sits in probation for a cool-down before it can serve
// again, so two marginal mounts cannot flap.
type Manager struct {
	cfg  ManagerConfig
	sink func(CorrectionPacket)

	// newClient is a seam for tests.
	newClient func(cfg MountConfig, sink func(CorrectionPacket)) (corrector, error)

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	mounts     map[string]*mount
	activeID   string
	lastPacket time.Time
}

func NewManager(cfg ManagerConfig, sink func(CorrectionPacket)) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		sink:   sink,
		mounts: make(map[string]*mount),
		done:   make(chan struct{}),
	}
	m.newClient = func(cfg MountConfig, sink func(CorrectionPacket)) (corrector, error) {
		return NewClient(cfg, sink)
	}
	return m
}

// Start launches the health-check loop. Mounts added before or after
// Start are connected immediately (hot standby).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("mount manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	clients := make([]corrector, 0, len(m.mounts))
	for _, mt := range m.mounts {
		clients = append(clients, mt.client)
	}
	runCtx := m.ctx
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Start(runCtx); err != nil {
			log.Printf("mount %s: start: %v", c.MountID(), err)
		}
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.checkHealth(time.Now())
			}
		}
	}()
	return nil
}

// AddMount registers a mount and, when the manager is running, connects
// it right away so it is probed before it is ever promoted.
func (m *Manager) AddMount(cfg MountConfig) error {
	cfg.applyDefaults()

	// Build the client before touching the registry so a bad config
	// leaves no partial mount behind.
	client, err := m.newClient(cfg, m.forward)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.mounts[cfg.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("mount %s already exists", cfg.ID)
	}
	m.mounts[cfg.ID] = &mount{
		cfg:    cfg,
		client: client,
		// New mounts must prove themselves before promotion.
		health: HealthDegraded,
	}
	started := m.started
	runCtx := m.ctx
	m.mu.Unlock()

	if started {
		if err := client.Start(runCtx); err != nil {
			log.Printf("mount %s: start: %v", cfg.ID, err)
		}
	}
	return nil
}

// RemoveMount disconnects and forgets a mount.
func (m *Manager) RemoveMount(id string) error {
	m.mu.Lock()
	mt, ok := m.mounts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mount %s not found", id)
	}
	delete(m.mounts, id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()

	mt.client.Close()
	return nil
}

// forward is every client's sink; only the active mount's packets reach
// the outer sink.
func (m *Manager) forward(pkt CorrectionPacket) {
	m.mu.Lock()
	active := m.activeID == pkt.MountID
	if active {
		m.lastPacket = pkt.ReceivedAt
	}
	sink := m.sink
	m.mu.Unlock()

	if active && sink != nil {
		sink(pkt)
	}
}

// healthyObservation decides whether a mount currently looks good: it is
// streaming, not stale, and has not churned through reconnects since the
// last check.
func (m *Manager) healthyObservation(mt *mount, met Metrics, now time.Time) bool {
	if met.State != StateStreaming {
		return false
	}
	if met.LastByteAt.IsZero() || now.Sub(met.LastByteAt) > m.cfg.StaleThreshold {
		return false
	}
	return met.Reconnects == mt.lastReconnects
}

// checkHealth runs one evaluation pass: per-mount health transitions,
// then active-mount selection.
func (m *Manager) checkHealth(now time.Time) {
	m.mu.Lock()

	// Metrics reads do not block: clients keep them in atomics.
	for _, mt := range m.mounts {
		met := mt.client.Metrics()
		obs := m.healthyObservation(mt, met, now)
		mt.lastReconnects = met.Reconnects

		if met.State == StateFailed {
			// Authentication rejection: out of the rotation until the
			// configuration changes.
			mt.health = HealthFailed
			mt.cleanSince = time.Time{}
			continue
		}

		switch mt.health {
		case HealthHealthy:
			if !obs {
				if m.activeID == mt.cfg.ID {
					// The active mount failed us: straight to probation.
					mt.health = HealthProbation
					mt.cleanSince = time.Time{}
					log.Printf("mount %s: demoted to probation", mt.cfg.ID)
				} else {
					mt.health = HealthDegraded
				}
			}
		case HealthDegraded:
			if obs {
				mt.health = HealthHealthy
			} else {
				mt.health = HealthFailed
			}
		case HealthFailed:
			if obs {
				mt.health = HealthProbation
				mt.cleanSince = now
			}
		case HealthProbation:
			if !obs {
				mt.cleanSince = time.Time{}
			} else if mt.cleanSince.IsZero() {
				mt.cleanSince = now
			} else if now.Sub(mt.cleanSince) >= m.cfg.ProbationCoolDown {
				mt.health = HealthHealthy
				log.Printf("mount %s: probation complete", mt.cfg.ID)
			}
		}
	}

	m.selectActiveLocked()
	m.mu.Unlock()
}

// selectActiveLocked promotes the highest-priority healthy mount. A mount
// in probation is never considered, whatever the state of the others.
func (m *Manager) selectActiveLocked() {
	var best *mount
	for _, mt := range m.mounts {
		if mt.health != HealthHealthy {
			continue
		}
		if best == nil || mt.cfg.Priority < best.cfg.Priority {
			best = mt
		}
	}

	switch {
	case best == nil:
		if m.activeID != "" {
			log.Printf("mount %s: no healthy mount to promote", m.activeID)
			m.activeID = ""
		}
	case best.cfg.ID != m.activeID:
		log.Printf("mount failover: %q -> %q", m.activeID, best.cfg.ID)
		m.activeID = best.cfg.ID
	}
}

// Status reports the active mount, per-mount health, and correction age.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Status{
		ActiveMount:         m.activeID,
		LastCorrectionAgeMS: -1,
	}
	if !m.lastPacket.IsZero() {
		out.LastCorrectionAgeMS = time.Since(m.lastPacket).Milliseconds()
	}
	for _, mt := range m.mounts {
		met := mt.client.Metrics()
		out.Mounts = append(out.Mounts, MountStatus{
			ID:          mt.cfg.ID,
			Priority:    mt.cfg.Priority,
			Health:      mt.health,
			Active:      mt.cfg.ID == m.activeID,
			State:       met.State,
			LastError:   met.LastError,
			BytesPerSec: met.BytesPerSec,
		})
	}
	sort.Slice(out.Mounts, func(i, j int) bool { return out.Mounts[i].Priority < out.Mounts[j].Priority })
	return out
}

// Close stops the health loop and every client.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	started := m.started
	clients := make([]corrector, 0, len(m.mounts))
	for _, mt := range m.mounts {
		clients = append(clients, mt.client)
	}
	m.mounts = make(map[string]*mount)
	m.activeID = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range clients {
		c.Close()
	}
	if started {
		<-m.done
	}
}
