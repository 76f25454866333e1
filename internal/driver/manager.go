package driver

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"rtkhub/internal/gnss"
)

// ManagerConfig sets the resource budgets enforced by Add.
type ManagerConfig struct {
	MaxDrivers  int `yaml:"max_drivers"`
	MaxMemoryMB int `yaml:"max_memory_mb"`
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxDrivers <= 0 {
		c.MaxDrivers = 2
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 64
	}
}

type record struct {
	cfg Config
	drv *Driver // nil while disconnected
}

// Manager is the driver registry. Its mutex is the only cross-driver
// synchronization boundary; critical sections never perform I/O. Drivers
// are collected under the lock and dialed, closed, or injected outside it.
type Manager struct {
	cfg ManagerConfig

	// dialOverride replaces every driver's transport dialer; tests use it
	// to run against in-memory connections.
	dialOverride dialFunc

	mu      sync.Mutex
	records map[string]*record
}

func NewManager(cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Add registers a driver without connecting it. It fails synchronously
// with ErrResourceExhausted when the driver-count or memory budget would
// be exceeded; no partial record is created.
func (m *Manager) Add(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("driver id is required")
	}
	cfg.applyDefaults()

	// Validate protocol/transport up front so a bad config never occupies
	// a registry slot.
	if _, err := New(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[cfg.ID]; ok {
		return fmt.Errorf("driver %s already exists", cfg.ID)
	}
	if len(m.records) >= m.cfg.MaxDrivers {
		return fmt.Errorf("%w: driver limit %d reached", gnss.ErrResourceExhausted, m.cfg.MaxDrivers)
	}
	used := 0
	for _, r := range m.records {
		used += r.cfg.MemoryMB
	}
	if used+cfg.MemoryMB > m.cfg.MaxMemoryMB {
		return fmt.Errorf("%w: memory budget %dMB would be exceeded (%d used, %d requested)",
			gnss.ErrResourceExhausted, m.cfg.MaxMemoryMB, used, cfg.MemoryMB)
	}

	m.records[cfg.ID] = &record{cfg: cfg}
	return nil
}

// Remove disconnects (if needed) and deletes the driver.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("driver %s not found", id)
	}
	drv := r.drv
	delete(m.records, id)
	m.mu.Unlock()

	if drv != nil {
		drv.Close()
	}
	return nil
}

// Connect creates a fresh Driver for the record and starts it. The dial
// happens outside the registry lock.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("driver %s not found", id)
	}
	if r.drv != nil {
		m.mu.Unlock()
		return fmt.Errorf("driver %s already connected", id)
	}
	drv, err := New(r.cfg)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.dialOverride != nil {
		drv.dial = m.dialOverride
	}
	r.drv = drv
	m.mu.Unlock()

	if err := drv.Start(ctx); err != nil {
		m.mu.Lock()
		if cur, ok := m.records[id]; ok && cur.drv == drv {
			cur.drv = nil
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect stops the driver and keeps its registration.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("driver %s not found", id)
	}
	drv := r.drv
	r.drv = nil
	m.mu.Unlock()

	if drv == nil {
		return fmt.Errorf("driver %s not connected", id)
	}
	drv.Close()
	return nil
}

// GetState is a pure registry read of the driver's cached snapshot.
func (m *Manager) GetState(id string) (gnss.State, bool) {
	m.mu.Lock()
	r, ok := m.records[id]
	var drv *Driver
	if ok {
		drv = r.drv
	}
	m.mu.Unlock()

	if drv == nil {
		return gnss.State{}, false
	}
	return drv.State()
}

// InjectCorrections is the manual/diagnostic injection path for one
// driver; the correction pipeline normally uses Distribute.
func (m *Manager) InjectCorrections(id string, data []byte, source string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	var drv *Driver
	if ok {
		drv = r.drv
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("driver %s not found", id)
	}
	if drv == nil {
		return fmt.Errorf("driver %s not connected", id)
	}
	return drv.InjectCorrections(data, source)
}

// Distribute fans correction bytes out to every connected driver,
// best-effort: one driver's failure is logged and does not stop delivery
// to the others.
func (m *Manager) Distribute(data []byte, source string) {
	m.mu.Lock()
	targets := make([]*Driver, 0, len(m.records))
	for _, r := range m.records {
		if r.drv != nil {
			targets = append(targets, r.drv)
		}
	}
	m.mu.Unlock()

	for _, drv := range targets {
		if err := drv.InjectCorrections(data, source); err != nil {
			log.Printf("correction fan-out: %v", err)
		}
	}
}

// Status reports every registered driver, connected or not.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.records))
	for id, r := range m.records {
		if r.drv != nil {
			out = append(out, r.drv.Status())
		} else {
			out = append(out, Status{ID: id, State: StateDisconnected})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects everything; registrations are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	drvs := make([]*Driver, 0, len(m.records))
	for _, r := range m.records {
		if r.drv != nil {
			drvs = append(drvs, r.drv)
		}
	}
	m.records = make(map[string]*record)
	m.mu.Unlock()

	for _, drv := range drvs {
		drv.Close()
	}
}
