// Package driver owns one connection per GNSS receiver: transport, decode
// loop, last-known-state cache, and the correction inject path. The
// Manager coordinates drivers and fans corrections out to them.
package driver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rtkhub/internal/gnss"
	"rtkhub/internal/protocol"
)

// Config describes one receiver connection.
type Config struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"` // "ubx" or "unicore"

	Transport string `yaml:"transport"` // "serial" or "tcp"
	Device    string `yaml:"device"`    // serial
	Baud      int    `yaml:"baud"`      // serial
	Addr      string `yaml:"addr"`      // tcp

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// MaxReconnects bounds consecutive failed reconnect attempts before
	// the driver goes terminally Failed. 0 uses the default.
	MaxReconnects int `yaml:"max_reconnects"`

	// Decode-error window: more than ErrorThreshold protocol errors
	// within ErrorWindow marks the link Degraded and forces a reconnect,
	// separating a dying link from occasional line noise.
	ErrorWindow    time.Duration `yaml:"error_window"`
	ErrorThreshold int           `yaml:"error_threshold"`

	// InjectQueue bounds pending corrections per driver; the oldest is
	// dropped on overflow.
	InjectQueue int `yaml:"inject_queue"`

	// MemoryMB is this driver's share of the manager's memory budget.
	MemoryMB int `yaml:"memory_mb"`

	AntennaOffset [3]float64 `yaml:"antenna_offset"`
}

func (c *Config) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 5 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 20
	}
	if c.InjectQueue <= 0 {
		c.InjectQueue = 16
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 8
	}
}

// Lifecycle states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateStreaming    = "streaming"
	StateDegraded     = "degraded"
	StateReconnecting = "reconnecting"
	StateFailed       = "failed"
)

// Status is the driver's externally visible condition.
type Status struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	LastError    string `json:"last_error,omitempty"`
	Frames       uint64 `json:"frames"`
	DecodeErrors uint64 `json:"decode_errors"`
	Reconnects   uint64 `json:"reconnects"`
}

type correction struct {
	data   []byte
	source string
	at     time.Time
}

// Driver reads one receiver's byte stream, keeps the latest decoded state,
// and writes injected corrections to the receiver.
//
// A Driver runs once: Start to begin, Close to end. The Manager creates a
// fresh Driver per connect.
type Driver struct {
	cfg  Config
	dial dialFunc

	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	state   string
	lastErr string
	conn    *closeOnce
	cancel  context.CancelFunc

	last atomic.Value // gnss.State

	frames       atomic.Uint64
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64

	injectCh chan correction

	corrMu     sync.Mutex
	corrSource string
	corrAt     time.Time

	done chan struct{}
}

func New(cfg Config) (*Driver, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("driver id is required")
	}
	cfg.applyDefaults()

	if _, err := protocol.New(cfg.Protocol); err != nil {
		return nil, err
	}
	dial, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	return &Driver{
		cfg:      cfg,
		dial:     dial,
		state:    StateDisconnected,
		injectCh: make(chan correction, cfg.InjectQueue),
		done:     make(chan struct{}),
	}, nil
}

// Start connects and begins the read-decode-cache loop. It returns once
// the first connection attempt has resolved; reconnects happen in the
// background after that.
func (d *Driver) Start(ctx context.Context) error {
	if d.closed.Load() {
		return fmt.Errorf("driver %s is closed", d.cfg.ID)
	}
	if d.started.Swap(true) {
		return fmt.Errorf("driver %s already started", d.cfg.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.setStateLocked(StateConnecting, "")
	d.mu.Unlock()

	conn, err := d.connect(runCtx)
	if err != nil {
		d.mu.Lock()
		d.setStateLocked(StateDisconnected, err.Error())
		d.mu.Unlock()
		cancel()
		close(d.done)
		return err
	}

	go func() {
		defer close(d.done)
		d.run(runCtx, conn)
	}()
	return nil
}

// connect performs one dial attempt under the configured timeout.
func (d *Driver) connect(ctx context.Context) (*closeOnce, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	rwc, err := d.dial(dialCtx)
	if err != nil {
		return nil, err
	}
	conn := newCloseOnce(rwc)

	d.mu.Lock()
	d.conn = conn
	d.setStateLocked(StateStreaming, "")
	d.mu.Unlock()
	return conn, nil
}

// run owns the connection lifecycle: stream until the link dies, then
// reconnect with backoff up to the configured bound.
func (d *Driver) run(ctx context.Context, conn *closeOnce) {
	backoff := d.cfg.BackoffInitial
	attempts := 0

	fail := func(err error) bool {
		attempts++
		d.reconnects.Add(1)
		if attempts > d.cfg.MaxReconnects {
			d.mu.Lock()
			d.setStateLocked(StateFailed, fmt.Sprintf("gave up after %d reconnects: %v", d.cfg.MaxReconnects, err))
			d.mu.Unlock()
			log.Printf("driver %s: failed permanently: %v", d.cfg.ID, err)
			return true
		}
		d.mu.Lock()
		d.setStateLocked(StateReconnecting, err.Error())
		d.mu.Unlock()
		return false
	}

	for {
		if conn != nil {
			streamErr := d.stream(ctx, conn)
			_ = conn.Close()
			conn = nil

			if ctx.Err() != nil {
				d.mu.Lock()
				d.setStateLocked(StateDisconnected, "")
				d.mu.Unlock()
				return
			}
			if fail(streamErr) {
				return
			}
		}

		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.setStateLocked(StateDisconnected, "")
			d.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		if backoff < d.cfg.BackoffMax {
			backoff *= 2
			if backoff > d.cfg.BackoffMax {
				backoff = d.cfg.BackoffMax
			}
		}

		d.mu.Lock()
		d.setStateLocked(StateConnecting, "")
		d.mu.Unlock()

		next, err := d.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.mu.Lock()
				d.setStateLocked(StateDisconnected, "")
				d.mu.Unlock()
				return
			}
			if fail(err) {
				return
			}
			continue
		}
		conn = next
		attempts = 0
		backoff = d.cfg.BackoffInitial
	}
}

// stream reads and decodes until the connection dies or decode errors
// cross the degraded threshold. Cached state is only ever replaced by a
// successfully decoded frame.
func (d *Driver) stream(ctx context.Context, conn *closeOnce) error {
	dec, err := protocol.New(d.cfg.Protocol)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go d.injectWriter(ctx, conn, stop, writerDone)
	defer func() {
		close(stop)
		<-writerDone
	}()

	buf := make([]byte, 4096)
	windowStart := time.Now()
	windowErrs := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := conn.Read(buf)
		if n > 0 {
			states, errs := dec.Feed(buf[:n])
			for _, st := range states {
				st.Meta["model"] = dec.Model()
				d.last.Store(st)
				d.frames.Add(1)
			}
			for _, derr := range errs {
				d.decodeErrors.Add(1)
				d.setLastError(derr.Error())

				now := time.Now()
				if now.Sub(windowStart) > d.cfg.ErrorWindow {
					windowStart = now
					windowErrs = 0
				}
				windowErrs++
				if windowErrs > d.cfg.ErrorThreshold {
					d.mu.Lock()
					d.setStateLocked(StateDegraded, "decode error rate over threshold")
					d.mu.Unlock()
					return fmt.Errorf("%w: %d decode errors within %s", gnss.ErrProtocol, windowErrs, d.cfg.ErrorWindow)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%w: read: %v", gnss.ErrTransport, err)
		}
	}
}

// injectWriter drains the correction queue onto the transport. It exits
// with the connection; queued corrections survive a reconnect only as far
// as the bounded queue keeps them.
func (d *Driver) injectWriter(ctx context.Context, conn *closeOnce, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case c := <-d.injectCh:
			if _, err := conn.Write(c.data); err != nil {
				d.setLastError(fmt.Sprintf("inject write: %v", err))
				return
			}
			d.corrMu.Lock()
			d.corrSource = c.source
			d.corrAt = c.at
			d.corrMu.Unlock()
		}
	}
}

// InjectCorrections queues correction bytes for the receiver. It fails
// fast when the driver is not streaming. On queue overflow the oldest
// pending correction is dropped: a stale correction is worse than a
// missing one.
func (d *Driver) InjectCorrections(data []byte, source string) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != StateStreaming {
		return fmt.Errorf("driver %s not streaming (%s)", d.cfg.ID, state)
	}

	c := correction{data: data, source: source, at: time.Now()}
	for {
		select {
		case d.injectCh <- c:
			return nil
		default:
		}
		select {
		case <-d.injectCh: // drop oldest
		default:
		}
	}
}

// State returns the latest decoded snapshot, stamped with the antenna
// offset and correction provenance. It never blocks.
func (d *Driver) State() (gnss.State, bool) {
	v := d.last.Load()
	if v == nil {
		return gnss.State{}, false
	}
	st := v.(gnss.State)
	st.AntennaOffset = d.cfg.AntennaOffset

	d.corrMu.Lock()
	if !d.corrAt.IsZero() {
		st.CorrectionSource = d.corrSource
		st.CorrectionAgeMS = time.Since(d.corrAt).Milliseconds()
	}
	d.corrMu.Unlock()
	return st, true
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	state := d.state
	lastErr := d.lastErr
	d.mu.Unlock()
	return Status{
		ID:           d.cfg.ID,
		State:        state,
		LastError:    lastErr,
		Frames:       d.frames.Load(),
		DecodeErrors: d.decodeErrors.Load(),
		Reconnects:   d.reconnects.Load(),
	}
}

// Close releases the transport and stops the loops. Safe to call
// concurrently with an in-flight read; the handle is closed exactly once.
func (d *Driver) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.mu.Lock()
	cancel := d.cancel
	conn := d.conn
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if d.started.Load() {
		<-d.done
	}
}

func (d *Driver) setStateLocked(state, lastErr string) {
	d.state = state
	if lastErr != "" {
		d.lastErr = lastErr
	}
}

func (d *Driver) setLastError(msg string) {
	d.mu.Lock()
	d.lastErr = msg
	d.mu.Unlock()
}
