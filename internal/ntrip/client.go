// Package ntrip streams RTCM corrections from NTRIP casters and manages
// failover across a priority-ordered set of mountpoints.
package ntrip

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtkhub/internal/gnss"
	"rtkhub/internal/rtcm"
)

const userAgent = "NTRIP rtkhub/1.0"

// MountConfig describes one caster mountpoint.
type MountConfig struct {
	ID         string `yaml:"id"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Mountpoint string `yaml:"mountpoint"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TLS        bool   `yaml:"tls"`

	// Priority rank; lower is preferred. Static for the process lifetime.
	Priority int `yaml:"priority"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	// StaleTimeout bounds the silent period while streaming; exceeding it
	// recycles the connection.
	StaleTimeout   time.Duration `yaml:"stale_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

func (c *MountConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 2101
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Mountpoint)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// CorrectionPacket is one CRC-valid RTCM frame received from a mount.
// It is handed to the sink once and never buffered or replayed.
type CorrectionPacket struct {
	Data       []byte
	ReceivedAt time.Time
	MountID    string
	Seq        uint64
}

// Session states.
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateStreaming      = "streaming"
	StateReconnecting   = "reconnecting"
	StateFailed         = "failed"
)

// Metrics is the health surface the mount manager reads.
type Metrics struct {
	MountID     string  `json:"mount_id"`
	State       string  `json:"state"`
	LastError   string  `json:"last_error,omitempty"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	// LastByteAt is zero until the first byte arrives.
	LastByteAt time.Time `json:"last_byte_at"`
	Packets    uint64    `json:"packets"`
	BadFrames  uint64    `json:"bad_frames"`
	Reconnects uint64    `json:"reconnects"`
}

// Client runs one NTRIP session: handshake, authentication, then a raw
// RTCM byte stream split into validated frames. An authentication
// rejection is terminal; every other failure reconnects with capped,
// jittered exponential backoff.
type Client struct {
	cfg  MountConfig
	sink func(CorrectionPacket)

	// dial is a seam for tests; defaults to TCP (or TLS) to Host:Port.
	dial func(ctx context.Context) (net.Conn, error)

	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	state   string
	lastErr string
	conn    net.Conn
	cancel  context.CancelFunc

	seq        atomic.Uint64
	packets    atomic.Uint64
	badFrames  atomic.Uint64
	reconnects atomic.Uint64
	lastByte   atomic.Int64 // unix nanos, 0 = never

	rateMu    sync.Mutex
	rateStart time.Time
	rateBytes int
	lastBPS   float64

	done chan struct{}
}

func NewClient(cfg MountConfig, sink func(CorrectionPacket)) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mount host is required")
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("correction sink is required")
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:   cfg,
		sink:  sink,
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
	c.dial = c.dialNet
	return c, nil
}

func (c *Client) MountID() string { return c.cfg.ID }

func (c *Client) dialNet(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if c.cfg.TLS {
		td := &tls.Dialer{NetDialer: d}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Start launches the session loop. Unlike a driver, a failed first
// attempt is not fatal: the loop keeps retrying under backoff.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("mount %s client is closed", c.cfg.ID)
	}
	if c.started.Swap(true) {
		return fmt.Errorf("mount %s client already started", c.cfg.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		c.run(runCtx)
	}()
	return nil
}

func (c *Client) run(ctx context.Context) {
	backoff := c.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}

		before := c.lastByte.Load()
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}
		if isAuthRejection(err) {
			// Retrying with the same credentials cannot succeed; surface
			// the failure and wait for a configuration change.
			c.setState(StateFailed, err.Error())
			return
		}
		if c.lastByte.Load() != before {
			// The session streamed; start the next retry from scratch.
			backoff = c.cfg.BackoffInitial
		}

		c.reconnects.Add(1)
		c.setState(StateReconnecting, err.Error())

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, "")
			return
		case <-time.After(jitter(backoff)):
		}
		if backoff < c.cfg.BackoffMax {
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}
	}
}

// session runs one connect-handshake-stream cycle.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting, "")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	raw, err := c.dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: dial: %v", gnss.ErrTransport, err)
	}
	conn := &onceConn{Conn: raw}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateAuthenticating, "")
	br := bufio.NewReader(conn)
	if err := c.handshake(conn, br); err != nil {
		return err
	}

	c.setState(StateStreaming, "")
	return c.streamCorrections(ctx, conn, br)
}

// handshake sends the NTRIP GET and requires a success status line before
// any byte is treated as correction data.
func (c *Client) handshake(conn net.Conn, br *bufio.Reader) error {
	var req strings.Builder
	fmt.Fprintf(&req, "GET /%s HTTP/1.1\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&req, "Host: %s:%d\r\n", c.cfg.Host, c.cfg.Port)
	fmt.Fprintf(&req, "Ntrip-Version: Ntrip/2.0\r\n")
	fmt.Fprintf(&req, "User-Agent: %s\r\n", userAgent)
	if c.cfg.Username != "" || c.cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("Connection: close\r\n\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("%w: send request: %v", gnss.ErrTransport, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	status, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: read status: %v", gnss.ErrTransport, err)
	}
	status = strings.TrimSpace(status)

	switch {
	case strings.HasPrefix(status, "ICY 200"):
		// NTRIP v1: the stream begins immediately.
		return nil
	case strings.HasPrefix(status, "SOURCETABLE"):
		// The caster answered with its source table: no such mountpoint.
		return fmt.Errorf("%w: mountpoint %q not found (got sourcetable)", gnss.ErrTransport, c.cfg.Mountpoint)
	case strings.Contains(status, " 401 ") || strings.Contains(status, " 403 ") ||
		strings.HasSuffix(status, " 401") || strings.HasSuffix(status, " 403"):
		return fmt.Errorf("%w: mount %s: %s", gnss.ErrAuthRejected, c.cfg.ID, status)
	case strings.HasPrefix(status, "HTTP/") && strings.Contains(status, " 200"):
		// NTRIP v2: consume the response headers.
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return fmt.Errorf("%w: read headers: %v", gnss.ErrTransport, err)
			}
			if strings.TrimSpace(line) == "" {
				return nil
			}
		}
	default:
		return fmt.Errorf("%w: unexpected status %q", gnss.ErrTransport, status)
	}
}

// streamCorrections reads raw bytes, splits them into CRC-valid RTCM
// frames, and hands each to the sink.
func (c *Client) streamCorrections(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	var splitter rtcm.Splitter
	buf := make([]byte, 2048)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.StaleTimeout))
		n, err := br.Read(buf)
		if n > 0 {
			now := time.Now()
			c.lastByte.Store(now.UnixNano())
			c.noteRate(now, n)

			frames, bad := splitter.Feed(buf[:n])
			if bad > 0 {
				c.badFrames.Add(uint64(bad))
			}
			for _, frame := range frames {
				c.packets.Add(1)
				c.sink(CorrectionPacket{
					Data:       frame,
					ReceivedAt: now,
					MountID:    c.cfg.ID,
					Seq:        c.seq.Add(1),
				})
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("%w: no data for %s", gnss.ErrTransport, c.cfg.StaleTimeout)
			}
			return fmt.Errorf("%w: read: %v", gnss.ErrTransport, err)
		}
	}
}

func (c *Client) noteRate(now time.Time, n int) {
	c.rateMu.Lock()
	if c.rateStart.IsZero() {
		c.rateStart = now
	}
	c.rateBytes += n
	if elapsed := now.Sub(c.rateStart); elapsed >= time.Second {
		c.lastBPS = float64(c.rateBytes) / elapsed.Seconds()
		c.rateStart = now
		c.rateBytes = 0
	}
	c.rateMu.Unlock()
}

func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastErr
	c.mu.Unlock()

	c.rateMu.Lock()
	bps := c.lastBPS
	c.rateMu.Unlock()

	m := Metrics{
		MountID:     c.cfg.ID,
		State:       state,
		LastError:   lastErr,
		BytesPerSec: bps,
		Packets:     c.packets.Load(),
		BadFrames:   c.badFrames.Load(),
		Reconnects:  c.reconnects.Load(),
	}
	if ns := c.lastByte.Load(); ns != 0 {
		m.LastByteAt = time.Unix(0, ns)
	}
	return m
}

// Close stops the session and releases the socket exactly once.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) setState(state, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	}
	c.mu.Unlock()
}

func isAuthRejection(err error) bool {
	return errors.Is(err, gnss.ErrAuthRejected)
}

// jitter spreads reconnect attempts over [b/2, b].
func jitter(b time.Duration) time.Duration {
	half := int64(b / 2)
	if half <= 0 {
		return b
	}
	return time.Duration(half + rand.Int63n(half+1))
}

// onceConn guards the socket so the session teardown and a concurrent
// Close release it exactly once.
type onceConn struct {
	net.Conn
	once sync.Once
	err  error
}

func (o *onceConn) Close() error {
	o.once.Do(func() {
		o.err = o.Conn.Close()
	})
	return o.err
}
