package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtkhub/internal/gnss"
)

// fakeConn is an in-memory receiver: the test feeds receiver bytes in and
// captures injected correction bytes out.
type fakeConn struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	injected []byte

	closes atomic.Int32
}

func newFakeConn() *fakeConn {
	pr, pw := io.Pipe()
	return &fakeConn{pr: pr, pw: pw}
}

func (c *fakeConn) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.injected = append(c.injected, p...)
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	_ = c.pr.Close()
	_ = c.pw.Close()
	return nil
}

func (c *fakeConn) feed(t *testing.T, b []byte) {
	t.Helper()
	if _, err := c.pw.Write(b); err != nil {
		t.Fatalf("feed: %v", err)
	}
}

func (c *fakeConn) injectedBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.injected))
	copy(out, c.injected)
	return out
}

// fakeDialer hands out the queued connections in order, then errors.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (f *fakeDialer) dial(_ context.Context) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.conns) == 0 {
		return nil, fmt.Errorf("%w: no receiver", gnss.ErrTransport)
	}
	c := f.conns[0]
	f.conns = f.conns[1:]
	return c, nil
}

func testConfig() Config {
	return Config{
		ID:             "rover",
		Protocol:       "ubx",
		Transport:      "tcp",
		Addr:           "test:1",
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
}

// ubxTestFrame builds a minimal valid NAV-PVT frame.
func ubxTestFrame(latDeg, lonDeg float64, carrSoln byte) []byte {
	payload := make([]byte, 92)
	binary.LittleEndian.PutUint16(payload[4:6], 2026)
	payload[6], payload[7] = 8, 23
	payload[20] = 3 // 3D fix
	payload[21] = carrSoln << 6
	payload[23] = 12
	binary.LittleEndian.PutUint32(payload[24:28], uint32(int32(math.Round(lonDeg*1e7))))
	binary.LittleEndian.PutUint32(payload[28:32], uint32(int32(math.Round(latDeg*1e7))))

	frame := []byte{0xB5, 0x62, 0x01, 0x07}
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	var ckA, ckB byte
	for _, b := range frame[2:] {
		ckA += b
		ckB += ckA
	}
	return append(frame, ckA, ckB)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDriver(t *testing.T, cfg Config, dial *fakeDialer) *Driver {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.dial = dial.dial
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDriver_StreamsAndCachesState(t *testing.T) {
	conn := newFakeConn()
	d := startDriver(t, testConfig(), &fakeDialer{conns: []*fakeConn{conn}})

	conn.feed(t, ubxTestFrame(48.1, 11.5, 2))

	waitFor(t, "state", func() bool { _, ok := d.State(); return ok })
	st, _ := d.State()
	if st.FixType != gnss.Fix {
		t.Fatalf("expected FIX, got %v", st.FixType)
	}
	if math.Abs(st.LatDeg-48.1) > 1e-6 {
		t.Fatalf("bad lat: %v", st.LatDeg)
	}
}

func TestDriver_CorruptFrameLeavesStateUnchanged(t *testing.T) {
	conn := newFakeConn()
	d := startDriver(t, testConfig(), &fakeDialer{conns: []*fakeConn{conn}})

	conn.feed(t, ubxTestFrame(10, 20, 1))
	waitFor(t, "first state", func() bool { _, ok := d.State(); return ok })

	bad := ubxTestFrame(30, 40, 2)
	bad[len(bad)-1] ^= 0xFF
	conn.feed(t, bad)

	waitFor(t, "decode error", func() bool { return d.Status().DecodeErrors >= 1 })
	st, _ := d.State()
	if math.Abs(st.LatDeg-10) > 1e-6 || st.FixType != gnss.Float {
		t.Fatalf("cached state mutated by corrupt frame: %+v", st)
	}
}

func TestDriver_InjectFailsFastWhenNotStreaming(t *testing.T) {
	d, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.InjectCorrections([]byte{0xD3, 0x00}, "mount-a"); err == nil {
		t.Fatalf("expected inject to fail while disconnected")
	}
}

func TestDriver_InjectWritesToTransport(t *testing.T) {
	conn := newFakeConn()
	d := startDriver(t, testConfig(), &fakeDialer{conns: []*fakeConn{conn}})

	waitFor(t, "streaming", func() bool { return d.Status().State == StateStreaming })

	payload := []byte{0xD3, 0x01, 0x02, 0x03}
	if err := d.InjectCorrections(payload, "mount-a"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	waitFor(t, "injected bytes", func() bool { return len(conn.injectedBytes()) == len(payload) })

	conn.feed(t, ubxTestFrame(1, 2, 0))
	waitFor(t, "state", func() bool { _, ok := d.State(); return ok })
	st, _ := d.State()
	if st.CorrectionSource != "mount-a" {
		t.Fatalf("expected correction source stamped, got %q", st.CorrectionSource)
	}
	if st.CorrectionAgeMS < 0 {
		t.Fatalf("negative correction age")
	}
}

func TestDriver_InjectQueueDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.InjectQueue = 2
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// No writer goroutine: force the streaming state and fill the queue.
	d.mu.Lock()
	d.state = StateStreaming
	d.mu.Unlock()

	for i := byte(1); i <= 3; i++ {
		if err := d.InjectCorrections([]byte{i}, "m"); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}

	first := <-d.injectCh
	second := <-d.injectCh
	if first.data[0] != 2 || second.data[0] != 3 {
		t.Fatalf("expected oldest dropped, got %d then %d", first.data[0], second.data[0])
	}
}

func TestDriver_CloseReleasesTransportExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	dial := &fakeDialer{conns: []*fakeConn{conn}}
	d, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.dial = dial.dial
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Close()
		}()
	}
	wg.Wait()

	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("transport closed %d times, want exactly 1", n)
	}
	if st := d.Status().State; st != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", st)
	}
}

func TestDriver_ReconnectsAfterTransportLoss(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := startDriver(t, testConfig(), &fakeDialer{conns: []*fakeConn{conn1, conn2}})

	waitFor(t, "streaming", func() bool { return d.Status().State == StateStreaming })
	_ = conn1.Close()

	waitFor(t, "reconnect", func() bool {
		s := d.Status()
		return s.Reconnects >= 1 && s.State == StateStreaming
	})

	conn2.feed(t, ubxTestFrame(5, 6, 1))
	waitFor(t, "state from second connection", func() bool { _, ok := d.State(); return ok })
}

func TestDriver_FailedAfterBoundedReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnects = 2
	conn := newFakeConn()
	d := startDriver(t, cfg, &fakeDialer{conns: []*fakeConn{conn}})

	waitFor(t, "streaming", func() bool { return d.Status().State == StateStreaming })
	_ = conn.Close()

	waitFor(t, "terminal failure", func() bool { return d.Status().State == StateFailed })
	if s := d.Status(); s.LastError == "" {
		t.Fatalf("expected failure surfaced in status")
	}
}

func TestDriver_DegradedOnDecodeErrorBurst(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorThreshold = 3
	cfg.ErrorWindow = time.Minute
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := startDriver(t, cfg, &fakeDialer{conns: []*fakeConn{conn1, conn2}})

	waitFor(t, "streaming", func() bool { return d.Status().State == StateStreaming })

	var burst []byte
	for i := 0; i < 5; i++ {
		bad := ubxTestFrame(1, 2, 0)
		bad[len(bad)-1] ^= 0xFF
		burst = append(burst, bad...)
	}
	conn1.feed(t, burst)

	waitFor(t, "degraded link recycled", func() bool {
		s := d.Status()
		return s.DecodeErrors >= 4 && s.Reconnects >= 1
	})
}
