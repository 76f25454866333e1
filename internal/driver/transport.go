package driver

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	serial "github.com/jacobsa/go-serial/serial"

	"rtkhub/internal/gnss"
)

// dialFunc opens the receiver transport. The returned handle is owned by
// the read loop and closed exactly once per connection.
type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func newDialer(cfg Config) (dialFunc, error) {
	switch cfg.Transport {
	case "serial":
		if cfg.Device == "" {
			return nil, fmt.Errorf("driver %s: serial transport needs a device", cfg.ID)
		}
		opts := serial.OpenOptions{
			PortName:        cfg.Device,
			BaudRate:        uint(cfg.Baud),
			DataBits:        8,
			StopBits:        1,
			ParityMode:      serial.PARITY_NONE,
			MinimumReadSize: 1,
		}
		return func(_ context.Context) (io.ReadWriteCloser, error) {
			port, err := serial.Open(opts)
			if err != nil {
				return nil, fmt.Errorf("%w: open %s: %v", gnss.ErrTransport, cfg.Device, err)
			}
			return port, nil
		}, nil

	case "tcp":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("driver %s: tcp transport needs an addr", cfg.ID)
		}
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			d := &net.Dialer{Timeout: cfg.DialTimeout}
			conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
			if err != nil {
				return nil, fmt.Errorf("%w: dial %s: %v", gnss.ErrTransport, cfg.Addr, err)
			}
			return conn, nil
		}, nil

	default:
		return nil, fmt.Errorf("driver %s: unknown transport %q", cfg.ID, cfg.Transport)
	}
}

// closeOnce guards a transport handle so concurrent Close and read-loop
// teardown release it exactly once.
type closeOnce struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func newCloseOnce(rwc io.ReadWriteCloser) *closeOnce {
	return &closeOnce{ReadWriteCloser: rwc}
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.err = c.ReadWriteCloser.Close()
	})
	return c.err
}
