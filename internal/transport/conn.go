package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn provides the all-or-nothing send and exact-length receive primitives
// over a connected stream socket.
type Conn struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection.
func New(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(c), nil
}

// SendAll writes every byte of b.
func (c *Conn) SendAll(b []byte) error {
	total := len(b)
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return fmt.Errorf("send: %d of %d bytes written: %w", total-len(b)+n, total, err)
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// ReceiveExact reads exactly n bytes. A peer close before n bytes arrive is
// reported as io.ErrUnexpectedEOF (or io.EOF when nothing was read).
func (c *Conn) ReceiveExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetReadTimeout arms a deadline for subsequent reads; zero clears it.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// Close releases the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

// IsTimeout reports whether err came from an expired read deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
