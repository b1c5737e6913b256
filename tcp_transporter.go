package kducer

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// tcpTransporter owns the single socket to the controller. All I/O loops
// over partial reads and writes under a per-exchange deadline; closing the
// transporter is the only way to abort an exchange in flight.
type tcpTransporter struct {
	conn    net.Conn
	timeout time.Duration // per send/receive deadline, not the connect timeout
	logger  Logger

	mu     sync.Mutex
	closed bool
}

// dialTransporter connects to the controller within connectTimeout. A dial
// that runs out of time is reported as ErrConnectTimeout; a refused or reset
// connection as a plain TransportError.
func dialTransporter(address string, connectTimeout, exchangeTimeout time.Duration, logger Logger) (*tcpTransporter, error) {
	conn, err := net.DialTimeout("tcp", address, connectTimeout)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, newTransportError("connect", ErrConnectTimeout)
		}
		return nil, newTransportError("connect", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Exchanges are tiny and latency-bound.
		tc.SetNoDelay(true)
	}
	return &tcpTransporter{
		conn:    conn,
		timeout: exchangeTimeout,
		logger:  logger,
	}, nil
}

// SendAll writes the complete frame, looping over partial writes.
func (t *tcpTransporter) SendAll(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newTransportError("send", ErrNotConnected)
	}
	if err := t.setDeadline(); err != nil {
		return newTransportError("send", err)
	}
	defer t.clearDeadline()

	written := 0
	for written < len(frame) {
		n, err := t.conn.Write(frame[written:])
		if err != nil {
			return newTransportError("send", err)
		}
		if n == 0 {
			return newTransportError("send", errPeerClosed)
		}
		written += n
	}
	t.logger.Debug("sent frame", "bytes", written)
	return nil
}

// ReceiveAll reads exactly count bytes, looping over partial reads. A clean
// EOF mid-frame means the controller closed the connection.
func (t *tcpTransporter) ReceiveAll(count int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, newTransportError("receive", ErrNotConnected)
	}
	if err := t.setDeadline(); err != nil {
		return nil, newTransportError("receive", err)
	}
	defer t.clearDeadline()

	buf := make([]byte, count)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errPeerClosed
		}
		return nil, newTransportError("receive", err)
	}
	t.logger.Debug("received frame", "bytes", count)
	return buf, nil
}

// IsConnected reports whether the socket is still considered live.
func (t *tcpTransporter) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn != nil
}

// Close shuts the socket down. Safe to call more than once.
func (t *tcpTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *tcpTransporter) setDeadline() error {
	if t.timeout > 0 {
		return t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
	return nil
}

func (t *tcpTransporter) clearDeadline() {
	t.conn.SetDeadline(time.Time{})
}
