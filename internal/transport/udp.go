// Package transport owns the single UDP association between the bridge and
// the propagation oracle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

var (
	// ErrUnreachable is the umbrella for every fault that means the oracle
	// cannot currently be talked to.
	ErrUnreachable = errors.New("oracle unreachable")
	// ErrConnect indicates the socket could not be bound or connected.
	ErrConnect = fmt.Errorf("%w: connect failed", ErrUnreachable)
	// ErrSend indicates a datagram could not be written.
	ErrSend = fmt.Errorf("%w: send failed", ErrUnreachable)
	// ErrReceive indicates a read failed for a reason other than a timeout.
	ErrReceive = fmt.Errorf("%w: receive failed", ErrUnreachable)
	// ErrTimeout indicates no datagram arrived within the receive timeout.
	ErrTimeout = fmt.Errorf("%w: receive timed out", ErrUnreachable)
	// ErrNotConnected is returned after Close when reconnecting is refused.
	ErrNotConnected = errors.New("connection closed")
	// ErrTruncated indicates a datagram filled the whole receive buffer.
	ErrTruncated = errors.New("reply filled the receive buffer and may be truncated")
)

const (
	// DefaultBufferSize comfortably holds any numeric reply.
	DefaultBufferSize = 2048
	minBufferSize     = 256
)

// Conn is the connection surface the protocol client depends on.
type Conn interface {
	EnsureConnected(ctx context.Context) error
	Send(ctx context.Context, payload string) error
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Options describe how to reach the oracle.
type Options struct {
	Mode model.Mode
	// OracleAddr is the oracle's host:port.
	OracleAddr string
	// LocalPort is bound in remote mode. Local mode always binds an
	// ephemeral port.
	LocalPort int
	// Timeout bounds every Receive.
	Timeout time.Duration
	// BufferSize is the receive buffer; values below 256 are raised.
	BufferSize int
}

// Manager lazily establishes and then reuses one connected UDP socket.
// Exchanges are expected to be serialized by the caller; the mutex only
// protects the socket handle.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	conn   *net.UDPConn
	closed bool
	buf    []byte
	log    logging.Logger
}

// NewManager returns an unconnected Manager.
func NewManager(opts Options, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	if opts.BufferSize < minBufferSize {
		if opts.BufferSize == 0 {
			opts.BufferSize = DefaultBufferSize
		} else {
			opts.BufferSize = minBufferSize
		}
	}
	return &Manager{
		opts: opts,
		buf:  make([]byte, opts.BufferSize),
		log:  log.With(logging.String("component", "transport")),
	}
}

// EnsureConnected binds and connects the socket on first use. It is a no-op
// once connected.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	_, err := m.connection(ctx)
	return err
}

func (m *Manager) connection(ctx context.Context) (*net.UDPConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn, nil
	}
	if m.closed {
		return nil, ErrNotConnected
	}

	raddr, err := net.ResolveUDPAddr("udp", m.opts.OracleAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrConnect, m.opts.OracleAddr, err)
	}

	laddr := &net.UDPAddr{Port: 0}
	if m.opts.Mode == model.ModeRemote {
		laddr.Port = m.opts.LocalPort
	}

	m.log.Info(ctx, "establishing connection to oracle",
		logging.String("mode", m.opts.Mode.String()),
		logging.String("oracle", raddr.String()),
		logging.String("local", net.JoinHostPort("", strconv.Itoa(laddr.Port))),
	)

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	m.conn = conn

	m.log.Info(ctx, "connected to oracle",
		logging.String("local", conn.LocalAddr().String()),
		logging.String("timeout", m.opts.Timeout.String()),
	)
	return conn, nil
}

// Send writes payload as one datagram, connecting first if needed.
func (m *Manager) Send(ctx context.Context, payload string) error {
	conn, err := m.connection(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Receive blocks until one datagram arrives, the receive timeout expires, or
// ctx is done.
func (m *Manager) Receive(ctx context.Context) (string, error) {
	conn, err := m.connection(ctx)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", contextError(err)
	}

	var deadline time.Time
	if m.opts.Timeout > 0 {
		deadline = time.Now().Add(m.opts.Timeout)
	}
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline, ctxBound = d, true
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: set deadline: %v", ErrReceive, err)
	}

	// Unblock the read as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	m.mu.Lock()
	buf := m.buf
	m.mu.Unlock()

	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", contextError(ctxErr)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// The socket may trip the ctx deadline before ctx itself reports it.
			if ctxBound {
				return "", contextError(context.DeadlineExceeded)
			}
			return "", fmt.Errorf("%w after %s", ErrTimeout, m.opts.Timeout)
		}
		return "", fmt.Errorf("%w: %v", ErrReceive, err)
	}
	payload := string(buf[:n])
	if n == len(buf) {
		return payload, ErrTruncated
	}
	return payload, nil
}

// contextError classifies a receive ended by ctx. An expired deadline is a
// timeout like the socket's own; cancellation is the caller giving up and
// says nothing about the oracle.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("receive: %w", err)
}

// LocalAddr returns the bound local address, or nil before connecting.
func (m *Manager) LocalAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr()
}

// Close releases the socket. Further use returns ErrNotConnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
