package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qbitcoin/internal/errs"
)

// DialTimeout bounds an outbound connection attempt.
const DialTimeout = 10 * time.Second

// Dialer wraps net.Dialer the way the teacher's connection pool wraps
// outbound dialing: a single reusable helper with a fixed timeout, kept
// separate from the Connection it produces so the network layer can swap
// in a different transport (e.g. TLS) without touching framing code.
type Dialer struct {
	Timeout time.Duration
}

// NewDialer returns a Dialer with DialTimeout as its default.
func NewDialer() *Dialer {
	return &Dialer{Timeout: DialTimeout}
}

// Dial connects to addr and wraps the resulting socket in a Connection.
func (d *Dialer) Dial(addr string, queueSize int, log *logrus.Logger) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrNetwork, addr, err)
	}
	return NewConnection(conn, queueSize, log), nil
}

// Connection is one TCP socket framed with length-prefixed JSON envelopes,
// per spec §4.8: `length(u32 BE) | json_payload`, one inbound reader
// pushing onto a queue, sends serialized by a mutex.
type Connection struct {
	conn net.Conn
	log  *logrus.Logger

	sendMu sync.Mutex

	recvQueue chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConnection wraps an already-established net.Conn. Callers must call
// Start to begin the reader loop.
func NewConnection(conn net.Conn, queueSize int, log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Connection{
		conn:      conn,
		log:       log,
		recvQueue: make(chan Envelope, queueSize),
		closed:    make(chan struct{}),
	}
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Start launches the reader loop in its own goroutine. The loop exits
// (and closes the connection) on any socket error, protocol violation, or
// oversized message.
func (c *Connection) Start() {
	go c.readLoop()
}

func (c *Connection) readLoop() {
	defer c.Close()
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 || length > MaxMessageSize {
			c.log.WithField("length", length).Warn("p2p: oversized or empty frame, closing connection")
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.log.WithError(err).Warn("p2p: malformed envelope, closing connection")
			return
		}

		select {
		case c.recvQueue <- env:
		case <-c.closed:
			return
		}
	}
}

// Recv exposes the inbound envelope queue for the dispatcher to consume.
func (c *Connection) Recv() <-chan Envelope {
	return c.recvQueue
}

// Send frames and writes env, serialized against concurrent senders.
func (c *Connection) Send(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", errs.ErrProtocol, err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: outgoing message too large (%d bytes)", errs.ErrProtocol, len(payload))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: write frame length: %v", errs.ErrNetwork, err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write frame payload: %v", errs.ErrNetwork, err)
	}
	return nil
}

// SendTyped is a convenience wrapper building and sending an envelope for
// a typed payload.
func (c *Connection) SendTyped(t MessageType, payload interface{}) error {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return fmt.Errorf("%w: build envelope: %v", errs.ErrProtocol, err)
	}
	return c.Send(env)
}

// Close closes the underlying socket exactly once and unblocks any reader
// waiting on the closed channel.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Done reports a channel that closes when the connection has been closed,
// so the network layer can unregister it promptly.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}
