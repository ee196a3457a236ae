// Package transport is the connection multiplexer of spec §2: dial, listen,
// read, and write over net.Conn, pooling idle outbound connections by
// address the way the overlay reuses links to the same peer instead of
// reopening one per message.
//
// Grounded on the teacher's core/network.go Dialer and core/connection_pool.go
// ConnPool, generalized away from the libp2p host/pubsub stack the teacher
// wired those helpers into: this package owns dial/listen/read/write
// directly over TCP so the layer above (noisesession) can run its own
// Noise_XX handshake on the raw stream instead of delegating secure-channel
// negotiation to a second library.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/sirupsen/logrus"

	"github.com/spacechat/core/wire"
)

// ErrDialerNotConfigured is returned by Acquire when no Dialer is set.
var ErrDialerNotConfigured = errors.New("transport: dialer not configured")

// Dialer opens outbound TCP connections with a connect timeout and keepalive.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer builds a Dialer with the given connect timeout and keepalive interval.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to addr over TCP.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// pooledConn tags a net.Conn with the address it was dialed for and its
// last-released time, so the reaper can expire it.
type pooledConn struct {
	net.Conn
	addr     string
	lastUsed time.Time
}

// Pool reuses idle outbound connections per address (§2 Transport).
type Pool struct {
	dialer    *Dialer
	mu        sync.Mutex
	conns     map[string][]*pooledConn
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// NewPool creates a connection pool that dials through d, keeping up to
// maxIdle idle connections per address for idleTTL before closing them.
func NewPool(d *Dialer, maxIdle int, idleTTL time.Duration) *Pool {
	p := &Pool{
		dialer:  d,
		conns:   make(map[string][]*pooledConn),
		maxIdle: maxIdle,
		idleTTL: idleTTL,
		closing: make(chan struct{}),
		log:     logrus.WithField("component", "transport"),
	}
	if idleTTL > 0 {
		go p.reaper()
	}
	return p
}

// Acquire returns a pooled connection to addr, dialing a fresh one if none
// is idle.
func (p *Pool) Acquire(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.Lock()
	list := p.conns[addr]
	n := len(list)
	if n > 0 {
		c := list[n-1]
		p.conns[addr] = list[:n-1]
		p.mu.Unlock()
		c.lastUsed = time.Now()
		return c, nil
	}
	p.mu.Unlock()
	if p.dialer == nil {
		return nil, ErrDialerNotConfigured
	}
	conn, err := p.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &pooledConn{Conn: conn, addr: addr, lastUsed: time.Now()}, nil
}

// Release returns conn to the pool for reuse, or closes it outright if the
// pool is full or conn was not obtained via Acquire.
func (p *Pool) Release(conn net.Conn) {
	pc, ok := conn.(*pooledConn)
	if !ok {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxIdle > 0 && len(p.conns[pc.addr]) < p.maxIdle {
		pc.lastUsed = time.Now()
		p.conns[pc.addr] = append(p.conns[pc.addr], pc)
		return
	}
	_ = pc.Close()
}

// Close shuts down every idle connection and stops the reaper.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, list := range p.conns {
			for _, c := range list {
				_ = c.Close()
			}
		}
		p.conns = make(map[string][]*pooledConn)
	})
}

// Idle reports the total number of idle connections held by the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.conns {
		n += len(list)
	}
	return n
}

func (p *Pool) reaper() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for addr, list := range p.conns {
				i := 0
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						continue
					}
					list[i] = c
					i++
				}
				p.conns[addr] = list[:i]
			}
			p.mu.Unlock()
		case <-p.closing:
			return
		}
	}
}

// Listener accepts inbound TCP connections on a single bound address.
type Listener struct {
	ln  net.Listener
	log *logrus.Entry
}

// Listen binds addr and returns a Listener ready to Accept.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, log: logrus.WithField("component", "transport")}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return conn, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn wraps a net.Conn with length-prefixed frame I/O (§6 wire framing),
// the unit a noisesession.Session exchanges handshake and transport frames in.
type Conn struct {
	net.Conn
	writer msgio.WriteCloser
	reader msgio.ReadCloser
}

// NewConn wraps raw for frame-oriented reads and writes.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		Conn:   raw,
		writer: wire.NewFrameWriter(raw),
		reader: wire.NewFrameReader(raw),
	}
}

// WriteFrame sends one length-prefixed frame.
func (c *Conn) WriteFrame(payload []byte) error {
	return c.writer.WriteMsg(payload)
}

// ReadFrame reads and returns the next length-prefixed frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	return c.reader.ReadMsg()
}
