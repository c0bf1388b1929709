// Package connection pools TCP connections to document servers and speaks
// their line protocol.
package connection

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn is a net.Conn borrowed from a pool. Close hands it back.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. It doesn't close the underlying
// TCP connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection and gives its pool slot back.
func (c *PooledConn) ForceClose() error {
	if c.pool != nil {
		c.pool.discard()
		c.pool = nil
	}
	return c.Conn.Close()
}

// hostPool manages the connections to one address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	slots    chan struct{} // one token per connection that may still be dialed
	dial     func() (net.Conn, error)
	address  string
	isClosed bool
}

// PoolManager keeps one pool per server address.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
	tls     *tls.Config
}

// NewPoolManager creates a manager with at most maxSize open connections per
// address, dialing with the given timeout.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PoolManager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// UseTLS makes pools created after the call dial with cfg.
func (m *PoolManager) UseTLS(cfg *tls.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tls = cfg
}

// Get borrows a connection to address, dialing when the pool has none idle.
// It blocks while maxSize connections are borrowed.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				slots:   make(chan struct{}, m.maxSize),
				address: address,
				dial:    m.dialer(address),
			}
			for i := 0; i < m.maxSize; i++ {
				pool.slots <- struct{}{}
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (m *PoolManager) dialer(address string) func() (net.Conn, error) {
	d := &net.Dialer{Timeout: m.timeout}
	if cfg := m.tls; cfg != nil {
		return func() (net.Conn, error) {
			return tls.DialWithDialer(d, "tcp", address, cfg)
		}
	}
	return func() (net.Conn, error) {
		return d.Dial("tcp", address)
	}
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, fmt.Errorf("connection pool for %s is closed", p.address)
		}
		return conn, nil
	default:
	}
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, fmt.Errorf("connection pool for %s is closed", p.address)
		}
		return conn, nil
	case <-p.slots:
		conn, err := p.dial()
		if err != nil {
			p.slots <- struct{}{}
			return nil, fmt.Errorf("failed to connect to %s: %w", p.address, err)
		}
		return conn, nil
	}
}

func (p *hostPool) put(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		conn.Close()
		return
	}
	p.conns <- conn
}

func (p *hostPool) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isClosed {
		p.slots <- struct{}{}
	}
}

// Close shuts every pool down. Borrowed connections are closed when returned.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return
	}
	p.isClosed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
}
