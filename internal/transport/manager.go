package transport

import (
	"sync"

	"github.com/coachpo/ndaxstream/internal/observability"
)

// Manager hands out one Conn per gateway URL.
type Manager struct {
	opts    Options
	handler Handler

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager constructs a manager whose connections share opts and handler.
func NewManager(opts Options, handler Handler) *Manager {
	return &Manager{
		opts:    opts,
		handler: handler,
		conns:   make(map[string]*Conn),
	}
}

// Conn returns the connection for url, creating it on first use. The socket
// itself is dialed lazily by the first request or watch.
func (m *Manager) Conn(url string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[url]; ok {
		return c
	}
	c := newConn(url, m.opts, m.handler)
	m.conns[url] = c
	return c
}

// Close closes every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for url, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, url)
	}
	m.mu.Unlock()

	var errList []error
	for _, c := range conns {
		errList = append(errList, c.Close())
	}
	return observability.AggregateErrors("close connections", errList)
}
