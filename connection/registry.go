package connection

import (
	"errors"
	"sync"

	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

var (
	ErrDuplicateConnection = errors.New("app fd already tracked")
	errTxClosed            = errors.New("registry transaction used after release")
)

// Registry maps app fds to connections. A single mutex guards the map, the
// fd list, the tunnel index and the event set of every connection. It is
// only taken through Update and View, never nested, and never held while a
// real syscall runs.
type Registry struct {
	mu       sync.Mutex
	conns    map[int]*Connection
	byTunnel map[int]*Connection
	list     *List
}

func NewRegistry(listCapacity int) *Registry {
	return &Registry{
		conns:    make(map[int]*Connection),
		byTunnel: make(map[int]*Connection),
		list:     NewList(listCapacity),
	}
}

// Tx is the registry seen from inside the lock.
type Tx struct {
	r      *Registry
	closed bool
}

func (r *Registry) Update(fn func(tx *Tx)) {
	r.mu.Lock()
	tx := &Tx{r: r}
	defer func() {
		tx.closed = true
		r.mu.Unlock()
	}()
	fn(tx)
}

// View is Update for callers that only read; the registry has a single
// exclusive lock so they are the same thing.
func (r *Registry) View(fn func(tx *Tx)) {
	r.Update(fn)
}

func (tx *Tx) check() {
	if tx.closed {
		panic(errTxClosed)
	}
}

func (tx *Tx) Find(appFd int) *Connection {
	tx.check()
	return tx.r.conns[appFd]
}

func (tx *Tx) FindByTunnel(tunnelFd int) *Connection {
	tx.check()
	return tx.r.byTunnel[tunnelFd]
}

// Insert registers conn. Tracking the same app fd twice would let traffic
// escape the tunnel, so it is fatal.
func (tx *Tx) Insert(conn *Connection) {
	tx.check()
	if old, ok := tx.r.conns[conn.AppFd]; ok {
		logger.Errorf("conn insert, app fd: %d already tracked by %s", conn.AppFd, old)
		panic(ErrDuplicateConnection)
	}
	tx.r.conns[conn.AppFd] = conn
	tx.r.byTunnel[conn.TunnelFd] = conn
	tx.r.list.Insert(conn.AppFd)
	metrics.TrackedConnections.Inc()
	logger.Debugf("conn inserted: %s", conn)
}

// Remove detaches conn; the caller still owns whatever reference it holds.
func (tx *Tx) Remove(conn *Connection) {
	tx.check()
	cur, ok := tx.r.conns[conn.AppFd]
	if !ok || cur != conn {
		logger.Warnf("conn remove, not in registry: %s", conn)
		return
	}
	delete(tx.r.conns, conn.AppFd)
	if tx.r.byTunnel[conn.TunnelFd] == conn {
		delete(tx.r.byTunnel, conn.TunnelFd)
	}
	tx.r.list.Remove(conn.AppFd)
	metrics.TrackedConnections.Dec()
	logger.Debugf("conn removed: %s", conn)
}

// Each visits every tracked connection through the fd list.
func (tx *Tx) Each(fn func(conn *Connection) bool) {
	tx.check()
	tx.r.list.Each(func(fd int) bool {
		return fn(tx.r.conns[fd])
	})
}

func (tx *Tx) Len() int {
	tx.check()
	return len(tx.r.conns)
}
