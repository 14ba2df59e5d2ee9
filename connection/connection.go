package connection

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/wiloon/w-fd-tunnel/event"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

var ErrRefcountUnderflow = errors.New("connection reference released twice")

// Connection app fd, tunnel fd, destination
type Connection struct {
	ID          string
	AppFd       int
	TunnelFd    int
	Destination Destination
	// Events is guarded by the registry lock.
	Events event.Set

	refcount atomic.Int32
}

// New allocates a connection holding one reference. It is not inserted.
func New(appFd, tunnelFd int, dest Destination) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		AppFd:       appFd,
		TunnelFd:    tunnelFd,
		Destination: dest,
	}
	c.refcount.Store(1)
	logger.Debugf("conn created, id: %s, app fd: %d, tunnel fd: %d, dest: %s", c.ID, appFd, tunnelFd, dest)
	return c
}

func (c *Connection) Get() {
	if c.refcount.Inc() <= 1 {
		logger.Errorf("get ref on released conn, id: %s, fd: %d", c.ID, c.AppFd)
		panic(ErrRefcountUnderflow)
	}
}

// Put releases a reference. Exactly one caller, the one taking the count to
// zero, sees true and has destroyed the connection.
func (c *Connection) Put() bool {
	n := c.refcount.Dec()
	if n > 0 {
		return false
	}
	if n < 0 {
		logger.Errorf("put ref on released conn, id: %s, fd: %d", c.ID, c.AppFd)
		panic(ErrRefcountUnderflow)
	}
	c.destroy()
	return true
}

func (c *Connection) Refs() int32 {
	return c.refcount.Load()
}

// destroy runs once, after the connection left the registry, so nothing else
// can reach its event set.
func (c *Connection) destroy() {
	n := c.Events.DestroyAll()
	logger.Debugf("conn destroyed, id: %s, app fd: %d, released evspecs: %d", c.ID, c.AppFd, n)
	c.Destination = Destination{}
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn %s app fd: %d, tunnel fd: %d, dest: %s", c.ID, c.AppFd, c.TunnelFd, c.Destination)
}
