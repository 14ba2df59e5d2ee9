package hook

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

// Shutdown stops tracking fd and shuts the tunnel down in its place. The
// tunnel fd stays open until the application closes fd.
func (i *Interceptor) Shutdown(fd, how int) error {
	tunnel := fd
	i.registry.Update(func(tx *connection.Tx) {
		conn := tx.Find(fd)
		if conn == nil {
			return
		}
		tunnel = conn.TunnelFd
		tx.Remove(conn)
		i.retired[fd] = tunnel
		conn.Put()
	})
	if tunnel != fd {
		logger.Debugf("[shutdown] fd: %d, tunnel fd: %d, how: %d", fd, tunnel, how)
	}
	return i.libc.Shutdown(tunnel, how)
}

// Close releases whatever the interceptor keeps for fd and then closes it.
func (i *Interceptor) Close(fd int) error {
	tunnel := i.forget("close", fd)
	err := i.libc.Close(fd)
	if tunnel < 0 {
		return err
	}
	if terr := i.libc.Close(tunnel); terr != nil {
		logger.Warnf("[close] fd: %d, closing tunnel fd: %d: %v", fd, tunnel, terr)
		err = multierr.Append(err, fmt.Errorf("close tunnel fd %d: %w", tunnel, terr))
	}
	return err
}

// released is called once the kernel closed fd on the application's behalf,
// as dup2 does with its target.
func (i *Interceptor) released(call string, fd int) {
	tunnel := i.forget(call, fd)
	if tunnel < 0 {
		return
	}
	if err := i.libc.Close(tunnel); err != nil {
		logger.Warnf("[%s] fd: %d, closing tunnel fd: %d: %v", call, fd, tunnel, err)
	}
}

// forget drops fd from the registry and returns the tunnel fd the caller
// must close, or -1. An fd that is not a connection may be a multiplexer
// instance; its registrations die with it and are purged so a later
// instance reusing the number starts clean.
func (i *Interceptor) forget(call string, fd int) int {
	tunnel := -1
	i.registry.Update(func(tx *connection.Tx) {
		if conn := tx.Find(fd); conn != nil {
			tunnel = conn.TunnelFd
			tx.Remove(conn)
			conn.Put()
			logger.Debugf("[%s] fd: %d released with tunnel fd: %d", call, fd, tunnel)
			return
		}
		if t, ok := i.retired[fd]; ok {
			tunnel = t
			delete(i.retired, fd)
			return
		}
		purged := 0
		tx.Each(func(conn *connection.Connection) bool {
			for spec := conn.Events.FindByMultiplexer(fd); spec != nil; spec = conn.Events.FindByMultiplexer(fd) {
				if !conn.Events.Detach(spec) {
					break
				}
				purged++
			}
			return true
		})
		if purged > 0 {
			logger.Debugf("[%s] multiplexer fd: %d gone, purged %d evspecs", call, fd, purged)
		}
	})
	return tunnel
}

// retiredTunnel and retiredApp read the retired map in both directions. A
// knote or epoll registration made before the shutdown still lives on the
// tunnel. Both must be called under the registry lock.
func (i *Interceptor) retiredTunnel(fd int) (int, bool) {
	tunnel, ok := i.retired[fd]
	return tunnel, ok
}

func (i *Interceptor) retiredApp(tunnel int) (int, bool) {
	for app, t := range i.retired {
		if t == tunnel {
			return app, true
		}
	}
	return 0, false
}
