package hook

import (
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/event"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

// EpollCtl registers the tunnel in place of a tracked fd and keeps the
// connection's event specifier in step with what the kernel accepted.
func (i *Interceptor) EpollCtl(epfd, op, fd int, ev *EpollEvent) error {
	var (
		conn    *connection.Connection
		spec    *event.Specifier
		snap    event.Snapshot
		created bool
		err     error
	)
	target := fd
	i.registry.Update(func(tx *connection.Tx) {
		if conn = tx.Find(fd); conn == nil {
			if op == event.EpollCtlDel || op == event.EpollCtlMod {
				if tunnel, ok := i.retiredTunnel(fd); ok {
					target = tunnel
				}
			}
			return
		}
		switch op {
		case event.EpollCtlAdd, event.EpollCtlMod:
			if ev == nil {
				err = unix.EFAULT
				return
			}
		case event.EpollCtlDel:
		default:
			err = unix.EINVAL
			return
		}

		spec = findSpec(conn, epfd, event.Epoll)
		if spec == nil && op == event.EpollCtlMod {
			// the instance may have been recreated under another number
			if s := conn.Events.FindByIdentifier(ev.Data); s != nil && s.Mechanism == event.Epoll {
				spec = s
			}
		}
		if spec == nil {
			if op != event.EpollCtlAdd {
				logger.Debugf("[epoll] %s on fd: %d, no evspec for epoll fd: %d", event.EpollOpName(op), fd, epfd)
				err = unix.ENOENT
				return
			}
			spec = event.New(epfd, event.Epoll, ev.Data, 0)
			conn.Events.Attach(spec)
			created = true
		}
		snap = spec.Snapshot()

		u := event.EpollUpdate{Op: op}
		if ev != nil {
			u.Events, u.Data = ev.Events, ev.Data
		}
		if err = event.Modify(spec, epfd, u); err != nil {
			logger.Errorf("[epoll] modify evspec for fd: %d: %v", fd, err)
			rollback(conn, spec, snap, created)
			err = unix.EINVAL
			return
		}
		conn.Get()
	})
	if conn == nil {
		if target != fd {
			logger.Debugf("[epoll] %s fd: %d, retired tunnel fd: %d", event.EpollOpName(op), fd, target)
			metrics.Substitutions.WithLabelValues("epoll_ctl").Inc()
		} else {
			metrics.Passthroughs.WithLabelValues("epoll_ctl").Inc()
		}
		return i.libc.EpollCtl(epfd, op, target, ev)
	}
	if err != nil {
		return err
	}

	metrics.Substitutions.WithLabelValues("epoll_ctl").Inc()
	err = i.libc.EpollCtl(epfd, op, conn.TunnelFd, ev)

	i.registry.Update(func(tx *connection.Tx) {
		if err != nil {
			logger.Debugf("[epoll] %s fd: %d (tunnel fd: %d) failed: %v, rolling back",
				event.EpollOpName(op), fd, conn.TunnelFd, err)
			rollback(conn, spec, snap, created)
		} else if spec.Pending() {
			_ = conn.Events.Destroy(spec)
		}
		conn.Put()
	})
	return err
}

// EpollWait hands back the data word the application registered, which
// never names the tunnel, so nothing is rewritten.
func (i *Interceptor) EpollWait(epfd int, events []EpollEvent, msec int) (int, error) {
	return i.libc.EpollWait(epfd, events, msec)
}

// findSpec must be called under the registry lock.
func findSpec(conn *connection.Connection, mfd int, mech event.Mechanism) *event.Specifier {
	var found *event.Specifier
	conn.Events.Each(func(spec *event.Specifier) {
		if found == nil && spec.MultiplexerFd == mfd && spec.Mechanism == mech {
			found = spec
		}
	})
	return found
}

// rollback undoes a tentative change: a specifier created by the failed
// call goes away, an existing one gets its previous state back.
func rollback(conn *connection.Connection, spec *event.Specifier, snap event.Snapshot, created bool) {
	if created {
		conn.Events.Detach(spec)
		return
	}
	spec.Restore(snap)
}
