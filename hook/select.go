package hook

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

const fdSetSize = int(unsafe.Sizeof(unix.FdSet{})) * 8

func (i *Interceptor) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return i.selectSets("select", nfd, [3]*unix.FdSet{r, w, e}, func(nfd int) (int, error) {
		return i.libc.Select(nfd, r, w, e, timeout)
	})
}

func (i *Interceptor) Pselect(nfd int, r, w, e *unix.FdSet, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	return i.selectSets("pselect", nfd, [3]*unix.FdSet{r, w, e}, func(nfd int) (int, error) {
		return i.libc.Pselect(nfd, r, w, e, timeout, sigmask)
	})
}

// selectSets swaps tracked app fds for their tunnels in each of the three
// sets independently, runs call with the widened bound and swaps back
// whatever the kernel left set. The sets are restored on failure too.
func (i *Interceptor) selectSets(call string, nfd int, sets [3]*unix.FdSet, real func(nfd int) (int, error)) (int, error) {
	if nfd > fdSetSize {
		nfd = fdSetSize
	}
	var (
		pairs fdPairs
		err   error
	)
	i.registry.View(func(tx *connection.Tx) {
		n := 0
		tx.Each(func(conn *connection.Connection) bool {
			if conn.AppFd >= nfd {
				return true
			}
			for _, set := range sets {
				if set != nil && set.IsSet(conn.AppFd) {
					if conn.TunnelFd >= fdSetSize {
						logger.Errorf("[%s] tunnel fd: %d does not fit in an fd_set", call, conn.TunnelFd)
						err = unix.EINVAL
						return false
					}
					n++
				}
			}
			return true
		})
		if err != nil || n == 0 {
			return
		}
		if pairs, err = i.newPairs(call, n); err != nil {
			return
		}
		tx.Each(func(conn *connection.Connection) bool {
			if conn.AppFd >= nfd {
				return true
			}
			for slot, set := range sets {
				if set != nil && set.IsSet(conn.AppFd) {
					pairs = append(pairs, fdPair{tunnel: conn.TunnelFd, app: conn.AppFd, slot: slot})
				}
			}
			return true
		})
	})
	if err != nil {
		return -1, err
	}
	if len(pairs) == 0 {
		metrics.Passthroughs.WithLabelValues(call).Inc()
		return real(nfd)
	}
	metrics.Substitutions.WithLabelValues(call).Add(float64(len(pairs)))

	bound := nfd
	for _, p := range pairs {
		sets[p.slot].Clear(p.app)
	}
	for _, p := range pairs {
		sets[p.slot].Set(p.tunnel)
		if p.tunnel >= bound {
			bound = p.tunnel + 1
		}
	}
	logger.Debugf("[%s] %d substitutions, nfds %d -> %d", call, len(pairs), nfd, bound)

	n, err := real(bound)

	ready := make([]bool, len(pairs))
	for k, p := range pairs {
		ready[k] = sets[p.slot].IsSet(p.tunnel)
		sets[p.slot].Clear(p.tunnel)
	}
	for k, p := range pairs {
		if ready[k] {
			sets[p.slot].Set(p.app)
		}
	}
	return n, err
}
