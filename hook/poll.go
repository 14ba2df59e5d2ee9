package hook

import (
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

func (i *Interceptor) Poll(fds []PollFd, timeout int) (int, error) {
	return i.pollFds("poll", fds, func() (int, error) {
		return i.libc.Poll(fds, timeout)
	})
}

func (i *Interceptor) Ppoll(fds []PollFd, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	return i.pollFds("ppoll", fds, func() (int, error) {
		return i.libc.Ppoll(fds, timeout, sigmask)
	})
}

// pollFds substitutes per entry and puts the app fd back at the remembered
// index once the call returns.
func (i *Interceptor) pollFds(call string, fds []PollFd, real func() (int, error)) (int, error) {
	var (
		pairs fdPairs
		err   error
	)
	i.registry.View(func(tx *connection.Tx) {
		n := 0
		for _, p := range fds {
			if p.Fd >= 0 && tx.Find(int(p.Fd)) != nil {
				n++
			}
		}
		if n == 0 {
			return
		}
		if pairs, err = i.newPairs(call, n); err != nil {
			return
		}
		for slot, p := range fds {
			if p.Fd < 0 {
				continue
			}
			if conn := tx.Find(int(p.Fd)); conn != nil {
				pairs = append(pairs, fdPair{tunnel: conn.TunnelFd, app: conn.AppFd, slot: slot})
			}
		}
	})
	if err != nil {
		return -1, err
	}
	if len(pairs) == 0 {
		metrics.Passthroughs.WithLabelValues(call).Inc()
		return real()
	}
	metrics.Substitutions.WithLabelValues(call).Add(float64(len(pairs)))

	for _, p := range pairs {
		fds[p.slot].Fd = int32(p.tunnel)
	}
	logger.Debugf("[%s] %d of %d entries substituted", call, len(pairs), len(fds))

	n, err := real()

	for _, p := range pairs {
		fds[p.slot].Fd = int32(p.app)
	}
	return n, err
}
