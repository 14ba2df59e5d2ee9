// Package hook substitutes tunnel descriptors for application descriptors
// around the real socket and multiplexing calls.
//
// Every exported method of Interceptor has the shape of the libc call it
// stands in for. A descriptor the registry does not know passes straight
// through; a tracked one is swapped for its tunnel descriptor before the
// call and swapped back in anything the call hands to the application.
package hook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

const DefaultMaxSubstitutions = 4096

// ErrDirect is returned by a Tunneler for destinations that must not be proxied.
var ErrDirect = errors.New("destination is not proxied")

// Tunneler establishes the proxy side of a connection and hands back the
// descriptor connected to the proxy.
type Tunneler interface {
	Tunnel(ctx context.Context, dest connection.Destination) (int, error)
}

type Interceptor struct {
	libc     Libc
	registry *connection.Registry
	tunneler Tunneler
	maxPairs int

	// retired maps an app fd that was shut down to the tunnel fd it still
	// owns, so the app's close releases both. Guarded by the registry lock.
	retired map[int]int
}

type Option func(*Interceptor)

func WithRegistry(r *connection.Registry) Option {
	return func(i *Interceptor) {
		i.registry = r
	}
}

func WithTunneler(t Tunneler) Option {
	return func(i *Interceptor) {
		i.tunneler = t
	}
}

// WithMaxSubstitutions bounds the call-local bookkeeping of one
// multiplexing call. A call needing more fails with ENOMEM.
func WithMaxSubstitutions(n int) Option {
	return func(i *Interceptor) {
		if n > 0 {
			i.maxPairs = n
		}
	}
}

func New(libc Libc, opts ...Option) *Interceptor {
	i := &Interceptor{
		libc:     libc,
		maxPairs: DefaultMaxSubstitutions,
		retired:  make(map[int]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.registry == nil {
		i.registry = connection.NewRegistry(0)
	}
	return i
}

func (i *Interceptor) Registry() *connection.Registry {
	return i.registry
}

// Track registers a tunnel established outside the interceptor.
func (i *Interceptor) Track(appFd, tunnelFd int, dest connection.Destination) *connection.Connection {
	conn := connection.New(appFd, tunnelFd, dest)
	i.registry.Update(func(tx *connection.Tx) {
		tx.Insert(conn)
	})
	return conn
}

// Connect asks the Tunneler for a tunnel to dest and tracks appFd with it.
// ErrDirect tells the caller to run the real connect.
func (i *Interceptor) Connect(ctx context.Context, appFd int, dest connection.Destination) error {
	if i.tunneler == nil {
		return ErrDirect
	}
	tracked := false
	i.registry.View(func(tx *connection.Tx) {
		tracked = tx.Find(appFd) != nil
	})
	if tracked {
		return unix.EISCONN
	}

	tunnelFd, err := i.tunneler.Tunnel(ctx, dest)
	if err != nil {
		if !errors.Is(err, ErrDirect) {
			logger.Errorf("[connect] failed to tunnel fd: %d to %s: %v", appFd, dest, err)
		}
		return err
	}

	conn := connection.New(appFd, tunnelFd, dest)
	i.registry.Update(func(tx *connection.Tx) {
		// another thread won the race for this fd
		if tx.Find(appFd) != nil {
			tracked = true
			return
		}
		tx.Insert(conn)
	})
	if tracked {
		conn.Put()
		_ = i.libc.Close(tunnelFd)
		return unix.EISCONN
	}
	logger.Infof("[connect] fd: %d tunneled to %s via fd: %d", appFd, dest, tunnelFd)
	return nil
}

// resolve returns the descriptor the real call must use for fd.
func (i *Interceptor) resolve(call string, fd int) int {
	tunnel, ok := fd, false
	i.registry.View(func(tx *connection.Tx) {
		if conn := tx.Find(fd); conn != nil {
			tunnel, ok = conn.TunnelFd, true
		}
	})
	if !ok {
		metrics.Passthroughs.WithLabelValues(call).Inc()
		return fd
	}
	metrics.Substitutions.WithLabelValues(call).Inc()
	logger.Debugf("[%s] fd: %d -> tunnel fd: %d", call, fd, tunnel)
	return tunnel
}

// CloseAll releases every tracked connection and its tunnel descriptor.
func (i *Interceptor) CloseAll() error {
	var (
		conns   []*connection.Connection
		retired []int
	)
	i.registry.Update(func(tx *connection.Tx) {
		tx.Each(func(conn *connection.Connection) bool {
			conns = append(conns, conn)
			return true
		})
		for _, conn := range conns {
			tx.Remove(conn)
		}
		for appFd, tunnelFd := range i.retired {
			retired = append(retired, tunnelFd)
			delete(i.retired, appFd)
		}
	})

	var err error
	for _, conn := range conns {
		tunnelFd := conn.TunnelFd
		conn.Put()
		if cerr := i.libc.Close(tunnelFd); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close tunnel fd %d: %w", tunnelFd, cerr))
		}
	}
	for _, tunnelFd := range retired {
		if cerr := i.libc.Close(tunnelFd); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close retired tunnel fd %d: %w", tunnelFd, cerr))
		}
	}
	logger.Infof("released %d connections, %d retired tunnels", len(conns), len(retired))
	return err
}
