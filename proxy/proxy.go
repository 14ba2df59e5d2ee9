// Package proxy opens tunnels to the backends chosen by the route table.
package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/hook"
	"github.com/wiloon/w-fd-tunnel/route"
	"github.com/wiloon/w-fd-tunnel/utils"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

const DefaultDialTimeout = 5 * time.Second

// Dialer is a hook.Tunneler: it dials the first reachable backend for a
// destination and hands back a descriptor the interceptor owns.
type Dialer struct {
	Route  *route.Table
	dialer net.Dialer
}

var _ hook.Tunneler = (*Dialer)(nil)

func NewDialer(table *route.Table, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Dialer{
		Route:  table,
		dialer: net.Dialer{Timeout: timeout},
	}
}

func (d *Dialer) Tunnel(ctx context.Context, dest connection.Destination) (int, error) {
	rule := d.Route.Lookup(dest)
	if rule.Direct() {
		logger.Debugf("dest: %s direct, rule: %s", dest, rule.Key)
		return -1, hook.ErrDirect
	}

	var errs error
	for _, b := range rule.Backends {
		fd, err := d.dial(ctx, b)
		if err != nil {
			logger.Warnf("failed to dial backend %s (%s) for %s: %v", b.Id, b.Address, dest, err)
			errs = multierr.Append(errs, fmt.Errorf("backend %s: %w", b.Id, err))
			continue
		}
		logger.Infof("tunnel to %s via backend %s (%s), fd: %d", dest, b.Id, b.Address, fd)
		return fd, nil
	}
	return -1, fmt.Errorf("no backend reachable for %s: %w", dest, errs)
}

func (d *Dialer) dial(ctx context.Context, b route.Backend) (int, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", b.Address)
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	return utils.DupSocketFD(conn)
}
