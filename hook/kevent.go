package hook

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/event"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

func (i *Interceptor) Kevent(kq int, changes, events []Kevent, timeout *unix.Timespec) (int, error) {
	return i.kevent(event.Kqueue, kq, changes, events, func(changes []Kevent) (int, error) {
		return i.libc.Kevent(kq, changes, events, timeout)
	})
}

func (i *Interceptor) Kevent64(kq int, changes, events []Kevent, flags uint32, timeout *unix.Timespec) (int, error) {
	return i.kevent(event.Kqueue64, kq, changes, events, func(changes []Kevent) (int, error) {
		return i.libc.Kevent64(kq, changes, events, flags, timeout)
	})
}

// touched is a specifier changed by the current call, with the state it had
// before the call so it can be put back, whole or one filter at a time.
type touched struct {
	conn    *connection.Connection
	spec    *event.Specifier
	snap    event.Snapshot
	filters map[int16]event.FilterState
	created bool
	undone  bool
}

// remember keeps the state filter had before its first change in this call.
func (t *touched) remember(filter int16) {
	if t.filters == nil {
		t.filters = make(map[int16]event.FilterState)
	}
	if _, ok := t.filters[filter]; !ok {
		t.filters[filter] = t.spec.FilterState(filter)
	}
}

func (t *touched) undo() {
	if t.undone {
		return
	}
	rollback(t.conn, t.spec, t.snap, t.created)
	t.undone = true
}

// undoFilter puts back a single refused filter. Changes the kernel
// committed for the other filters stay recorded.
func (t *touched) undoFilter(filter int16) {
	if t.undone {
		return
	}
	if st, ok := t.filters[filter]; ok {
		t.spec.RestoreFilter(filter, st)
	}
}

// retiredDelete reports the tunnel a delete on a shut down fd must go to.
// Must be called under the registry lock.
func (i *Interceptor) retiredDelete(kev Kevent) (int, bool) {
	if kev.Flags&event.EV_DELETE == 0 {
		return 0, false
	}
	return i.retiredTunnel(int(kev.Ident))
}

// tracks reports whether ident names a descriptor for this filter. Other
// filters use ident for signals, pids or timers.
func tracks(filter int16) bool {
	return event.FromFilter(filter) != 0
}

// kevent runs one batched change-and-wait call:
//
//  1. the change list is copied and tracked idents are swapped in the copy,
//     each interest change is applied to its specifier after a snapshot
//  2. the real call runs on the copy without the registry lock
//  3. a failed call undoes every change, an EV_ERROR entry undoes only the
//     filter it reports on
//  4. returned idents are swapped back, first from this call's pairs, then
//     from the registry for knotes registered by earlier calls, and
//     delivered oneshot filters are consumed
//  5. every specifier left pending is destroyed once and the references
//     taken in step 1 are dropped
func (i *Interceptor) kevent(mech event.Mechanism, kq int, changes, events []Kevent, real func([]Kevent) (int, error)) (int, error) {
	call := "kevent"
	if mech == event.Kqueue64 {
		call = "kevent64"
	}

	var (
		pairs   fdPairs
		work    []*touched
		byApp   = make(map[int]*touched)
		subst   = changes
		err     error
		lookups int
	)
	i.registry.Update(func(tx *connection.Tx) {
		n := 0
		for _, kev := range changes {
			if !tracks(kev.Filter) {
				continue
			}
			if tx.Find(int(kev.Ident)) != nil {
				n++
			} else if _, ok := i.retiredDelete(kev); ok {
				n++
			}
		}
		if n == 0 {
			return
		}
		if pairs, err = i.newPairs(call, n); err != nil {
			return
		}
		subst = make([]Kevent, len(changes))
		copy(subst, changes)

		for k, kev := range changes {
			if !tracks(kev.Filter) {
				continue
			}
			conn := tx.Find(int(kev.Ident))
			if conn == nil {
				if tunnel, ok := i.retiredDelete(kev); ok {
					subst[k].Ident = uint64(tunnel)
					pairs = append(pairs, fdPair{tunnel: tunnel, app: int(kev.Ident), slot: k})
				}
				continue
			}
			subst[k].Ident = uint64(conn.TunnelFd)
			pairs = append(pairs, fdPair{tunnel: conn.TunnelFd, app: conn.AppFd, slot: k})

			t := byApp[conn.AppFd]
			if t == nil {
				spec := findSpec(conn, kq, mech)
				if spec == nil {
					if kev.Flags&event.EV_ADD == 0 {
						continue
					}
					spec = event.New(kq, mech, kev.Ident, 0)
					conn.Events.Attach(spec)
					t = &touched{conn: conn, spec: spec, snap: spec.Snapshot(), created: true}
				} else {
					t = &touched{conn: conn, spec: spec, snap: spec.Snapshot()}
				}
				conn.Get()
				byApp[conn.AppFd] = t
				work = append(work, t)
			}
			t.remember(kev.Filter)
			u := event.KqueueUpdate{Ident: kev.Ident, Filter: kev.Filter, Flags: kev.Flags}
			if merr := event.Modify(t.spec, kq, u); merr != nil {
				logger.Debugf("[%s] change %d on fd: %d: %v", call, k, conn.AppFd, merr)
			}
		}
	})
	if err != nil {
		return -1, err
	}
	if len(pairs) > 0 {
		metrics.Substitutions.WithLabelValues(call).Add(float64(len(pairs)))
	} else {
		metrics.Passthroughs.WithLabelValues(call).Inc()
	}

	n, err := real(subst)

	i.registry.Update(func(tx *connection.Tx) {
		// EINTR comes from the wait, the change list was already applied
		if err != nil && !errors.Is(err, unix.EINTR) {
			for _, t := range work {
				t.undo()
			}
		}

		var delivered []*touched
		for k := 0; k < n && k < len(events); k++ {
			kev := &events[k]
			if !tracks(kev.Filter) {
				continue
			}
			tunnel := int(kev.Ident)
			var conn *connection.Connection
			app, ok := pairs.appFor(tunnel)
			if ok {
				conn = tx.Find(app)
			} else if conn = tx.FindByTunnel(tunnel); conn != nil {
				app, ok = conn.AppFd, true
				lookups++
			} else {
				app, ok = i.retiredApp(tunnel)
			}
			if !ok {
				continue
			}
			kev.Ident = uint64(app)

			t := byApp[app]
			if kev.Flags&event.EV_ERROR != 0 {
				if kev.Data != 0 && t != nil {
					logger.Debugf("[%s] %s change on fd: %d refused: %s",
						call, event.FilterName(kev.Filter), app, unix.Errno(kev.Data))
					t.undoFilter(kev.Filter)
				}
				continue
			}

			var spec *event.Specifier
			if t != nil {
				spec = t.spec
			} else if conn != nil {
				spec = findSpec(conn, kq, mech)
			}
			if spec == nil {
				continue
			}
			kev.Ident = spec.Identifier
			if event.Deliver(spec, kev.Filter) && t == nil {
				delivered = append(delivered, &touched{conn: conn, spec: spec})
			}
		}

		for _, t := range append(work, delivered...) {
			if t.spec.Pending() {
				if derr := t.conn.Events.Destroy(t.spec); derr != nil && !errors.Is(derr, event.ErrNotAttached) {
					logger.Warnf("[%s] destroy evspec: %v", call, derr)
				}
			}
		}
		for _, t := range work {
			t.conn.Put()
		}
	})
	if lookups > 0 {
		logger.Debugf("[%s] %d idents restored from the registry", call, lookups)
	}
	return n, err
}
