package event

import (
	"fmt"

	"github.com/wiloon/w-fd-tunnel/utils/logger"
	"github.com/wiloon/w-fd-tunnel/utils/metrics"
)

// Update is one interest change coming from an intercepted call.
type Update interface {
	mechanismOK(m Mechanism) bool
}

// EpollUpdate mirrors an epoll_ctl request.
type EpollUpdate struct {
	Op     int
	Events uint32
	Data   uint64
}

func (EpollUpdate) mechanismOK(m Mechanism) bool { return m == Epoll }

// KqueueUpdate mirrors one entry of a kevent change list.
type KqueueUpdate struct {
	Ident  uint64
	Filter int16
	Flags  uint16
}

func (KqueueUpdate) mechanismOK(m Mechanism) bool { return m.bsd() }

// Modify applies u to spec. efd is the multiplexer descriptor of the current
// call; a disagreement with the recorded one means a close/recreate of the
// instance went unnoticed, it is logged and the change is applied anyway.
func Modify(spec *Specifier, efd int, u Update) error {
	if !u.mechanismOK(spec.Mechanism) {
		return fmt.Errorf("%w: %s evspec, %T", ErrMechanismMismatch, spec.Mechanism, u)
	}
	if spec.MultiplexerFd != efd {
		logger.Warnf("[events] %s fd changed from %d to %d without being detected",
			spec.Mechanism, spec.MultiplexerFd, efd)
		metrics.Anomalies.WithLabelValues("multiplexer_fd").Inc()
	}

	switch u := u.(type) {
	case EpollUpdate:
		return modifyEpoll(spec, u)
	case KqueueUpdate:
		return modifyKqueue(spec, u)
	default:
		return ErrUnsupportedOp
	}
}

func modifyEpoll(spec *Specifier, u EpollUpdate) error {
	switch u.Op {
	case EpollCtlAdd, EpollCtlMod:
		// EPOLLONESHOT disables the registration, it never deletes it, so it
		// does not change the bookkeeping.
		spec.Active |= FromEpoll(u.Events)
		spec.Identifier = u.Data
		spec.pending = false
	case EpollCtlDel:
		spec.pending = true
	default:
		logger.Debugf("[epoll] operation not recognized or supported (%d)", u.Op)
		return ErrUnsupportedOp
	}
	return nil
}

func modifyKqueue(spec *Specifier, u KqueueUpdate) error {
	if spec.Identifier != u.Ident {
		logger.Warnf("[kqueue] kev ident %d does not match evspec ident %d", u.Ident, spec.Identifier)
		metrics.Anomalies.WithLabelValues("ident").Inc()
	}
	bit := FromFilter(u.Filter)
	if bit == 0 {
		return fmt.Errorf("%w: %s", ErrNoInterestChange, FilterName(u.Filter))
	}
	switch {
	case u.Flags&EV_DELETE != 0:
		spec.Active &^= bit
		spec.Oneshot &^= bit
		spec.settle()
	case u.Flags&EV_ADD != 0 && u.Flags&EV_ONESHOT != 0:
		spec.Oneshot |= bit
		spec.pending = false
	case u.Flags&EV_ADD != 0:
		spec.Active |= bit
		spec.Oneshot &^= bit
		spec.pending = false
	case u.Flags&EV_ONESHOT != 0:
		// re-arming an existing knote as single shot
		spec.Active &^= bit
		spec.Oneshot |= bit
		spec.pending = false
	default:
		return ErrNoInterestChange
	}
	return nil
}

// Deliver records that the kernel reported filter to the application. A
// single-shot bit is consumed and the specifier goes pending when nothing
// else is armed. It reports whether a oneshot bit was consumed.
func Deliver(spec *Specifier, filter int16) bool {
	bit := FromFilter(filter)
	if bit == 0 || spec.Oneshot&bit == 0 {
		return false
	}
	spec.Oneshot &^= bit
	spec.settle()
	return true
}
