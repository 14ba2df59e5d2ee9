package event

import "strings"

// epoll(7) values, identical on every linux architecture.
const (
	EpollCtlAdd = 1
	EpollCtlDel = 2
	EpollCtlMod = 3

	EPOLLIN        = 0x1
	EPOLLPRI       = 0x2
	EPOLLOUT       = 0x4
	EPOLLERR       = 0x8
	EPOLLHUP       = 0x10
	EPOLLRDNORM    = 0x40
	EPOLLRDBAND    = 0x80
	EPOLLWRNORM    = 0x100
	EPOLLWRBAND    = 0x200
	EPOLLRDHUP     = 0x2000
	EPOLLEXCLUSIVE = 1 << 28
	EPOLLWAKEUP    = 1 << 29
	EPOLLONESHOT   = 1 << 30
	EPOLLET        = 1 << 31
)

// kqueue(2) values shared by darwin and freebsd.
const (
	EVFILT_READ   = -1
	EVFILT_WRITE  = -2
	EVFILT_AIO    = -3
	EVFILT_VNODE  = -4
	EVFILT_PROC   = -5
	EVFILT_SIGNAL = -6
	EVFILT_TIMER  = -7

	EV_ADD     = 0x1
	EV_DELETE  = 0x2
	EV_ENABLE  = 0x4
	EV_DISABLE = 0x8
	EV_ONESHOT = 0x10
	EV_CLEAR   = 0x20
	EV_RECEIPT = 0x40
	EV_ERROR   = 0x4000
	EV_EOF     = 0x8000
)

// Interest is the mechanism independent view of what a multiplexer waits for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	Priority
	Error
	Hangup
	Vnode
)

var interestNames = []struct {
	bit  Interest
	name string
}{
	{Readable, "readable"},
	{Writable, "writable"},
	{Priority, "priority"},
	{Error, "error"},
	{Hangup, "hangup"},
	{Vnode, "vnode"},
}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var names []string
	for _, n := range interestNames {
		if i&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// FromEpoll normalizes an epoll_event.events mask. EPOLLERR and EPOLLHUP are
// always reported by the kernel so they are always part of the interest.
func FromEpoll(events uint32) Interest {
	i := Error | Hangup
	if events&(EPOLLIN|EPOLLRDNORM|EPOLLRDBAND) != 0 {
		i |= Readable
	}
	if events&(EPOLLOUT|EPOLLWRNORM|EPOLLWRBAND) != 0 {
		i |= Writable
	}
	if events&EPOLLPRI != 0 {
		i |= Priority
	}
	if events&EPOLLRDHUP != 0 {
		i |= Hangup
	}
	return i
}

// FromFilter normalizes a kevent filter. Filters that never target a
// socket descriptor report zero.
func FromFilter(filter int16) Interest {
	switch filter {
	case EVFILT_READ:
		return Readable
	case EVFILT_WRITE:
		return Writable
	case EVFILT_VNODE:
		return Vnode
	default:
		return 0
	}
}

func FilterName(filter int16) string {
	switch filter {
	case EVFILT_READ:
		return "EVFILT_READ"
	case EVFILT_WRITE:
		return "EVFILT_WRITE"
	case EVFILT_AIO:
		return "EVFILT_AIO"
	case EVFILT_VNODE:
		return "EVFILT_VNODE"
	case EVFILT_PROC:
		return "EVFILT_PROC"
	case EVFILT_SIGNAL:
		return "EVFILT_SIGNAL"
	case EVFILT_TIMER:
		return "EVFILT_TIMER"
	default:
		return "<unknown filter>"
	}
}

func EpollOpName(op int) string {
	switch op {
	case EpollCtlAdd:
		return "ADD"
	case EpollCtlMod:
		return "MOD"
	case EpollCtlDel:
		return "DEL"
	default:
		return "<unrecognized>"
	}
}
