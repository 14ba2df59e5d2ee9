//go:build darwin || freebsd

package hook

import (
	"golang.org/x/sys/unix"
)

// scatter/gather goes through one buffer so each call stays a single
// read(2) or write(2)
func (unixLibc) Readv(fd int, iovs [][]byte) (int, error) {
	size := 0
	for _, iov := range iovs {
		size += len(iov)
	}
	buf := make([]byte, size)
	n, err := unix.Read(fd, buf)
	if n <= 0 {
		return n, err
	}
	rest := buf[:n]
	for _, iov := range iovs {
		rest = rest[copy(iov, rest):]
		if len(rest) == 0 {
			break
		}
	}
	return n, err
}

func (unixLibc) Writev(fd int, iovs [][]byte) (int, error) {
	var buf []byte
	for _, iov := range iovs {
		buf = append(buf, iov...)
	}
	return unix.Write(fd, buf)
}

func (unixLibc) Dup3(oldfd, newfd, flags int) error {
	if flags != 0 {
		return unix.ENOSYS
	}
	if oldfd == newfd {
		return unix.EINVAL
	}
	return unix.Dup2(oldfd, newfd)
}

func (unixLibc) Pselect(int, *unix.FdSet, *unix.FdSet, *unix.FdSet, *unix.Timespec, *unix.Sigset_t) (int, error) {
	return -1, unix.ENOSYS
}

func (unixLibc) Ppoll([]PollFd, *unix.Timespec, *unix.Sigset_t) (int, error) {
	return -1, unix.ENOSYS
}

func (unixLibc) EpollCtl(int, int, int, *EpollEvent) error {
	return unix.ENOSYS
}

func (unixLibc) EpollWait(int, []EpollEvent, int) (int, error) {
	return -1, unix.ENOSYS
}

func toUnixKevents(evs []Kevent) []unix.Kevent_t {
	raw := make([]unix.Kevent_t, len(evs))
	for i, ev := range evs {
		unix.SetKevent(&raw[i], int(ev.Ident), int(ev.Filter), int(ev.Flags))
		raw[i].Fflags = ev.Fflags
		raw[i].Data = ev.Data
		raw[i].Udata = ev.Udata
	}
	return raw
}

func (unixLibc) Kevent(kq int, changes, events []Kevent, timeout *unix.Timespec) (int, error) {
	out := make([]unix.Kevent_t, len(events))
	n, err := unix.Kevent(kq, toUnixKevents(changes), out, timeout)
	for i := 0; i < n; i++ {
		events[i] = Kevent{
			Ident:  uint64(out[i].Ident),
			Filter: int16(out[i].Filter),
			Flags:  uint16(out[i].Flags),
			Fflags: uint32(out[i].Fflags),
			Data:   int64(out[i].Data),
			Udata:  out[i].Udata,
		}
	}
	return n, err
}

// kevent64 is not exposed by the unix package
func (unixLibc) Kevent64(int, []Kevent, []Kevent, uint32, *unix.Timespec) (int, error) {
	return -1, unix.ENOSYS
}
