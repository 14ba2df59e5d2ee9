//go:build linux

package hook

import "golang.org/x/sys/unix"

func (unixLibc) Readv(fd int, iovs [][]byte) (int, error) {
	return unix.Readv(fd, iovs)
}

func (unixLibc) Writev(fd int, iovs [][]byte) (int, error) {
	return unix.Writev(fd, iovs)
}

func (unixLibc) Dup3(oldfd, newfd, flags int) error {
	return unix.Dup3(oldfd, newfd, flags)
}

func (unixLibc) Pselect(nfd int, r, w, e *unix.FdSet, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	return unix.Pselect(nfd, r, w, e, timeout, sigmask)
}

func (unixLibc) Ppoll(fds []PollFd, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	raw := toUnixPollFds(fds)
	n, err := unix.Ppoll(raw, timeout, sigmask)
	fromUnixPollFds(fds, raw)
	return n, err
}

// epoll_data is a union; the unix package splits its 8 bytes into Fd and Pad.
func toUnixEpollEvent(ev *EpollEvent) *unix.EpollEvent {
	if ev == nil {
		return nil
	}
	return &unix.EpollEvent{
		Events: ev.Events,
		Fd:     int32(uint32(ev.Data)),
		Pad:    int32(uint32(ev.Data >> 32)),
	}
}

func fromUnixEpollEvent(raw unix.EpollEvent) EpollEvent {
	return EpollEvent{
		Events: raw.Events,
		Data:   uint64(uint32(raw.Fd)) | uint64(uint32(raw.Pad))<<32,
	}
}

func (unixLibc) EpollCtl(epfd, op, fd int, event *EpollEvent) error {
	return unix.EpollCtl(epfd, op, fd, toUnixEpollEvent(event))
}

func (unixLibc) EpollWait(epfd int, events []EpollEvent, msec int) (int, error) {
	raw := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(epfd, raw, msec)
	for i := 0; i < n; i++ {
		events[i] = fromUnixEpollEvent(raw[i])
	}
	return n, err
}

func (unixLibc) Kevent(int, []Kevent, []Kevent, *unix.Timespec) (int, error) {
	return -1, unix.ENOSYS
}

func (unixLibc) Kevent64(int, []Kevent, []Kevent, uint32, *unix.Timespec) (int, error) {
	return -1, unix.ENOSYS
}
