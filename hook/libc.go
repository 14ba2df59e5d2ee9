package hook

import "golang.org/x/sys/unix"

// PollFd mirrors struct pollfd.
type PollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

// EpollEvent mirrors struct epoll_event with the data union kept opaque.
type EpollEvent struct {
	Events uint32
	Data   uint64
}

// Kevent mirrors struct kevent (and kevent64_s) with fixed width fields.
// Udata is the caller's opaque pointer, passed through untouched.
type Kevent struct {
	Ident  uint64
	Filter int16
	Flags  uint16
	Fflags uint32
	Data   int64
	Udata  *byte
}

// Libc is the set of real entry points the interceptor delegates to.
// Implementations report failures as unix.Errno so callers see the kernel's
// errno unchanged.
type Libc interface {
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Readv(fd int, iovs [][]byte) (int, error)
	Writev(fd int, iovs [][]byte) (int, error)
	Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Dup(fd int) (int, error)
	Dup2(oldfd, newfd int) error
	Dup3(oldfd, newfd, flags int) error
	Shutdown(fd, how int) error
	Close(fd int) error
	Getpeername(fd int) (unix.Sockaddr, error)

	Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)
	Pselect(nfd int, r, w, e *unix.FdSet, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error)
	Poll(fds []PollFd, timeout int) (int, error)
	Ppoll(fds []PollFd, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error)

	EpollCtl(epfd, op, fd int, event *EpollEvent) error
	EpollWait(epfd int, events []EpollEvent, msec int) (int, error)
	Kevent(kq int, changes, events []Kevent, timeout *unix.Timespec) (int, error)
	Kevent64(kq int, changes, events []Kevent, flags uint32, timeout *unix.Timespec) (int, error)
}
