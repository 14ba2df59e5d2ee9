//go:build linux || darwin || freebsd

package hook

import "golang.org/x/sys/unix"

// unixLibc delegates to golang.org/x/sys/unix. Entry points the running
// kernel does not offer answer ENOSYS.
type unixLibc struct{}

// NewUnixLibc returns the Libc backed by the real system calls.
func NewUnixLibc() Libc {
	return unixLibc{}
}

func (unixLibc) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (unixLibc) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (unixLibc) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, flags)
}

func (unixLibc) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return unix.SendmsgN(fd, p, nil, to, flags)
}

func (unixLibc) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	return unix.Recvmsg(fd, p, oob, flags)
}

func (unixLibc) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return unix.SendmsgN(fd, p, oob, to, flags)
}

func (unixLibc) Dup(fd int) (int, error) {
	return unix.Dup(fd)
}

func (unixLibc) Dup2(oldfd, newfd int) error {
	return unix.Dup2(oldfd, newfd)
}

func (unixLibc) Shutdown(fd, how int) error {
	return unix.Shutdown(fd, how)
}

func (unixLibc) Close(fd int) error {
	return unix.Close(fd)
}

func (unixLibc) Getpeername(fd int) (unix.Sockaddr, error) {
	return unix.Getpeername(fd)
}

func (unixLibc) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	return unix.Select(nfd, r, w, e, timeout)
}

func (unixLibc) Poll(fds []PollFd, timeout int) (int, error) {
	raw := toUnixPollFds(fds)
	n, err := unix.Poll(raw, timeout)
	fromUnixPollFds(fds, raw)
	return n, err
}

func toUnixPollFds(fds []PollFd) []unix.PollFd {
	raw := make([]unix.PollFd, len(fds))
	for i, p := range fds {
		raw[i] = unix.PollFd{Fd: p.Fd, Events: p.Events, Revents: p.Revents}
	}
	return raw
}

func fromUnixPollFds(fds []PollFd, raw []unix.PollFd) {
	for i := range raw {
		fds[i].Revents = raw[i].Revents
	}
}
