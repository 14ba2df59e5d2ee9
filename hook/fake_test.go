package hook

import (
	"sync"

	"golang.org/x/sys/unix"
)

// fakeLibc records the descriptors each call received and answers with
// whatever the test programmed.
type fakeLibc struct {
	mu     sync.Mutex
	fds    map[string][]int
	closed []int

	closeErr map[int]error
	peer     unix.Sockaddr

	selectFn   func(nfd int, r, w, e *unix.FdSet) (int, error)
	pollFn     func(fds []PollFd) (int, error)
	epollCtlFn func(epfd, op, fd int, ev *EpollEvent) error
	keventFn   func(changes, events []Kevent) (int, error)
}

func newFakeLibc() *fakeLibc {
	return &fakeLibc{
		fds:      make(map[string][]int),
		closeErr: make(map[int]error),
	}
}

func (f *fakeLibc) record(call string, fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fds[call] = append(f.fds[call], fd)
}

func (f *fakeLibc) calls(call string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fds[call]...)
}

func (f *fakeLibc) Read(fd int, p []byte) (int, error) {
	f.record("read", fd)
	return len(p), nil
}

func (f *fakeLibc) Write(fd int, p []byte) (int, error) {
	f.record("write", fd)
	return len(p), nil
}

func (f *fakeLibc) Readv(fd int, iovs [][]byte) (int, error) {
	f.record("readv", fd)
	return 0, nil
}

func (f *fakeLibc) Writev(fd int, iovs [][]byte) (int, error) {
	f.record("writev", fd)
	return 0, nil
}

func (f *fakeLibc) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	f.record("recvfrom", fd)
	return 0, nil, unix.EAGAIN
}

func (f *fakeLibc) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	f.record("sendto", fd)
	return len(p), nil
}

func (f *fakeLibc) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	f.record("recvmsg", fd)
	return 0, 0, 0, nil, nil
}

func (f *fakeLibc) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	f.record("sendmsg", fd)
	return len(p), nil
}

func (f *fakeLibc) Dup(fd int) (int, error) {
	f.record("dup", fd)
	return 100, nil
}

func (f *fakeLibc) Dup2(oldfd, newfd int) error {
	f.record("dup2", oldfd)
	return nil
}

func (f *fakeLibc) Dup3(oldfd, newfd, flags int) error {
	f.record("dup3", oldfd)
	return nil
}

func (f *fakeLibc) Shutdown(fd, how int) error {
	f.record("shutdown", fd)
	return nil
}

func (f *fakeLibc) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fd)
	return f.closeErr[fd]
}

func (f *fakeLibc) closedFds() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closed...)
}

func (f *fakeLibc) Getpeername(fd int) (unix.Sockaddr, error) {
	f.record("getpeername", fd)
	return f.peer, nil
}

func (f *fakeLibc) Select(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error) {
	f.record("select", nfd)
	if f.selectFn != nil {
		return f.selectFn(nfd, r, w, e)
	}
	return 0, nil
}

func (f *fakeLibc) Pselect(nfd int, r, w, e *unix.FdSet, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	f.record("pselect", nfd)
	if f.selectFn != nil {
		return f.selectFn(nfd, r, w, e)
	}
	return 0, nil
}

func (f *fakeLibc) Poll(fds []PollFd, timeout int) (int, error) {
	f.record("poll", len(fds))
	if f.pollFn != nil {
		return f.pollFn(fds)
	}
	return 0, nil
}

func (f *fakeLibc) Ppoll(fds []PollFd, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	f.record("ppoll", len(fds))
	if f.pollFn != nil {
		return f.pollFn(fds)
	}
	return 0, nil
}

func (f *fakeLibc) EpollCtl(epfd, op, fd int, ev *EpollEvent) error {
	f.record("epoll_ctl", fd)
	if f.epollCtlFn != nil {
		return f.epollCtlFn(epfd, op, fd, ev)
	}
	return nil
}

func (f *fakeLibc) EpollWait(epfd int, events []EpollEvent, msec int) (int, error) {
	f.record("epoll_wait", epfd)
	return 0, nil
}

func (f *fakeLibc) Kevent(kq int, changes, events []Kevent, timeout *unix.Timespec) (int, error) {
	f.record("kevent", kq)
	if f.keventFn != nil {
		return f.keventFn(changes, events)
	}
	return 0, nil
}

func (f *fakeLibc) Kevent64(kq int, changes, events []Kevent, flags uint32, timeout *unix.Timespec) (int, error) {
	f.record("kevent64", kq)
	if f.keventFn != nil {
		return f.keventFn(changes, events)
	}
	return 0, nil
}
