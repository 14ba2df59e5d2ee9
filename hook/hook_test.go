package hook

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/event"
)

const (
	appFd    = 7
	tunnelFd = 42
	mfd      = 9
)

func newInterceptor(t *testing.T, opts ...Option) (*Interceptor, *fakeLibc) {
	t.Helper()
	libc := newFakeLibc()
	return New(libc, opts...), libc
}

func inetDest(t *testing.T) connection.Destination {
	t.Helper()
	d, err := connection.InetDestination(netip.MustParseAddrPort("10.0.0.1:443"))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func specs(i *Interceptor, fd int) int {
	n := -1
	i.Registry().View(func(tx *connection.Tx) {
		if conn := tx.Find(fd); conn != nil {
			n = conn.Events.Len()
		}
	})
	return n
}

func specOf(i *Interceptor, fd, mfd int) event.Specifier {
	var s event.Specifier
	i.Registry().View(func(tx *connection.Tx) {
		if conn := tx.Find(fd); conn != nil {
			if found := conn.Events.FindByMultiplexer(mfd); found != nil {
				s = *found
			}
		}
	})
	return s
}

func tracked(i *Interceptor, fd int) bool {
	ok := false
	i.Registry().View(func(tx *connection.Tx) {
		ok = tx.Find(fd) != nil
	})
	return ok
}

func TestSingleFdCalls(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	buf := make([]byte, 8)

	calls := []struct {
		name string
		do   func(fd int)
	}{
		{"read", func(fd int) { _, _ = i.Read(fd, buf) }},
		{"write", func(fd int) { _, _ = i.Write(fd, buf) }},
		{"readv", func(fd int) { _, _ = i.Readv(fd, [][]byte{buf}) }},
		{"writev", func(fd int) { _, _ = i.Writev(fd, [][]byte{buf}) }},
		{"sendto", func(fd int) { _, _ = i.Send(fd, buf, 0) }},
		{"recvfrom", func(fd int) { _, _ = i.Recv(fd, buf, 0) }},
		{"sendmsg", func(fd int) { _, _ = i.Sendmsg(fd, buf, nil, nil, 0) }},
		{"recvmsg", func(fd int) { _, _, _, _, _ = i.Recvmsg(fd, buf, nil, 0) }},
		{"dup", func(fd int) { _, _ = i.Dup(fd) }},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			c.do(appFd)
			c.do(5)
			got := libc.calls(c.name)
			if len(got) < 2 || got[len(got)-2] != tunnelFd || got[len(got)-1] != 5 {
				t.Fatalf("%s saw fds %v, want [... %d 5]", c.name, got, tunnelFd)
			}
		})
	}
}

func TestErrnoUntouched(t *testing.T) {
	i, _ := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	if _, _, err := i.Recvfrom(appFd, make([]byte, 1), 0); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("got %v want EAGAIN", err)
	}
}

func TestPollRoundTrip(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.pollFn = func(fds []PollFd) (int, error) {
		if fds[0].Fd != tunnelFd || fds[1].Fd != 3 {
			t.Errorf("real poll saw %+v", fds)
		}
		fds[0].Revents = unix.POLLIN
		return 1, nil
	}

	fds := []PollFd{{Fd: appFd, Events: unix.POLLIN}, {Fd: 3, Events: unix.POLLIN}, {Fd: -1}}
	n, err := i.Poll(fds, 0)
	if err != nil || n != 1 {
		t.Fatalf("poll: %d %v", n, err)
	}
	if fds[0].Fd != appFd || fds[0].Revents != unix.POLLIN {
		t.Fatalf("caller saw %+v", fds[0])
	}
	if fds[1].Fd != 3 || fds[2].Fd != -1 {
		t.Fatalf("untracked entries changed: %+v", fds)
	}
}

func TestPpollRestoresOnError(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.pollFn = func(fds []PollFd) (int, error) {
		return -1, unix.EINTR
	}
	fds := []PollFd{{Fd: appFd, Events: unix.POLLIN}}
	if _, err := i.Ppoll(fds, nil, nil); !errors.Is(err, unix.EINTR) {
		t.Fatalf("got %v want EINTR", err)
	}
	if fds[0].Fd != appFd {
		t.Fatalf("fd not restored: %d", fds[0].Fd)
	}
}

func TestPollNoMemory(t *testing.T) {
	i, libc := newInterceptor(t, WithMaxSubstitutions(1))
	i.Track(appFd, tunnelFd, inetDest(t))
	i.Track(8, 43, inetDest(t))

	fds := []PollFd{{Fd: appFd}, {Fd: 8}}
	if _, err := i.Poll(fds, 0); !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("got %v want ENOMEM", err)
	}
	if fds[0].Fd != appFd || fds[1].Fd != 8 {
		t.Fatalf("entries substituted on ENOMEM: %+v", fds)
	}
	if len(libc.calls("poll")) != 0 {
		t.Fatal("real poll called on ENOMEM")
	}
}

func TestSelectSetsIndependent(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.selectFn = func(nfd int, r, w, e *unix.FdSet) (int, error) {
		if nfd != tunnelFd+1 {
			t.Errorf("nfd %d want %d", nfd, tunnelFd+1)
		}
		if r.IsSet(appFd) || !r.IsSet(tunnelFd) || w.IsSet(appFd) || !w.IsSet(tunnelFd) {
			t.Error("sets not substituted")
		}
		if !r.IsSet(3) {
			t.Error("untracked fd dropped")
		}
		w.Clear(tunnelFd)
		return 2, nil
	}

	var r, w unix.FdSet
	r.Set(appFd)
	r.Set(3)
	w.Set(appFd)
	n, err := i.Select(appFd+1, &r, &w, nil, nil)
	if err != nil || n != 2 {
		t.Fatalf("select: %d %v", n, err)
	}
	if !r.IsSet(appFd) || r.IsSet(tunnelFd) || !r.IsSet(3) {
		t.Fatal("read set not restored")
	}
	if w.IsSet(appFd) || w.IsSet(tunnelFd) {
		t.Fatal("write set not restored")
	}
}

func TestSelectTunnelOutOfRange(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, fdSetSize+1, inetDest(t))

	var r unix.FdSet
	r.Set(appFd)
	n, err := i.Pselect(appFd+1, &r, nil, nil, nil, nil)
	if n != -1 || !errors.Is(err, unix.EINVAL) {
		t.Fatalf("got %d %v want -1 EINVAL", n, err)
	}
	if !r.IsSet(appFd) {
		t.Fatal("set changed before failing")
	}
	if len(libc.calls("pselect")) != 0 {
		t.Fatal("real pselect called")
	}
}

func TestSelectPassthrough(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	var r unix.FdSet
	r.Set(3)
	if _, err := i.Select(4, &r, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("select"); len(got) != 1 || got[0] != 4 {
		t.Fatalf("nfd changed: %v", got)
	}
}

func TestEpollAddDel(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	ev := &EpollEvent{Events: event.EPOLLIN | event.EPOLLOUT, Data: appFd}
	if err := i.EpollCtl(mfd, event.EpollCtlAdd, appFd, ev); err != nil {
		t.Fatal(err)
	}
	s := specOf(i, appFd, mfd)
	if s.Active&(event.Readable|event.Writable) != event.Readable|event.Writable || s.Pending() {
		t.Fatalf("after add: %s", &s)
	}

	if err := i.EpollCtl(mfd, event.EpollCtlDel, appFd, nil); err != nil {
		t.Fatal(err)
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("%d evspecs left after del", n)
	}
	if err := i.EpollCtl(mfd, event.EpollCtlDel, appFd, nil); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("second del: %v want ENOENT", err)
	}
	got := libc.calls("epoll_ctl")
	if len(got) != 2 || got[0] != tunnelFd || got[1] != tunnelFd {
		t.Fatalf("real epoll_ctl saw %v", got)
	}
}

func TestEpollRollback(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	libc.epollCtlFn = func(epfd, op, fd int, ev *EpollEvent) error { return unix.EBADF }
	if err := i.EpollCtl(mfd, event.EpollCtlAdd, appFd, &EpollEvent{Events: event.EPOLLIN}); !errors.Is(err, unix.EBADF) {
		t.Fatalf("got %v", err)
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("created evspec kept after failure: %d", n)
	}

	libc.epollCtlFn = nil
	if err := i.EpollCtl(mfd, event.EpollCtlAdd, appFd, &EpollEvent{Events: event.EPOLLIN, Data: 1}); err != nil {
		t.Fatal(err)
	}
	before := specOf(i, appFd, mfd)

	libc.epollCtlFn = func(epfd, op, fd int, ev *EpollEvent) error { return unix.EINVAL }
	if err := i.EpollCtl(mfd, event.EpollCtlMod, appFd, &EpollEvent{Events: event.EPOLLOUT, Data: 2}); err == nil {
		t.Fatal("mod should fail")
	}
	if after := specOf(i, appFd, mfd); after.Snapshot() != before.Snapshot() {
		t.Fatalf("mod not rolled back: %s", &after)
	}
}

func TestEpollCtlPassthroughAndBadArgs(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	if err := i.EpollCtl(mfd, event.EpollCtlAdd, 3, &EpollEvent{}); err != nil {
		t.Fatal(err)
	}
	if err := i.EpollCtl(mfd, event.EpollCtlAdd, appFd, nil); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("nil event: %v", err)
	}
	if err := i.EpollCtl(mfd, 99, appFd, &EpollEvent{}); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("bad op: %v", err)
	}
	if got := libc.calls("epoll_ctl"); len(got) != 1 || got[0] != 3 {
		t.Fatalf("real epoll_ctl saw %v", got)
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("%d evspecs after refused calls", n)
	}
}

func TestKeventAddThenDelete(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.keventFn = func(changes, events []Kevent) (int, error) {
		for _, c := range changes {
			if c.Ident != tunnelFd {
				t.Errorf("real kevent saw ident %d", c.Ident)
			}
		}
		return 0, nil
	}

	changes := []Kevent{
		{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD},
		{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_DELETE},
	}
	if _, err := i.Kevent(mfd, changes, nil, nil); err != nil {
		t.Fatal(err)
	}
	if changes[0].Ident != appFd || changes[1].Ident != appFd {
		t.Fatal("caller's change list modified")
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("%d evspecs left", n)
	}
}

func TestKeventOneshotDelivery(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	changes := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD | event.EV_ONESHOT}}
	if _, err := i.Kevent(mfd, changes, nil, nil); err != nil {
		t.Fatal(err)
	}
	if s := specOf(i, appFd, mfd); s.Oneshot != event.Readable || s.Pending() {
		t.Fatalf("after oneshot add: %s", &s)
	}

	libc.keventFn = func(changes, events []Kevent) (int, error) {
		events[0] = Kevent{Ident: tunnelFd, Filter: event.EVFILT_READ, Data: 10}
		events[1] = Kevent{Ident: 2, Filter: event.EVFILT_TIMER}
		return 2, nil
	}
	events := make([]Kevent, 4)
	n, err := i.Kevent(mfd, nil, events, nil)
	if err != nil || n != 2 {
		t.Fatalf("kevent: %d %v", n, err)
	}
	if events[0].Ident != appFd {
		t.Fatalf("ident not restored: %d", events[0].Ident)
	}
	if events[1].Ident != 2 {
		t.Fatal("timer ident rewritten")
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("consumed oneshot left %d evspecs", n)
	}
}

func TestKeventChangeError(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.keventFn = func(changes, events []Kevent) (int, error) {
		events[0] = changes[0]
		events[0].Flags |= event.EV_ERROR
		events[0].Data = int64(unix.EBADF)
		return 1, nil
	}

	events := make([]Kevent, 1)
	changes := []Kevent{{Ident: appFd, Filter: event.EVFILT_WRITE, Flags: event.EV_ADD | event.EV_RECEIPT}}
	if _, err := i.Kevent64(mfd, changes, events, 0, nil); err != nil {
		t.Fatal(err)
	}
	if events[0].Ident != appFd {
		t.Fatalf("error entry ident: %d", events[0].Ident)
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("refused change kept %d evspecs", n)
	}
}

func TestKeventChangeErrorKeepsCommittedFilter(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.keventFn = func(changes, events []Kevent) (int, error) {
		for k, c := range changes {
			events[k] = c
			events[k].Flags |= event.EV_ERROR
		}
		events[1].Data = int64(unix.EINVAL)
		return len(changes), nil
	}

	changes := []Kevent{
		{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD | event.EV_RECEIPT},
		{Ident: appFd, Filter: event.EVFILT_WRITE, Flags: event.EV_ADD | event.EV_RECEIPT},
	}
	events := make([]Kevent, 2)
	if _, err := i.Kevent(mfd, changes, events, nil); err != nil {
		t.Fatal(err)
	}
	if events[0].Ident != appFd || events[1].Ident != appFd {
		t.Fatalf("receipt idents: %d %d", events[0].Ident, events[1].Ident)
	}
	s := specOf(i, appFd, mfd)
	if specs(i, appFd) != 1 || s.Active != event.Readable || s.Pending() {
		t.Fatalf("committed read lost: %s", &s)
	}

	// a refused delete keeps the filter armed
	del := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_DELETE | event.EV_RECEIPT}}
	libc.keventFn = func(changes, events []Kevent) (int, error) {
		events[0] = changes[0]
		events[0].Flags |= event.EV_ERROR
		events[0].Data = int64(unix.ENOENT)
		return 1, nil
	}
	if _, err := i.Kevent(mfd, del, events, nil); err != nil {
		t.Fatal(err)
	}
	if s := specOf(i, appFd, mfd); s.Active != event.Readable || s.Pending() {
		t.Fatalf("refused delete applied: %s", &s)
	}
}

func TestKeventFailureRollsBack(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	add := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD}}
	if _, err := i.Kevent(mfd, add, nil, nil); err != nil {
		t.Fatal(err)
	}
	before := specOf(i, appFd, mfd)

	libc.keventFn = func(changes, events []Kevent) (int, error) { return -1, unix.EINVAL }
	del := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_DELETE}}
	if _, err := i.Kevent(mfd, del, nil, nil); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("got %v", err)
	}
	if after := specOf(i, appFd, mfd); after.Snapshot() != before.Snapshot() {
		t.Fatalf("delete not rolled back: %s", &after)
	}
}

func TestKeventIgnoresNonDescriptorFilters(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.keventFn = func(changes, events []Kevent) (int, error) {
		if changes[0].Ident != appFd {
			t.Errorf("timer ident substituted: %d", changes[0].Ident)
		}
		return 0, nil
	}
	changes := []Kevent{{Ident: appFd, Filter: event.EVFILT_TIMER, Flags: event.EV_ADD}}
	if _, err := i.Kevent(mfd, changes, nil, nil); err != nil {
		t.Fatal(err)
	}
	if n := specs(i, appFd); n != 0 {
		t.Fatalf("timer created %d evspecs", n)
	}
}

func TestKeventNoMemory(t *testing.T) {
	i, libc := newInterceptor(t, WithMaxSubstitutions(1))
	i.Track(appFd, tunnelFd, inetDest(t))
	changes := []Kevent{
		{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD},
		{Ident: appFd, Filter: event.EVFILT_WRITE, Flags: event.EV_ADD},
	}
	if n, err := i.Kevent(mfd, changes, nil, nil); n != -1 || !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("got %d %v want -1 ENOMEM", n, err)
	}
	if len(libc.calls("kevent")) != 0 || specs(i, appFd) != 0 {
		t.Fatal("state changed on ENOMEM")
	}
}

func TestCloseTracked(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	libc.closeErr[tunnelFd] = unix.EIO

	err := i.Close(appFd)
	if !errors.Is(err, unix.EIO) {
		t.Fatalf("got %v want EIO from the tunnel", err)
	}
	if tracked(i, appFd) {
		t.Fatal("still tracked after close")
	}
	closed := libc.closedFds()
	if len(closed) != 2 || closed[0] != appFd || closed[1] != tunnelFd {
		t.Fatalf("closed %v", closed)
	}
}

func TestShutdownRetiresTunnel(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	if err := i.Shutdown(appFd, unix.SHUT_RDWR); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("shutdown"); len(got) != 1 || got[0] != tunnelFd {
		t.Fatalf("real shutdown saw %v", got)
	}
	if tracked(i, appFd) {
		t.Fatal("still tracked after shutdown")
	}
	if _, err := i.Read(appFd, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("read"); got[0] != appFd {
		t.Fatalf("read after shutdown went to %d", got[0])
	}

	if err := i.Close(appFd); err != nil {
		t.Fatal(err)
	}
	closed := libc.closedFds()
	if len(closed) != 2 || closed[1] != tunnelFd {
		t.Fatalf("retired tunnel not closed: %v", closed)
	}
}

func TestShutdownKeepsRegistrationsReachable(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	add := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_ADD}}
	if _, err := i.Kevent(mfd, add, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := i.EpollCtl(10, event.EpollCtlAdd, appFd, &EpollEvent{Events: event.EPOLLIN}); err != nil {
		t.Fatal(err)
	}
	if err := i.Shutdown(appFd, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}

	libc.keventFn = func(changes, events []Kevent) (int, error) {
		events[0] = Kevent{Ident: tunnelFd, Filter: event.EVFILT_READ, Flags: event.EV_EOF}
		return 1, nil
	}
	events := make([]Kevent, 1)
	if n, err := i.Kevent(mfd, nil, events, nil); err != nil || n != 1 {
		t.Fatalf("kevent: %d %v", n, err)
	}
	if events[0].Ident != appFd {
		t.Fatalf("tunnel ident leaked: %d", events[0].Ident)
	}

	libc.keventFn = func(changes, events []Kevent) (int, error) {
		if changes[0].Ident != tunnelFd {
			t.Errorf("delete went to ident %d", changes[0].Ident)
		}
		return 0, nil
	}
	del := []Kevent{{Ident: appFd, Filter: event.EVFILT_READ, Flags: event.EV_DELETE}}
	if _, err := i.Kevent(mfd, del, nil, nil); err != nil {
		t.Fatal(err)
	}
	if del[0].Ident != appFd {
		t.Fatal("caller's change list modified")
	}

	if err := i.EpollCtl(10, event.EpollCtlDel, appFd, nil); err != nil {
		t.Fatal(err)
	}
	if err := i.EpollCtl(10, event.EpollCtlAdd, appFd, &EpollEvent{Events: event.EPOLLIN}); err != nil {
		t.Fatal(err)
	}
	got := libc.calls("epoll_ctl")
	if len(got) != 3 || got[1] != tunnelFd || got[2] != appFd {
		t.Fatalf("real epoll_ctl saw %v", got)
	}
}

func TestCloseMultiplexerPurges(t *testing.T) {
	i, _ := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	i.Track(8, 43, inetDest(t))
	for _, fd := range []int{appFd, 8} {
		if err := i.EpollCtl(mfd, event.EpollCtlAdd, fd, &EpollEvent{Events: event.EPOLLIN}); err != nil {
			t.Fatal(err)
		}
	}
	if err := i.EpollCtl(10, event.EpollCtlAdd, appFd, &EpollEvent{Events: event.EPOLLIN}); err != nil {
		t.Fatal(err)
	}

	if err := i.Close(mfd); err != nil {
		t.Fatal(err)
	}
	if specs(i, appFd) != 1 || specs(i, 8) != 0 {
		t.Fatalf("evspecs left: %d %d", specs(i, appFd), specs(i, 8))
	}
	if s := specOf(i, appFd, 10); s.MultiplexerFd != 10 {
		t.Fatal("other instance purged")
	}
}

func TestDup2TearsDownTarget(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	i.Track(8, 43, inetDest(t))

	if err := i.Dup2(appFd, 8); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("dup2"); got[0] != tunnelFd {
		t.Fatalf("dup2 source %v", got)
	}
	if tracked(i, 8) || !tracked(i, appFd) {
		t.Fatal("wrong fd untracked")
	}
	if closed := libc.closedFds(); len(closed) != 1 || closed[0] != 43 {
		t.Fatalf("closed %v", closed)
	}
}

func TestDupOntoItself(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))

	if err := i.Dup2(appFd, appFd); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("dup2"); len(got) != 1 || got[0] != appFd {
		t.Fatalf("dup2 source %v", got)
	}
	if err := i.Dup3(appFd, appFd, unix.O_CLOEXEC); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("dup3: %v want EINVAL", err)
	}
	if len(libc.calls("dup3")) != 0 {
		t.Fatal("real dup3 called")
	}
	if !tracked(i, appFd) || len(libc.closedFds()) != 0 {
		t.Fatal("fd torn down")
	}
	if _, err := i.Read(appFd, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("read"); got[0] != tunnelFd {
		t.Fatalf("read went to %d", got[0])
	}
}

func TestGetpeername(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	unixDest, err := connection.UnixDestination("/run/app.sock")
	if err != nil {
		t.Fatal(err)
	}
	i.Track(8, 43, unixDest)

	sa, err := i.Getpeername(appFd)
	if err != nil {
		t.Fatal(err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok || in4.Port != 443 || in4.Addr != [4]byte{10, 0, 0, 1} {
		t.Fatalf("got %#v", sa)
	}
	if _, err := i.Getpeername(8); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("unix destination: %v", err)
	}
	if _, err := i.Getpeername(3); err != nil {
		t.Fatal(err)
	}
	if got := libc.calls("getpeername"); len(got) != 1 || got[0] != 3 {
		t.Fatalf("real getpeername saw %v", got)
	}
}

type fakeTunneler struct {
	fd  int
	err error
}

func (f fakeTunneler) Tunnel(context.Context, connection.Destination) (int, error) {
	return f.fd, f.err
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	i, _ := newInterceptor(t)
	if err := i.Connect(ctx, appFd, inetDest(t)); !errors.Is(err, ErrDirect) {
		t.Fatalf("without tunneler: %v", err)
	}

	i, _ = newInterceptor(t, WithTunneler(fakeTunneler{fd: tunnelFd}))
	if err := i.Connect(ctx, appFd, inetDest(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := i.Read(appFd, make([]byte, 1)); err != nil || !tracked(i, appFd) {
		t.Fatal("connect did not track")
	}
	if err := i.Connect(ctx, appFd, inetDest(t)); !errors.Is(err, unix.EISCONN) {
		t.Fatalf("second connect: %v", err)
	}

	i, _ = newInterceptor(t, WithTunneler(fakeTunneler{err: ErrDirect}))
	if err := i.Connect(ctx, appFd, inetDest(t)); !errors.Is(err, ErrDirect) || tracked(i, appFd) {
		t.Fatalf("direct: %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	i, libc := newInterceptor(t)
	i.Track(appFd, tunnelFd, inetDest(t))
	i.Track(8, 43, inetDest(t))
	i.Track(11, 44, inetDest(t))
	if err := i.Shutdown(11, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	libc.closeErr[43] = unix.EBADF

	err := i.CloseAll()
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("got %v", err)
	}
	if n := len(libc.closedFds()); n != 3 {
		t.Fatalf("closed %d tunnels want 3", n)
	}
	i.Registry().View(func(tx *connection.Tx) {
		if tx.Len() != 0 {
			t.Fatalf("%d connections left", tx.Len())
		}
	})
}

func TestConcurrentCalls(t *testing.T) {
	i, _ := newInterceptor(t)
	dest := inetDest(t)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for k := 0; k < 200; k++ {
				app := 100 + w*1000 + k
				i.Track(app, app+500, dest)
				if err := i.EpollCtl(mfd, event.EpollCtlAdd, app, &EpollEvent{Events: event.EPOLLIN}); err != nil {
					return err
				}
				fds := []PollFd{{Fd: int32(app)}}
				if _, err := i.Poll(fds, 0); err != nil {
					return err
				}
				if fds[0].Fd != int32(app) {
					return errors.New("poll entry not restored")
				}
				if err := i.Close(app); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	i.Registry().View(func(tx *connection.Tx) {
		if tx.Len() != 0 {
			t.Fatalf("%d connections left", tx.Len())
		}
	})
}
