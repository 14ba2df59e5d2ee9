//go:build linux

package utils

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/event"
	"github.com/wiloon/w-fd-tunnel/hook"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

// Epoll watches connections for readability. Registration goes through the
// interceptor so a tracked connection is watched on its tunnel.
type Epoll struct {
	Fd          int
	Connections map[int]net.Conn
	Lock        *sync.RWMutex

	hook *hook.Interceptor
}

func MkEpoll(i *hook.Interceptor) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		Fd:          fd,
		Lock:        &sync.RWMutex{},
		Connections: make(map[int]net.Conn),
		hook:        i,
	}, nil
}

func (e *Epoll) Add(conn net.Conn) error {
	fd, err := SocketFD(conn)
	if err != nil {
		return err
	}
	return e.AddFd(fd, conn)
}

// AddFd watches fd; conn is what Wait hands back for it and may be nil.
func (e *Epoll) AddFd(fd int, conn net.Conn) error {
	ev := &hook.EpollEvent{Events: event.EPOLLIN | event.EPOLLRDHUP, Data: uint64(fd)}
	if err := e.hook.EpollCtl(e.Fd, event.EpollCtlAdd, fd, ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	e.Lock.Lock()
	defer e.Lock.Unlock()
	e.Connections[fd] = conn
	if len(e.Connections)%100 == 0 {
		logger.Infof("total number of connections: %v", len(e.Connections))
	}
	return nil
}

func (e *Epoll) Remove(fd int) error {
	if err := e.hook.EpollCtl(e.Fd, event.EpollCtlDel, fd, nil); err != nil {
		logger.Errorf("failed to delete fd: %d, err: %v", fd, err)
		return err
	}
	e.Lock.Lock()
	defer e.Lock.Unlock()
	delete(e.Connections, fd)
	return nil
}

// Wait blocks up to msec and returns the app fds that became ready.
func (e *Epoll) Wait(msec int) ([]int, error) {
	events := make([]hook.EpollEvent, 100)
	n, err := e.hook.EpollWait(e.Fd, events, msec)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fds = append(fds, int(events[i].Data))
	}
	return fds, nil
}

func (e *Epoll) Conn(fd int) net.Conn {
	e.Lock.RLock()
	defer e.Lock.RUnlock()
	return e.Connections[fd]
}

// Close closes the instance through the interceptor, which drops every
// registration it held.
func (e *Epoll) Close() error {
	return e.hook.Close(e.Fd)
}
