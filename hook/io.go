package hook

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

func (i *Interceptor) Read(fd int, p []byte) (int, error) {
	return i.libc.Read(i.resolve("read", fd), p)
}

func (i *Interceptor) Write(fd int, p []byte) (int, error) {
	return i.libc.Write(i.resolve("write", fd), p)
}

func (i *Interceptor) Readv(fd int, iovs [][]byte) (int, error) {
	return i.libc.Readv(i.resolve("readv", fd), iovs)
}

func (i *Interceptor) Writev(fd int, iovs [][]byte) (int, error) {
	return i.libc.Writev(i.resolve("writev", fd), iovs)
}

func (i *Interceptor) Send(fd int, p []byte, flags int) (int, error) {
	return i.libc.Sendto(i.resolve("send", fd), p, flags, nil)
}

func (i *Interceptor) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := i.libc.Recvfrom(i.resolve("recv", fd), p, flags)
	return n, err
}

func (i *Interceptor) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return i.libc.Sendto(i.resolve("sendto", fd), p, flags, to)
}

func (i *Interceptor) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	return i.libc.Recvfrom(i.resolve("recvfrom", fd), p, flags)
}

func (i *Interceptor) Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return i.libc.Sendmsg(i.resolve("sendmsg", fd), p, oob, to, flags)
}

func (i *Interceptor) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	return i.libc.Recvmsg(i.resolve("recvmsg", fd), p, oob, flags)
}

// Dup hands back a descriptor duplicating the tunnel. It is not tracked.
func (i *Interceptor) Dup(fd int) (int, error) {
	return i.libc.Dup(i.resolve("dup", fd))
}

// Dup2 onto the same fd leaves it alone, as the kernel does.
func (i *Interceptor) Dup2(oldfd, newfd int) error {
	if oldfd == newfd {
		return i.libc.Dup2(oldfd, newfd)
	}
	if err := i.libc.Dup2(i.resolve("dup2", oldfd), newfd); err != nil {
		return err
	}
	i.released("dup2", newfd)
	return nil
}

func (i *Interceptor) Dup3(oldfd, newfd, flags int) error {
	if oldfd == newfd {
		return unix.EINVAL
	}
	if err := i.libc.Dup3(i.resolve("dup3", oldfd), newfd, flags); err != nil {
		return err
	}
	i.released("dup3", newfd)
	return nil
}

// Getpeername answers with the proxied destination, the tunnel's own peer
// is the proxy.
func (i *Interceptor) Getpeername(fd int) (unix.Sockaddr, error) {
	var (
		dest    connection.Destination
		tracked bool
	)
	i.registry.View(func(tx *connection.Tx) {
		if conn := tx.Find(fd); conn != nil {
			dest, tracked = conn.Destination, true
		}
	})
	if !tracked {
		return i.libc.Getpeername(fd)
	}
	sa, err := dest.Sockaddr()
	if err != nil {
		if errors.Is(err, connection.ErrNoPeerAddress) {
			logger.Debugf("[getpeername] fd: %d, %s: %v", fd, dest, err)
			return nil, unix.EINVAL
		}
		return nil, err
	}
	return sa, nil
}
