//go:build linux

// Package rawsock provides the non-blocking, fd-level socket primitives
// the forwarding engines need to drive an epoll readiness loop directly,
// rather than through net.Conn's own internal poller.
package rawsock

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ResolveTCP resolves addr and returns its first address, the "first
// resolution wins" rule used throughout this repo's configuration.
func ResolveTCP(addr string) (net.IP, int, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	return a.IP, a.Port, nil
}

// ResolveUDP resolves addr the same way, for UDP listen/target addresses.
func ResolveUDP(addr string) (net.IP, int, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, 0, err
	}
	return a.IP, a.Port, nil
}

// Family reports the socket address family for ip.
func Family(ip net.IP) int {
	if ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Sockaddr converts an IP and port into the matching unix.Sockaddr.
func Sockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// FromSockaddr extracts the IP and port carried by sa.
func FromSockaddr(sa unix.Sockaddr) (net.IP, int) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, v.Addr[:])
		return ip, v.Port
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return ip, v.Port
	default:
		return nil, 0
	}
}

// ListenTCP creates a non-blocking, listening TCP socket bound to addr.
func ListenTCP(addr string) (fd int, bound string, err error) {
	ip, port, err := ResolveTCP(addr)
	if err != nil {
		return -1, "", err
	}
	fd, err = unix.Socket(Family(ip), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, "", err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err = unix.Bind(fd, Sockaddr(ip, port)); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err = unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	return fd, net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// Accept4 accepts one pending connection as a non-blocking socket.
func Accept4(listenFD int) (fd int, peerIP net.IP, peerPort int, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, 0, err
	}
	ip, port := FromSockaddr(sa)
	return nfd, ip, port, nil
}

// DialTCPNonblocking starts a non-blocking connect to ip:port. An
// in-progress connect (EINPROGRESS) is reported as success: its outcome
// surfaces later as an ordinary read/write error or EPOLLERR on the fd,
// which the engine already has to handle for a live connection.
func DialTCPNonblocking(ip net.IP, port int) (int, error) {
	fd, err := unix.Socket(Family(ip), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, Sockaddr(ip, port))
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ListenUDP creates a non-blocking UDP socket bound to addr.
func ListenUDP(addr string) (fd int, bound string, err error) {
	ip, port, err := ResolveUDP(addr)
	if err != nil {
		return -1, "", err
	}
	fd, err = unix.Socket(Family(ip), unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, "", err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err = unix.Bind(fd, Sockaddr(ip, port)); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	return fd, net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// EphemeralUDP binds a new non-blocking UDP socket on an OS-assigned
// port, in the given address family, for one client's upstream session.
func EphemeralUDP(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa = &unix.SockaddrInet4{}
	} else {
		sa = &unix.SockaddrInet6{}
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ShutdownWrite half-closes fd for writing, signalling EOF to the peer.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// IsTemporary reports whether err is the "try again" error a non-blocking
// socket operation returns when it would otherwise block.
func IsTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// IsInterrupted reports whether err is EINTR, which callers of blocking
// syscalls should retry rather than treat as failure.
func IsInterrupted(err error) bool {
	return err == unix.EINTR
}
