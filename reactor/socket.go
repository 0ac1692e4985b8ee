// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package reactor

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenBacklog is the accept queue length for listening sockets.
const listenBacklog = 5

// Listen opens a non-blocking TCP socket bound to the wildcard IPv4 address
// and listening on port. If port == 0, the operating system chooses an
// ephemeral port; use LocalPort to find out which.
func Listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := SetReusable(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}
	return fd, nil
}

// Accept accepts a pending connection on the listening socket fd.
// The new descriptor is in blocking mode; the reactor only reads from it once
// it has been reported readable.
func Accept(fd int) (int, error) {
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return -1, fmt.Errorf("accept: %w", err)
		}
		return nfd, nil
	}
}

// Dial opens a blocking TCP connection to host:port and returns its
// descriptor.
func Dial(host string, port int) (int, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return -1, fmt.Errorf("resolve %q: %w", host, err)
	}
	var addr [4]byte
	found := false
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			copy(addr[:], v4)
			found = true
			break
		}
	}
	if !found {
		return -1, fmt.Errorf("resolve %q: no IPv4 address", host)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	return fd, nil
}

// SetReusable marks fd so that its address may be reused immediately.
func SetReusable(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	return nil
}

// LocalPort reports the local port number fd is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return -1, fmt.Errorf("getsockname: %w", err)
	}
	switch t := sa.(type) {
	case *unix.SockaddrInet4:
		return t.Port, nil
	case *unix.SockaddrInet6:
		return t.Port, nil
	default:
		return -1, fmt.Errorf("socket %d is not an internet socket", fd)
	}
}

// Read reads up to len(buf) bytes from fd. A result of 0 bytes with no error
// means the remote end closed the stream.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// WriteAll writes all of buf to fd, retrying short writes.
func WriteAll(fd int, buf []byte) error {
	for len(buf) != 0 {
		n, err := unix.Write(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return fmt.Errorf("write %d: %w", fd, err)
		} else if n == 0 {
			return fmt.Errorf("write %d: %w", fd, unix.EPIPE)
		}
		buf = buf[n:]
	}
	return nil
}

// Close closes fd.
func Close(fd int) error { return unix.Close(fd) }
