// File: runner/socket_unix.go

//go:build unix

package runner

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenWithBacklog binds addr:port with an explicit listen backlog, which
// net.Listen does not expose. The descriptor is CLOEXEC so spawned workers
// never inherit the listening socket.
func listenWithBacklog(addr string, port, backlog int) (*net.TCPListener, error) {
	if addr == "" {
		addr = "0.0.0.0"
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("listen: bad address %q", addr)
	}

	var (
		fd  int
		sa  unix.Sockaddr
		err error
	)
	if ip4 := ip.To4(); ip4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
		}
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, fmt.Errorf("listen [%s]:%d: %w", addr, port, err)
		}
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}

	f := os.NewFile(uintptr(fd), "listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listen %s:%d: not a tcp listener", addr, port)
	}
	return tcp, nil
}
