//go:build !windows

// Package netsock binds and watches the listen sockets of on-demand
// services. The supervisor never accepts on these sockets: it waits for the
// first readiness event, hands the listening descriptor to the freshly
// spawned service, and lets the service accept the pending connection.
package netsock

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/armkit/armd/internal/config"
	"golang.org/x/sys/unix"
)

const listenBacklog = 5

// ListenSocket is one bound socket owned by a service descriptor.
type ListenSocket struct {
	Service string
	Addr    Addr

	fd int

	mu       sync.Mutex
	waiting  bool
	cancelW  int // write end of the wakeup pipe, -1 when no wait is armed
	closed   bool
	unixPath string // filesystem path to unlink on close
}

// Open creates, configures and binds a socket for addr. TCP sockets get
// SO_REUSEADDR (plus IPV6_V6ONLY for v6); unix sockets get their permissions
// narrowed according to matchUID/matchGID.
func Open(service string, addr Addr, matchUID, matchGID bool) (*ListenSocket, error) {
	var (
		fd  int
		err error
	)
	switch addr.Network {
	case "unix":
		fd, err = openUnix(addr, matchUID, matchGID)
	case "tcp4":
		fd, err = openTCP(unix.AF_INET, addr)
	case "tcp6":
		fd, err = openTCP(unix.AF_INET6, addr)
	default:
		return nil, fmt.Errorf("netsock: unknown network %q", addr.Network)
	}
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ls := &ListenSocket{Service: service, Addr: addr, fd: fd, cancelW: -1}
	if addr.Network == "unix" && !addr.Abstract {
		ls.unixPath = addr.Path
	}
	return ls, nil
}

func openTCP(family int, addr Addr) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket %s: %w", addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		slog.Warn("setsockopt SO_REUSEADDR failed", "addr", addr.String(), "err", err)
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			slog.Warn("setsockopt IPV6_V6ONLY failed", "addr", addr.String(), "err", err)
		}
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], addr.IP.To4())
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	return fd, nil
}

func openUnix(addr Addr, matchUID, matchGID bool) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket %s: %w", addr, err)
	}
	name := addr.Path
	if addr.Abstract {
		name = "@" + addr.Path
	} else {
		// A dead socket file from a previous run would make bind fail.
		_ = unix.Unlink(addr.Path)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if !addr.Abstract {
		mode := os.FileMode(0o666)
		if matchGID {
			mode = 0o660
		}
		if matchUID {
			mode = 0o600
		}
		if err := os.Chmod(addr.Path, mode); err != nil {
			slog.Warn("chmod unix socket failed", "path", addr.Path, "err", err)
		}
	}
	return fd, nil
}

// File duplicates the descriptor into an *os.File suitable for handing to a
// child via ExtraFiles. The socket itself stays owned by the manager.
func (s *ListenSocket) File() (*os.File, error) {
	nfd, err := unix.Dup(s.fd)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", s.Addr, err)
	}
	unix.CloseOnExec(nfd)
	return os.NewFile(uintptr(nfd), s.Addr.String()), nil
}

// StartWait arms the single outstanding readiness wait for this socket.
// When an inbound connection becomes pending, the socket reports itself on
// the demand channel and the wait disarms. At most one wait is active at a
// time; arming an armed socket is a no-op.
func (s *ListenSocket) StartWait(demand chan<- *ListenSocket) {
	s.mu.Lock()
	if s.waiting || s.closed {
		s.mu.Unlock()
		return
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		s.mu.Unlock()
		slog.Error("wakeup pipe unavailable, socket not armed", "addr", s.Addr.String(), "err", err)
		return
	}
	s.waiting = true
	s.cancelW = p[1]
	fd := s.fd
	s.mu.Unlock()

	go func(cancelR int) {
		defer func() { _ = unix.Close(cancelR) }()
		fds := []unix.PollFd{
			{Fd: int32(fd), Events: unix.POLLIN},
			{Fd: int32(cancelR), Events: unix.POLLIN},
		}
		for {
			fds[0].Revents = 0
			fds[1].Revents = 0
			n, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if err != nil || n == 0 {
				return
			}
			if fds[1].Revents != 0 {
				return // cancelled
			}
			if fds[0].Revents&unix.POLLIN != 0 {
				s.mu.Lock()
				still := s.waiting
				s.waiting = false
				if s.cancelW >= 0 {
					_ = unix.Close(s.cancelW)
					s.cancelW = -1
				}
				s.mu.Unlock()
				if still {
					demand <- s
				}
				return
			}
		}
	}(p[0])
}

// CancelWait disarms a pending readiness wait, if any.
func (s *ListenSocket) CancelWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waiting {
		return
	}
	s.waiting = false
	if s.cancelW >= 0 {
		_, _ = unix.Write(s.cancelW, []byte{1})
		_ = unix.Close(s.cancelW)
		s.cancelW = -1
	}
}

// Close cancels any wait, closes the descriptor and removes the socket file.
func (s *ListenSocket) Close() {
	s.CancelWait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = unix.Close(s.fd)
	if s.unixPath != "" {
		_ = unix.Unlink(s.unixPath)
	}
}

// OpenForService resolves and binds every configured address for a service
// section. Bind failures are logged and skipped so that one unusable address
// does not take down the others.
func OpenForService(cfg *config.Config, section string) []*ListenSocket {
	addrs, err := ResolveAddrs(cfg, section)
	if err != nil {
		slog.Warn("address resolution failed", "service", section, "err", err)
		return nil
	}
	matchUID := cfg.YesNo(section, "UNIX_MATCH_UID")
	matchGID := cfg.YesNo(section, "UNIX_MATCH_GID")
	var out []*ListenSocket
	for _, a := range addrs {
		ls, err := Open(section, a, matchUID, matchGID)
		if err != nil {
			slog.Warn("bind failed, address skipped", "service", section, "addr", a.String(), "err", err)
			continue
		}
		out = append(out, ls)
	}
	return out
}
