package socket

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const listenBacklog = 32

var (
	// ErrWouldBlock reports that a non-blocking operation has nothing to
	// do right now. It is flow control, not a failure.
	ErrWouldBlock = errors.New("socket: operation would block")
	ErrClosed     = errors.New("socket: closed")
)

// Socket owns a non-blocking TCP descriptor. Sockets come from Listen,
// Accept or FromFD; ownership is exclusive and Close releases the
// descriptor.
type Socket struct {
	fd int
}

// FromFD adopts an already opened descriptor. The caller is responsible
// for having switched it to non-blocking mode.
func FromFD(fd int) *Socket {
	return &Socket{fd: fd}
}

// Listen opens a non-blocking listening socket bound to addr:port. A
// zero addr binds all interfaces. Port 0 lets the kernel pick one;
// LocalPort reports the choice.
func Listen(addr [4]byte, port int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: set non-blocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: listen: %w", err)
	}
	return &Socket{fd: fd}, nil
}

func (s *Socket) FD() int {
	return s.fd
}

func (s *Socket) Close() error {
	if s.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// LocalPort reports the port the socket is bound to.
func (s *Socket) LocalPort() (int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, fmt.Errorf("socket: getsockname: %w", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("socket: not an inet socket")
	}
	return inet4.Port, nil
}

// Accept takes the next pending connection, already switched to
// non-blocking mode. ErrWouldBlock means no connection is pending.
func (s *Socket) Accept() (*Socket, error) {
	if s.fd < 0 {
		return nil, ErrClosed
	}
	for {
		nfd, _, err := unix.Accept(s.fd)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		if err != nil {
			return nil, fmt.Errorf("socket: accept: %w", err)
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return nil, fmt.Errorf("socket: set non-blocking: %w", err)
		}
		return &Socket{fd: nfd}, nil
	}
}

// Read fills p with whatever the kernel has buffered. io.EOF reports an
// orderly shutdown by the peer, ErrWouldBlock that nothing is readable.
func (s *Socket) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write pushes as much of p as the kernel accepts. ErrWouldBlock means
// the send buffer is full; the caller retries on the next readiness
// report.
func (s *Socket) Write(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}
