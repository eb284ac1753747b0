package session

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("no data available")

// pollRead reads whatever the socket buffer holds without waiting for more.
// errWouldBlock means the buffer was empty; io.EOF means the peer closed.
// Connections without a raw descriptor never report data.
func pollRead(conn net.Conn, buf []byte) (int, error) {
	sysConn, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errWouldBlock
	}
	rawConn, err := sysConn.SyscallConn()
	if err != nil {
		return 0, err
	}
	// a deadline left in the past by ReceiveNext would fail the raw read
	_ = conn.SetReadDeadline(time.Time{})
	var (
		n       int
		readErr error
	)
	if err := rawConn.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf)
		return true
	}); err != nil {
		return 0, err
	}
	switch {
	case n > 0:
		return n, nil
	case n == 0 && readErr == nil:
		return 0, io.EOF
	case errors.Is(readErr, unix.EAGAIN), errors.Is(readErr, unix.EWOULDBLOCK), errors.Is(readErr, unix.EINTR):
		return 0, errWouldBlock
	default:
		return 0, os.NewSyscallError("read", readErr)
	}
}
