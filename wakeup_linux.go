//go:build linux

package infinio

import (
	"golang.org/x/sys/unix"
)

// wakeFD wraps a Linux eventfd used to cross a goroutine boundary: a
// producer writes an 8-byte count to wake an epoll_wait blocked on the
// fd's read side.
type wakeFD struct {
	fd int
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFD{fd: fd}, nil
}

func (w *wakeFD) Fd() int { return w.fd }

// Signal increments the eventfd counter by one, waking any epoll_wait
// registered on Fd().
func (w *wakeFD) Signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := writeFD(w.fd, buf[:])
	return err
}

// Drain resets the eventfd counter to zero. Safe to call even when no
// signal is pending (EAGAIN is swallowed since the fd is non-blocking).
func (w *wakeFD) Drain() {
	var buf [8]byte
	for {
		_, err := readFD(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *wakeFD) Close() error {
	return closeFD(w.fd)
}
