//go:build linux

package pocore

import "golang.org/x/sys/unix"

// acceptNonblocking accepts one pending connection on fd, returning it
// already non-blocking. Linux has accept4, which does this atomically.
func acceptNonblocking(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
	return nfd, err
}
