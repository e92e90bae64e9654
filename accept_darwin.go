//go:build darwin

package pocore

import "golang.org/x/sys/unix"

// acceptNonblocking accepts one pending connection on fd, returning it
// already non-blocking. Darwin has no accept4, so non-blocking is applied
// separately after a plain accept.
func acceptNonblocking(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
