//go:build linux

package reactor

import "golang.org/x/sys/unix"

// maxFD bounds direct-index growth; well past any realistic ulimit -n.
const maxFD = 1 << 20

// epollPoller is a single-threaded epoll-backed Poller. Adapted from a
// concurrent FastPoller design: same direct-indexed fd table and inline
// dispatch, minus the RWMutex and the version counter that existed only
// to detect concurrent table mutation during a blocking poll.
type epollPoller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	table    table
	closed   bool
}

// New returns a Poller for the current platform.
func New() Poller { return &epollPoller{} }

func (p *epollPoller) Open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	return nil
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

func (p *epollPoller) Register(fd int, ev Events, cb Callback) error {
	if p.closed {
		return ErrClosed
	}
	if fd < 0 || fd >= maxFD {
		return ErrFDOutOfRange
	}
	p.table.ensure(fd)
	if p.table.fds[fd].active {
		return ErrFDRegistered
	}

	kev := &unix.EpollEvent{Events: eventsToEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, kev); err != nil {
		return err
	}
	p.table.fds[fd] = entry{cb: cb, events: ev, active: true}
	return nil
}

func (p *epollPoller) Modify(fd int, ev Events) error {
	if fd < 0 || fd >= len(p.table.fds) || !p.table.fds[fd].active {
		return ErrFDNotRegistered
	}
	kev := &unix.EpollEvent{Events: eventsToEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, kev); err != nil {
		return err
	}
	p.table.fds[fd].events = ev
	return nil
}

func (p *epollPoller) Unregister(fd int) error {
	if fd < 0 || fd >= len(p.table.fds) || !p.table.fds[fd].active {
		return ErrFDNotRegistered
	}
	p.table.fds[fd] = entry{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Poll(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		ent, ok := p.table.get(fd)
		if !ok || ent.cb == nil {
			continue
		}
		ent.cb(epollToEvents(p.eventBuf[i].Events))
		dispatched++
	}
	return dispatched, nil
}

func eventsToEpoll(ev Events) uint32 {
	var out uint32
	if ev&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEvents(raw uint32) Events {
	var ev Events
	if raw&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if raw&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if raw&unix.EPOLLERR != 0 {
		ev |= Err
	}
	if raw&unix.EPOLLHUP != 0 {
		ev |= Hangup
	}
	return ev
}
