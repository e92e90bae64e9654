//go:build darwin

package reactor

import "golang.org/x/sys/unix"

const maxFD = 1 << 20

// kqueuePoller is a single-threaded kqueue-backed Poller. Adapted from a
// concurrent FastPoller design: the RWMutex guarding the fd table is
// dropped since a pocore Context is only ever driven by one goroutine.
type kqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	table    table
	closed   bool
}

// New returns a Poller for the current platform.
func New() Poller { return &kqueuePoller{} }

func (p *kqueuePoller) Open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Register(fd int, ev Events, cb Callback) error {
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

	kevs := eventsToKevents(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevs) > 0 {
		if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
			return err
		}
	}
	p.table.fds[fd] = entry{cb: cb, events: ev, active: true}
	return nil
}

func (p *kqueuePoller) Modify(fd int, ev Events) error {
	if fd < 0 || fd >= len(p.table.fds) || !p.table.fds[fd].active {
		return ErrFDNotRegistered
	}
	old := p.table.fds[fd].events

	if removed := old &^ ev; removed != 0 {
		if kevs := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevs) > 0 {
			_, _ = unix.Kevent(p.kq, kevs, nil, nil)
		}
	}
	if added := ev &^ old; added != 0 {
		if kevs := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
			if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
				return err
			}
		}
	}

	p.table.fds[fd].events = ev
	return nil
}

func (p *kqueuePoller) Unregister(fd int) error {
	if fd < 0 || fd >= len(p.table.fds) || !p.table.fds[fd].active {
		return ErrFDNotRegistered
	}
	ev := p.table.fds[fd].events
	p.table.fds[fd] = entry{}
	if kevs := eventsToKevents(fd, ev, unix.EV_DELETE); len(kevs) > 0 {
		_, _ = unix.Kevent(p.kq, kevs, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) Poll(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		ent, ok := p.table.get(fd)
		if !ok || ent.cb == nil {
			continue
		}
		ent.cb(keventToEvents(&p.eventBuf[i]))
		dispatched++
	}
	return dispatched, nil
}

func eventsToKevents(fd int, ev Events, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	if ev&Readable != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&Writable != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return out
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var ev Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		ev |= Readable
	case unix.EVFILT_WRITE:
		ev |= Writable
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		ev |= Err
	}
	if kev.Flags&unix.EV_EOF != 0 {
		ev |= Hangup
	}
	return ev
}
