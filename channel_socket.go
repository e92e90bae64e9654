package pocore

import (
	"golang.org/x/sys/unix"

	"github.com/gstein/pocore/internal/reactor"
)

// Listener accepts incoming connections on a bound, listening socket.
// Spec §4.F "Listener".
type Listener struct {
	engine    *ChannelEngine
	fd        int
	flags     ChannelFlags
	acceptor  ListenerAcceptorFunc
	baton     any
	destroyed bool
}

// FD exposes the underlying listening socket's file descriptor.
func (l *Listener) FD() int { return l.fd }

func newNonblockingSocket(domain, typ int) (int, error) {
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func applyListenerDefaults(fd int, flags ChannelFlags) error {
	if flags&ChannelNoReuse == 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	return nil
}

func applyStreamDefaults(fd int, flags ChannelFlags) error {
	if flags&ChannelUseNagle == 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) newChannel(fd int, flags ChannelFlags) (*Channel, error) {
	e, err := ctx.handle()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Channel{engine: e, fd: fd, flags: flags, state: StateIdle}, nil
}

// DialTCP creates a non-blocking TCP stream socket, optionally binds src,
// and issues connect; an in-progress connect is treated as success (the
// caller observes completion via readability/writability). Spec §4.F
// "Channel creation".
func (ctx *Context) DialTCP(addr Addr, src *Addr, flags ChannelFlags) (*Channel, error) {
	sa, domain, err := addr.sockaddr()
	if err != nil {
		return nil, err
	}

	fd, oerr := newNonblockingSocket(domain, unix.SOCK_STREAM)
	if oerr != nil {
		return nil, convertOSError(oerr)
	}
	// fail closes the partially set-up socket and joins any close error
	// onto the setup error as a separate failure.
	fail := func(setupErr *Error) (*Channel, error) {
		return nil, Join(setupErr, convertOSError(unix.Close(fd)))
	}
	if oerr := applyStreamDefaults(fd, flags); oerr != nil {
		return fail(convertOSError(oerr))
	}

	if src != nil {
		srcSA, _, serr := src.sockaddr()
		if serr != nil {
			return fail(asError(serr))
		}
		if oerr := unix.Bind(fd, srcSA); oerr != nil {
			return fail(convertOSError(oerr))
		}
	}

	if oerr := unix.Connect(fd, sa); oerr != nil && oerr != unix.EINPROGRESS {
		return fail(convertOSError(oerr))
	}

	return ctx.newChannel(fd, flags)
}

// DialUDP creates a non-blocking UDP datagram socket, optionally bound to
// a source address. Spec §4.F "Channel creation".
func (ctx *Context) DialUDP(src *Addr, flags ChannelFlags) (*Channel, error) {
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if src != nil {
		var serr error
		sa, domain, serr = src.sockaddr()
		if serr != nil {
			return nil, serr
		}
	}

	fd, oerr := newNonblockingSocket(domain, unix.SOCK_DGRAM)
	if oerr != nil {
		return nil, convertOSError(oerr)
	}

	if sa != nil {
		if oerr := unix.Bind(fd, sa); oerr != nil {
			_ = unix.Close(fd)
			return nil, convertOSError(oerr)
		}
	}

	return ctx.newChannel(fd, flags)
}

// NewPipe returns two bidirectional endpoints of one pipe (a connected
// Unix-domain socket pair serves as the cross-platform stand-in for the
// source's bidirectional pipe primitive). Spec §4.F "Channel creation".
func (ctx *Context) NewPipe(flags ChannelFlags) (a, b *Channel, err error) {
	fds, oerr := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if oerr != nil {
		return nil, nil, convertOSError(oerr)
	}
	for _, fd := range fds {
		if oerr := unix.SetNonblock(fd, true); oerr != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, convertOSError(oerr)
		}
	}

	a, err = ctx.newChannel(fds[0], flags)
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err = ctx.newChannel(fds[1], flags)
	if err != nil {
		_ = a.Destroy()
		return nil, nil, err
	}
	return a, b, nil
}

// DialLocal connects to a Unix domain socket at path. Spec §4.F "Channel
// creation".
func (ctx *Context) DialLocal(path string, flags ChannelFlags) (*Channel, error) {
	addr := LocalAddr(path)
	sa, domain, err := addr.sockaddr()
	if err != nil {
		return nil, err
	}

	fd, oerr := newNonblockingSocket(domain, unix.SOCK_STREAM)
	if oerr != nil {
		return nil, convertOSError(oerr)
	}
	if oerr := unix.Connect(fd, sa); oerr != nil && oerr != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, convertOSError(oerr)
	}

	return ctx.newChannel(fd, flags)
}

// ListenTCP binds and listens on addr with the given backlog. Spec §4.F
// "Listener".
func (ctx *Context) ListenTCP(addr Addr, backlog int, flags ChannelFlags, acceptor ListenerAcceptorFunc, baton any) (*Listener, error) {
	sa, domain, err := addr.sockaddr()
	if err != nil {
		return nil, err
	}
	return ctx.listen(sa, domain, unix.SOCK_STREAM, backlog, flags, acceptor, baton)
}

// ListenLocal binds and listens on a Unix domain socket path. Spec §4.F
// "Listener".
func (ctx *Context) ListenLocal(path string, backlog int, flags ChannelFlags, acceptor ListenerAcceptorFunc, baton any) (*Listener, error) {
	addr := LocalAddr(path)
	sa, domain, err := addr.sockaddr()
	if err != nil {
		return nil, err
	}
	return ctx.listen(sa, domain, unix.SOCK_STREAM, backlog, flags, acceptor, baton)
}

func (ctx *Context) listen(sa unix.Sockaddr, domain, typ, backlog int, flags ChannelFlags, acceptor ListenerAcceptorFunc, baton any) (*Listener, error) {
	if backlog <= 0 {
		backlog = ListenerDefaultBacklog
	}

	fd, oerr := newNonblockingSocket(domain, typ)
	if oerr != nil {
		return nil, convertOSError(oerr)
	}
	if oerr := applyListenerDefaults(fd, flags); oerr != nil {
		_ = unix.Close(fd)
		return nil, convertOSError(oerr)
	}
	if oerr := unix.Bind(fd, sa); oerr != nil {
		_ = unix.Close(fd)
		return nil, convertOSError(oerr)
	}
	if oerr := unix.Listen(fd, backlog); oerr != nil {
		_ = unix.Close(fd)
		return nil, convertOSError(oerr)
	}

	e, err := ctx.handle()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{engine: e, fd: fd, flags: flags, acceptor: acceptor, baton: baton}
	if oerr := e.poller.Register(fd, reactor.Readable, func(reactor.Events) { e.onAcceptable(l) }); oerr != nil {
		_ = unix.Close(fd)
		return nil, convertOSError(oerr)
	}
	return l, nil
}

// onAcceptable drains pending connections on a listener's backlog,
// accepting non-blockingly until EAGAIN. Spec §4.F "Listener".
func (e *ChannelEngine) onAcceptable(l *Listener) {
	for {
		fd, err := acceptNonblocking(l.fd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			e.recordHandled(convertOSError(err))
			return
		}

		ch, cerr := e.ctx.newChannel(fd, l.flags)
		if cerr != nil {
			e.recordHandled(asError(cerr))
			continue
		}
		_ = applyStreamDefaults(fd, l.flags)

		if l.acceptor != nil {
			aerr := l.acceptor(l, ch, l.baton, e.scratch)
			e.scratch.Clear()
			e.recordHandled(aerr)
		}
	}
}

// Destroy unregisters and closes the listening socket.
func (l *Listener) Destroy() error {
	if l.destroyed {
		return nil
	}
	l.destroyed = true
	_ = l.engine.poller.Unregister(l.fd)
	return convertOSErrorOrNil(unix.Close(l.fd))
}
