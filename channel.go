package pocore

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gstein/pocore/internal/reactor"
)

// Channel flags. Spec §6 "Constants & flags".
type ChannelFlags int

const (
	ChannelDefault  ChannelFlags = 0
	ChannelNoReuse  ChannelFlags = 1 << 0
	ChannelUseNagle ChannelFlags = 1 << 1
)

// Read-consumer sentinel returns. Spec §4.F "Sentinels".
const (
	ConsumeStop     = -1
	ConsumeContinue = -2
)

// ListenerDefaultBacklog is the default backlog passed to listen(2).
const ListenerDefaultBacklog = 5

// maxStackIOV mirrors the engine's fixed-size on-stack iovec scratch
// array; vectors at or below this length are patched without a scratch
// pool allocation. Spec §3 "Channel engine state".
const maxStackIOV = 128

// ReadConsumerFunc is invoked with newly read bytes (or buf == nil on a
// would-block notification) and reports how many bytes it consumed, or
// one of the ConsumeStop/ConsumeContinue sentinels. Spec §4.F, §6.
type ReadConsumerFunc func(buf []byte, ch *Channel, baton any, scratch *Pool) (consumed int, err *Error)

// WriteProducerFunc supplies the next vector to write, or a nil vector to
// signal nothing more to write for now. Spec §4.F, §6.
type WriteProducerFunc func(ch *Channel, baton any, scratch *Pool) (iov [][]byte, err *Error)

// ListenerAcceptorFunc is invoked once per accepted connection. Spec §4.F,
// §6.
type ListenerAcceptorFunc func(l *Listener, ch *Channel, baton any, scratch *Pool) *Error

// ChannelState is the per-channel state-machine position. Spec §4.F
// "State machine per channel".
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateWantRead
	StateWantWrite
	StateWantBoth
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWantRead:
		return "want-read"
	case StateWantWrite:
		return "want-write"
	case StateWantBoth:
		return "want-both"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// readBuffer is a pooled receive buffer. Spec §3 "Read buffer".
type readBuffer struct {
	mem       []byte
	cur       int
	remaining int
	next      *readBuffer
}

// Channel is a non-blocking socket endpoint multiplexed by a
// ChannelEngine. Spec §3 "Channel".
type Channel struct {
	engine *ChannelEngine
	fd     int
	flags  ChannelFlags

	readBaton  any
	writeBaton any
	onRead     ReadConsumerFunc
	onWrite    WriteProducerFunc

	desireReadFlag  bool
	desireWriteFlag bool
	registered      bool

	pendingRead   *readBuffer
	pendingVec    [][]byte
	pendingOffset int

	state ChannelState

	readClosed  bool
	writeClosed bool
	destroyed   bool
}

// FD exposes the underlying OS file descriptor, for callers that need to
// set additional socket options this library doesn't wrap.
func (ch *Channel) FD() int { return ch.fd }

// State reports the channel's current state-machine position.
func (ch *Channel) State() ChannelState { return ch.state }

// ChannelEngine is the per-context, single-threaded, non-blocking I/O
// reactor. Spec §4.F "Channel engine".
type ChannelEngine struct {
	ctx     *Context
	pool    *Pool
	scratch *Pool
	poller  reactor.Poller

	running bool

	readBufSize int
	readBufFree *readBuffer

	pendingDispatch []*Channel
}

// handle lazily initializes and returns ctx's channel engine. Spec §4.F
// "Lifecycle".
func (ctx *Context) handle() (*ChannelEngine, error) {
	if ctx.engine != nil {
		return ctx.engine, nil
	}

	p := NewRootPool(ctx)
	e := &ChannelEngine{
		ctx:         ctx,
		pool:        p,
		scratch:     p.CreateChild(),
		poller:      reactor.New(),
		readBufSize: ReadBufferDefault,
	}
	if err := e.poller.Open(); err != nil {
		_ = p.Destroy()
		return nil, convertOSError(err)
	}
	ctx.engine = e
	return e, nil
}

// shutdown tears the engine down; called from Context.Destroy.
func (e *ChannelEngine) shutdown() {
	_ = e.poller.Close()
	_ = e.pool.Destroy()
}

// SetReadBufferSize sets the engine-wide capacity used for new read
// buffers. Spec §4.F "Buffer adjustment", §9 Open Question 2: this
// implementation adopts the engine-wide policy, not a per-channel one.
func (ctx *Context) SetReadBufferSize(n int) error {
	e, err := ctx.handle()
	if err != nil {
		return err
	}
	if n <= 0 {
		return Create(CodeBadParam, "read buffer size must be positive")
	}
	e.readBufSize = n
	return nil
}

// getReadBuffer pops a drained buffer from the free-list, or allocates a
// fresh one from the engine's own pool. Spec §3 "Read buffer": "allocated
// on demand from the channel-engine pool; pooled when drained."
func (e *ChannelEngine) getReadBuffer() *readBuffer {
	if b := e.readBufFree; b != nil {
		e.readBufFree = b.next
		b.next = nil
		b.cur = 0
		b.remaining = 0
		return b
	}
	return &readBuffer{mem: e.pool.Alloc(e.readBufSize)}
}

func (e *ChannelEngine) putReadBuffer(b *readBuffer) {
	b.cur, b.remaining = 0, 0
	b.next = e.readBufFree
	e.readBufFree = b
}

func (e *ChannelEngine) recordHandled(err *Error) {
	if err == nil {
		return
	}
	_ = Handled(e.ctx, err)
	e.ctx.registerUnhandled(err)
}

// Run executes exactly one pass of the event loop: re-presentation of any
// back-pressured read buffers, then one poll-and-dispatch batch. Spec
// §4.F "Event loop".
func (ctx *Context) Run(timeoutMs int) error {
	e, err := ctx.handle()
	if err != nil {
		return err
	}
	return e.run(timeoutMs)
}

func (e *ChannelEngine) run(timeoutMs int) error {
	if e.running {
		return Create(CodeImproperReentry, "%s", ErrImproperReentry.Error())
	}
	e.running = true
	defer func() { e.running = false }()

	pending := e.pendingDispatch
	e.pendingDispatch = nil
	for _, ch := range pending {
		e.onReadable(ch)
	}

	if _, err := e.poller.Poll(timeoutMs); err != nil {
		return convertOSError(err)
	}
	return nil
}

func (ch *Channel) wantedEvents() reactor.Events {
	var ev reactor.Events
	if ch.desireReadFlag {
		ev |= reactor.Readable
	}
	if ch.desireWriteFlag {
		ev |= reactor.Writable
	}
	return ev
}

func (e *ChannelEngine) updateInterest(ch *Channel) error {
	want := ch.wantedEvents()
	switch {
	case want == 0 && ch.registered:
		ch.registered = false
		return convertOSErrorOrNil(e.poller.Unregister(ch.fd))
	case want != 0 && !ch.registered:
		ch.registered = true
		cb := func(ev reactor.Events) {
			if ev&reactor.Readable != 0 {
				e.onReadable(ch)
			}
			if ev&reactor.Writable != 0 {
				e.onWritable(ch)
			}
		}
		return convertOSErrorOrNil(e.poller.Register(ch.fd, want, cb))
	case want != 0 && ch.registered:
		return convertOSErrorOrNil(e.poller.Modify(ch.fd, want))
	}
	return nil
}

func (ch *Channel) recomputeState() {
	switch {
	case ch.destroyed:
		ch.state = StateClosed
	case ch.desireReadFlag && ch.desireWriteFlag:
		ch.state = StateWantBoth
	case ch.desireReadFlag:
		ch.state = StateWantRead
	case ch.desireWriteFlag:
		ch.state = StateWantWrite
	default:
		ch.state = StateIdle
	}
}

// DesireRead arms the channel's read interest with the given consumer
// callback. If a buffer was stashed by a previous back-pressure event, it
// is re-presented on the next Run pass before any further OS read. Spec
// §4.F "Read protocol".
func (ch *Channel) DesireRead(consumer ReadConsumerFunc, baton any) error {
	if ch.destroyed {
		return Create(CodeBadParam, "channel is destroyed")
	}
	ch.onRead = consumer
	ch.readBaton = baton
	ch.desireReadFlag = true
	ch.recomputeState()

	if ch.pendingRead != nil {
		ch.engine.pendingDispatch = append(ch.engine.pendingDispatch, ch)
	}
	return ch.engine.updateInterest(ch)
}

// DesireWrite arms the channel's write interest with the given producer
// callback. Spec §4.F "Write protocol".
func (ch *Channel) DesireWrite(producer WriteProducerFunc, baton any) error {
	if ch.destroyed {
		return Create(CodeBadParam, "channel is destroyed")
	}
	ch.onWrite = producer
	ch.writeBaton = baton
	ch.desireWriteFlag = true
	ch.recomputeState()
	return ch.engine.updateInterest(ch)
}

// Close shuts down the specified directions; the OS socket is actually
// released only on Destroy. Spec §4.F "State machine per channel".
func (ch *Channel) Close(stopRead, stopWrite bool) error {
	if stopRead && !ch.readClosed {
		ch.readClosed = true
		ch.desireReadFlag = false
		_ = unix.Shutdown(ch.fd, unix.SHUT_RD)
	}
	if stopWrite && !ch.writeClosed {
		ch.writeClosed = true
		ch.desireWriteFlag = false
		_ = unix.Shutdown(ch.fd, unix.SHUT_WR)
	}
	ch.recomputeState()
	return ch.engine.updateInterest(ch)
}

// Destroy releases the channel: unregisters it from the engine, closes
// the OS socket, and returns any stashed read buffer to the free-list.
func (ch *Channel) Destroy() error {
	if ch.destroyed {
		return nil
	}
	ch.desireReadFlag = false
	ch.desireWriteFlag = false
	if ch.registered {
		_ = ch.engine.poller.Unregister(ch.fd)
		ch.registered = false
	}
	if ch.pendingRead != nil {
		ch.engine.putReadBuffer(ch.pendingRead)
		ch.pendingRead = nil
	}
	ch.destroyed = true
	ch.state = StateClosed
	return convertOSErrorOrNil(unix.Close(ch.fd))
}

func convertOSErrorOrNil(err error) error {
	if err == nil {
		return nil
	}
	return convertOSError(err)
}

// onReadable drives the read protocol for one readable notification (or
// one re-presentation of a stashed buffer). Spec §4.F "Read protocol".
func (e *ChannelEngine) onReadable(ch *Channel) {
	if !ch.desireReadFlag || ch.onRead == nil {
		return
	}

	for {
		if ch.pendingRead != nil {
			buf := ch.pendingRead
			ch.pendingRead = nil
			data := buf.mem[buf.cur : buf.cur+buf.remaining]
			consumed, cerr := ch.onRead(data, ch, ch.readBaton, e.scratch)
			e.scratch.Clear()
			e.recordHandled(cerr)

			switch {
			case consumed == ConsumeStop:
				ch.desireReadFlag = false
				e.putReadBuffer(buf)
				ch.recomputeState()
				_ = e.updateInterest(ch)
				return
			case consumed == ConsumeContinue || consumed == buf.remaining:
				e.putReadBuffer(buf)
				continue
			case consumed >= 0 && consumed < buf.remaining:
				buf.cur += consumed
				buf.remaining -= consumed
				ch.pendingRead = buf
				ch.desireReadFlag = false
				ch.recomputeState()
				_ = e.updateInterest(ch)
				return
			default:
				ch.desireReadFlag = false
				e.putReadBuffer(buf)
				ch.recomputeState()
				_ = e.updateInterest(ch)
				return
			}
		}

		buf := e.getReadBuffer()
		n, err := readRetryEINTR(ch.fd, buf.mem)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			e.putReadBuffer(buf)
			consumed, cerr := ch.onRead(nil, ch, ch.readBaton, e.scratch)
			e.scratch.Clear()
			e.recordHandled(cerr)
			if consumed != ConsumeContinue {
				ch.desireReadFlag = false
			}
			ch.recomputeState()
			_ = e.updateInterest(ch)
			return
		}
		if err != nil {
			e.putReadBuffer(buf)
			ch.desireReadFlag = false
			ch.recomputeState()
			_ = e.updateInterest(ch)
			e.recordHandled(convertOSError(err))
			return
		}
		if n == 0 {
			e.putReadBuffer(buf)
			ch.desireReadFlag = false
			ch.recomputeState()
			_ = e.updateInterest(ch)
			return
		}

		consumed, cerr := ch.onRead(buf.mem[:n], ch, ch.readBaton, e.scratch)
		e.scratch.Clear()
		e.recordHandled(cerr)

		switch {
		case consumed == ConsumeStop:
			ch.desireReadFlag = false
			e.putReadBuffer(buf)
			ch.recomputeState()
			_ = e.updateInterest(ch)
			return
		case consumed == ConsumeContinue || consumed == n:
			e.putReadBuffer(buf)
			continue
		case consumed >= 0 && consumed < n:
			buf.cur = consumed
			buf.remaining = n - consumed
			ch.pendingRead = buf
			ch.desireReadFlag = false
			ch.recomputeState()
			_ = e.updateInterest(ch)
			return
		default:
			ch.desireReadFlag = false
			e.putReadBuffer(buf)
			ch.recomputeState()
			_ = e.updateInterest(ch)
			return
		}
	}
}

func readRetryEINTR(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// onWritable drives the write protocol for one writable notification.
// Spec §4.F "Write protocol".
func (e *ChannelEngine) onWritable(ch *Channel) {
	if !ch.desireWriteFlag || ch.onWrite == nil {
		return
	}

	for {
		if ch.pendingVec == nil {
			iov, cerr := ch.onWrite(ch, ch.writeBaton, e.scratch)
			e.scratch.Clear()
			e.recordHandled(cerr)

			if iov == nil {
				ch.desireWriteFlag = false
				ch.recomputeState()
				_ = e.updateInterest(ch)
				return
			}
			ch.pendingVec = iov
			ch.pendingOffset = 0
		}

		patched := patchVector(ch.pendingVec, ch.pendingOffset)
		n, err := writevRetryEINTR(ch.fd, patched)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			ch.desireWriteFlag = false
			ch.recomputeState()
			_ = e.updateInterest(ch)
			e.recordHandled(convertOSError(err))
			return
		}
		if n == 0 {
			return
		}

		if adjustPending(ch, n) {
			ch.pendingVec = nil
			ch.pendingOffset = 0
			continue
		}
		return
	}
}

// patchVector builds the vector actually passed to the OS: element 0
// adjusted by offset, everything after copied as-is. Vectors within
// maxStackIOV elements are patched into a fixed-size local array; longer
// ones fall back to a heap slice (this implementation's one departure
// from pool-backed scratch allocation, since Pool.Alloc hands out raw
// bytes, not typed slice headers). Spec §4.F "Write protocol" step 2.
func patchVector(vec [][]byte, offset int) [][]byte {
	if offset == 0 {
		return vec
	}

	n := len(vec)
	var out [][]byte
	if n <= maxStackIOV {
		var stack [maxStackIOV][]byte
		out = stack[:n]
	} else {
		out = make([][]byte, n)
	}
	out[0] = vec[0][offset:]
	copy(out[1:], vec[1:])
	return out
}

// adjustPending steps n bytes across ch.pendingVec, dropping fully
// consumed elements and leaving a partial offset into the first
// remaining one. Reports whether the whole pending set is now consumed.
func adjustPending(ch *Channel, n int) bool {
	for n > 0 && len(ch.pendingVec) > 0 {
		first := ch.pendingVec[0][ch.pendingOffset:]
		if n < len(first) {
			ch.pendingOffset += n
			return false
		}
		n -= len(first)
		ch.pendingVec = ch.pendingVec[1:]
		ch.pendingOffset = 0
	}
	return len(ch.pendingVec) == 0
}

func writevRetryEINTR(fd int, vec [][]byte) (int, error) {
	iovecs := make([]unix.Iovec, 0, len(vec))
	for _, b := range vec {
		if len(b) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.Base = &b[0]
		iov.SetLen(len(b))
		iovecs = append(iovecs, iov)
	}
	if len(iovecs) == 0 {
		return 0, nil
	}
	for {
		n, _, errno := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&iovecs[0])), uintptr(len(iovecs)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return int(n), errno
		}
		return int(n), nil
	}
}
