package pocore

// Constants from spec §6.
const (
	// DefaultStdsize is the sentinel meaning "use the context's default
	// standard block size" when creating a root pool.
	DefaultStdsize = 0

	// StdsizeMin is the smallest standard block size a memroot will
	// accept; smaller requests are clamped up.
	StdsizeMin = 256

	// contextDefaultStdsize is the actual default used when a context is
	// created with a zero Config.StdSize.
	contextDefaultStdsize = 8192

	// ReadBufferDefault is the default capacity of a channel engine read
	// buffer, deliberately sub-page to leave slack for allocator headers.
	ReadBufferDefault = 16000
)

// OOMDecision is returned by an OOMHandler to tell the allocator how to
// proceed after a failed attempt to obtain memory from the OS.
type OOMDecision int

const (
	// OOMAbort terminates the process. This is the default policy,
	// preserving the "alloc never returns null" invariant.
	OOMAbort OOMDecision = iota
	// OOMRetry asks the allocator to attempt the acquisition again.
	OOMRetry
	// OOMSurrender asks the allocator to return a nil pointer to the
	// caller. Only meaningful for a caller that explicitly opted in by
	// installing a custom OOMHandler and is prepared to handle nil.
	OOMSurrender
)

// OOMHandler is invoked with the number of bytes that could not be
// obtained from the OS. The default handler always returns OOMAbort.
type OOMHandler func(requested int) OOMDecision

func defaultOOMHandler(int) OOMDecision { return OOMAbort }

// Config configures a new Context. A zero Config is valid and uses the
// documented defaults.
type Config struct {
	// StdSize is the default standard block size, in bytes, for root
	// pools that don't request a custom size. Zero means
	// contextDefaultStdsize (8192); values below StdsizeMin are clamped.
	StdSize int

	// OOMHandler is invoked whenever a block acquisition from the OS
	// fails. Nil means defaultOOMHandler (always aborts).
	OOMHandler OOMHandler

	// Tracing enables Trace() wrapping of errors traversing this
	// context. Off by default, matching spec §7 ("no default logging").
	Tracing bool

	// TrackUnhandled enables recording, in a context-visible list for
	// Context.Unhandled() post-mortem inspection, the errors the channel
	// engine takes from callbacks and I/O failures (the engine marks each
	// one handled as it records it). Errors built with Create, Wrap and
	// the like are not recorded. Off by default; recorded errors stay in
	// the list for the life of the context.
	TrackUnhandled bool
}

// Context is the top-level, process-visible root described in spec §3. All
// pools, cleanup/tracking state, and the channel engine for one independent
// instance of the runtime hang off a Context. A Context must be driven
// from a single goroutine (see spec §5, Non-goals).
type Context struct {
	stdsize    int
	oomHandler OOMHandler

	// nonstdIndex is the context-wide best-fit index of returned
	// oversized blocks, shared across all memroots (spec §3).
	nonstdIndex tree

	// memroots is the list of root-pool configurations currently alive
	// under this context.
	memroots []*memroot

	// freeCleanups is the context-wide free-list of reclaimed cleanup
	// records (spec §3, "free-lists of reusable cleanup records").
	freeCleanups *cleanupRecord

	// tracking is the context-wide lifetime dependency graph (§4.E).
	tracking trackingRegistry

	// engine is lazily created on first use (spec §4.F "Lifecycle").
	engine *ChannelEngine

	tracingEnabled bool
	trackUnhandled bool
	unhandled      []*Error
}

// NewContext creates a new, empty Context.
func NewContext(cfg Config) *Context {
	stdsize := cfg.StdSize
	if stdsize == 0 {
		stdsize = contextDefaultStdsize
	} else if stdsize < StdsizeMin {
		stdsize = StdsizeMin
	}

	oom := cfg.OOMHandler
	if oom == nil {
		oom = defaultOOMHandler
	}

	return &Context{
		stdsize:        stdsize,
		oomHandler:     oom,
		tracingEnabled: cfg.Tracing,
		trackUnhandled: cfg.TrackUnhandled,
	}
}

// Destroy tears the context down. It is a caller bug to call Destroy while
// any root pool is still alive; Destroy reports that as ErrBadParam rather
// than silently leaking or destroying pools out from under callers.
func (ctx *Context) Destroy() error {
	if ctx.engine != nil {
		ctx.engine.shutdown()
		ctx.engine = nil
	}
	if len(ctx.memroots) != 0 {
		return Create(CodeBadParam, "context destroyed with %d live root pool(s)", len(ctx.memroots))
	}
	return nil
}

func (ctx *Context) registerUnhandled(e *Error) {
	if ctx.trackUnhandled && e != nil {
		ctx.unhandled = append(ctx.unhandled, e)
	}
}

func (ctx *Context) forgetUnhandled(e *Error) {
	for i, cand := range ctx.unhandled {
		if cand == e {
			ctx.unhandled = append(ctx.unhandled[:i], ctx.unhandled[i+1:]...)
			return
		}
	}
}

// Unhandled returns the errors currently tracked as unhandled, for
// post-mortem inspection. Only populated when Config.TrackUnhandled is set.
func (ctx *Context) Unhandled() []*Error {
	out := make([]*Error, len(ctx.unhandled))
	copy(out, ctx.unhandled)
	return out
}

func (ctx *Context) getCleanupRecord() *cleanupRecord {
	if r := ctx.freeCleanups; r != nil {
		ctx.freeCleanups = r.next
		*r = cleanupRecord{}
		return r
	}
	return &cleanupRecord{}
}

func (ctx *Context) putCleanupRecord(r *cleanupRecord) {
	*r = cleanupRecord{next: ctx.freeCleanups}
	ctx.freeCleanups = r
}
