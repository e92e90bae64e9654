package pocore

import (
	"errors"
	"fmt"
)

// Code identifies the broad class of a pocore error, per spec §6.
type Code int

const (
	// CodeTrace marks a pure annotation wrapper; it carries no semantic
	// meaning of its own and is skipped by code/message lookups.
	CodeTrace Code = iota

	// Usage errors: contract violations by the caller.
	CodeImproperUnhandledCall
	CodeImproperWrap
	CodeImproperDeregister
	CodeImproperCleanup
	CodeImproperReentry
	CodeNotRegistered
	CodeBadParam

	// Environment errors.
	CodeUnspecifiedOS
	CodeAddressLookup

	// CodeApplication is the last fixed code. Namespaced application
	// errors (see ErrorMap) carry codes of 10000 and up, past every fixed
	// code.
	CodeApplication
)

// Sentinel errors for errors.Is against the usage-error codes. These are
// the values Error.Code-bearing errors match through Error.Is, not values returned directly
// (a caller always gets an *Error, so it can also inspect Code()).
var (
	ErrImproperUnhandledCall = errors.New("pocore: error already handled, or handled via a non-root error")
	ErrImproperWrap          = errors.New("pocore: cannot wrap a nil error")
	ErrImproperDeregister    = errors.New("pocore: deregistration of a tracked item that still has owners")
	ErrImproperCleanup       = errors.New("pocore: cleanup of an item that still has owners")
	ErrImproperReentry       = errors.New("pocore: reentrant call into the channel engine")
	ErrNotRegistered         = errors.New("pocore: item is not registered")
	ErrBadParam              = errors.New("pocore: invalid parameter")
)

var codeSentinel = map[Code]error{
	CodeImproperUnhandledCall: ErrImproperUnhandledCall,
	CodeImproperWrap:          ErrImproperWrap,
	CodeImproperDeregister:    ErrImproperDeregister,
	CodeImproperCleanup:       ErrImproperCleanup,
	CodeImproperReentry:       ErrImproperReentry,
	CodeNotRegistered:         ErrNotRegistered,
	CodeBadParam:              ErrBadParam,
}

// Error is pocore's error object, per the contract in spec §6. It is a
// tree: Inner is the wrapped cause (for Wrap/Annotate/Trace), Separate is
// an orthogonal failure encountered while handling this one (for Join).
//
// Error implements the standard "Unwrap() error" shape so that errors.Is
// and errors.As work against Inner; Separate is not traversed by Unwrap
// since it is not "the" cause, merely a sibling failure — callers that
// care about it use Error.Separate directly.
type Error struct {
	code      Code
	namespace string // non-empty only for a namespaced application error
	message   string
	inner     error
	separate  *Error
	handled   bool
	root      bool // true if this Error owns the tree (created by Create/Wrap, not Trace)
}

// Create builds a new root error with the given code and formatted message.
func Create(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), root: true}
}

// CreateNamespaced builds a new application error in the given namespace.
// See ErrorMap for how namespaces map to a code range.
func CreateNamespaced(em *ErrorMap, namespace string, appCode int, format string, args ...any) *Error {
	base, ok := em.base(namespace)
	if !ok {
		return Create(CodeBadParam, "unknown error namespace %q", namespace)
	}
	return &Error{
		code:      Code(base + appCode),
		namespace: namespace,
		message:   fmt.Sprintf(format, args...),
		root:      true,
	}
}

// Wrap places outer (message, at this code) as the new root, with inner as
// the cause closer to the original failure. Wrapping a nil inner is a
// caller bug, reported as ErrImproperWrap.
func Wrap(code Code, message string, inner error) *Error {
	if inner == nil {
		return Create(CodeImproperWrap, "%s", ErrImproperWrap.Error())
	}
	return &Error{code: code, message: message, inner: inner, root: true}
}

// Annotate is Wrap with the inner error's own code carried through.
func Annotate(message string, inner error) *Error {
	if inner == nil {
		return Create(CodeImproperWrap, "%s", ErrImproperWrap.Error())
	}
	code := CodeTrace
	var pe *Error
	if errors.As(inner, &pe) {
		code = pe.code
	}
	return &Error{code: code, message: message, inner: inner, root: true}
}

// Join links a primary error with a separate, orthogonal failure (e.g. a
// cleanup error encountered while unwinding from a read error). Both
// failures are preserved; Join never discards either side.
func Join(primary, separate *Error) *Error {
	if primary == nil {
		return separate
	}
	if separate == nil {
		return primary
	}
	dup := *primary
	dup.separate = separate
	return &dup
}

// Trace wraps inner in a CodeTrace annotation, unless ctx has tracing
// disabled, in which case Trace is the identity function. Trace wrappers
// are transparent to Code/Message/Original, which skip over them.
func Trace(ctx *Context, inner *Error) *Error {
	if inner == nil || !ctx.tracingEnabled {
		return inner
	}
	return &Error{code: CodeTrace, inner: inner}
}

// Code returns the code of the first non-trace error in the chain.
func (e *Error) Code() Code {
	for cur := e; cur != nil; cur = asError(cur.inner) {
		if cur.code != CodeTrace {
			return cur.code
		}
	}
	return CodeTrace
}

// Errval exposes the namespaced application error value (code minus the
// namespace's base), valid only when Code() resolves to CodeApplication
// or higher via a namespace; for the fixed taxonomy codes it mirrors Code.
func (e *Error) Errval() int {
	for cur := e; cur != nil; cur = asError(cur.inner) {
		if cur.code != CodeTrace {
			if cur.namespace != "" {
				return int(cur.code) % 10000
			}
			return int(cur.code)
		}
	}
	return int(CodeTrace)
}

// Message returns the message of the first non-trace error in the chain.
func (e *Error) Message() string {
	for cur := e; cur != nil; cur = asError(cur.inner) {
		if cur.code != CodeTrace || cur.message != "" {
			return cur.message
		}
	}
	return ""
}

// Original returns the innermost error in the chain (the root cause).
func (e *Error) Original() *Error {
	cur := e
	for {
		next := asError(cur.inner)
		if next == nil {
			return cur
		}
		cur = next
	}
}

// Separate returns the orthogonal failure linked via Join, or nil.
func (e *Error) Separate() *Error { return e.separate }

// TraceInfo renders the chain of messages from outer to innermost, skipping
// pure CodeTrace frames that carry no message of their own.
func (e *Error) TraceInfo() []string {
	var out []string
	for cur := e; cur != nil; cur = asError(cur.inner) {
		if cur.message != "" {
			out = append(out, cur.message)
		}
	}
	return out
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.separate != nil {
		return fmt.Sprintf("%s (and a separate error: %s)", msg, e.separate.Error())
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.inner == nil {
		return nil
	}
	return e.inner
}

// Is supports errors.Is against the package sentinels for usage-error
// codes (e.g. errors.Is(err, pocore.ErrImproperReentry)).
func (e *Error) Is(target error) bool {
	if sentinel, ok := codeSentinel[e.Code()]; ok {
		return errors.Is(sentinel, target)
	}
	return false
}

func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// Handled marks the whole tree rooted at e as handled, releasing it from
// any context-visible unhandled list. Calling Handled twice on the same
// root, or calling it on a non-root Error (one produced by Trace rather
// than Create/Wrap/Annotate), is itself a usage error.
func Handled(ctx *Context, e *Error) error {
	if e == nil {
		return nil
	}
	if !e.root {
		return Create(CodeImproperUnhandledCall, "%s", ErrImproperUnhandledCall.Error())
	}
	if e.handled {
		return Create(CodeImproperUnhandledCall, "%s", ErrImproperUnhandledCall.Error())
	}
	e.handled = true
	if ctx != nil {
		ctx.forgetUnhandled(e)
	}
	return nil
}

// ErrorMap reserves a 10,000-code range per namespace, base value
// 10000*(index+1), per spec §6.
type ErrorMap struct {
	order []string
	index map[string]int
}

// NewErrorMap creates an error map with namespaces registered in order;
// the first namespace gets base 10000, the second 20000, and so on.
func NewErrorMap(namespaces ...string) *ErrorMap {
	em := &ErrorMap{index: make(map[string]int, len(namespaces))}
	for _, ns := range namespaces {
		em.Register(ns)
	}
	return em
}

// Register adds a namespace if not already present, returning its base.
func (em *ErrorMap) Register(namespace string) int {
	if i, ok := em.index[namespace]; ok {
		return 10000 * (i + 1)
	}
	i := len(em.order)
	em.order = append(em.order, namespace)
	em.index[namespace] = i
	return 10000 * (i + 1)
}

func (em *ErrorMap) base(namespace string) (int, bool) {
	i, ok := em.index[namespace]
	if !ok {
		return 0, false
	}
	return 10000 * (i + 1), true
}

// convertOSError wraps a raw OS failure as an *Error with CodeUnspecifiedOS,
// mirroring pc__convert_os_error in the original C source.
func convertOSError(err error) *Error {
	if err == nil {
		return nil
	}
	return Wrap(CodeUnspecifiedOS, err.Error(), err)
}
