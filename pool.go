package pocore

import (
	"fmt"
	"unsafe"
)

// allocAlign is the alignment boundary every Pool.Alloc span is rounded
// up to. 8 bytes covers any scalar type on both 32- and 64-bit targets;
// the reference implementation documents this as an implementation
// choice, so this module fixes on the wider of the two options spec §4.B
// allows.
const allocAlign = 8

// minRemnantSize is the smallest freed span worth indexing in a pool's
// remnant tree; smaller returns are silently dropped (spec §4.B
// "freemem"). In the reference implementation this is sized to fit a
// memtree node plus one machine word; here it is simply two machine
// words, since this module's memtree nodes are a separate allocation
// rather than an overlay (see memtree.go's package doc).
const minRemnantSize = 2 * 8

// coalesceSuffixSize is the trailing size-suffix room a coalescing pool
// reserves after every allocation it hands out; Freemem writes the span's
// size there, per spec §9 Open Question 3's
// resolution (b): the suffix is written, but freemem never reads it back
// to actually coalesce adjacent spans.
const coalesceSuffixSize = 8

func alignUp(n int) int {
	return (n + allocAlign - 1) &^ (allocAlign - 1)
}

// Pool is a region (arena) allocator: bump allocation from the current
// block, recycling of freed spans through a best-fit remnant tree, and a
// tree of child pools with transitive destruction. Spec §3 "Pool", §4.B.
type Pool struct {
	ctx *Context
	mr  *memroot

	originBlock *block // the pool's first standard block
	curMem      []byte // backing memory of the block currently being bumped
	pos         int    // bump position within curMem

	extraBlocks  []*block // standard blocks acquired beyond the origin
	nonstdBlocks []*block // oversized blocks allocated in this pool

	remnants tree

	parent   *Pool
	children []*Pool

	cleanups *cleanupRecord
	coalesce bool

	destroyed bool

	track trackRecord
}

// NewRootPool creates a new top-level pool under ctx, using ctx's default
// standard block size. Spec §4.B "root".
func NewRootPool(ctx *Context) *Pool {
	return NewRootPoolSized(ctx, DefaultStdsize)
}

// NewRootPoolSized is NewRootPool with an explicit standard block size. A
// size of DefaultStdsize (0) means "use the context's default"; sizes
// below StdsizeMin are clamped up. Spec §4.B "root_custom".
func NewRootPoolSized(ctx *Context, stdsize int) *Pool {
	eff := stdsize
	switch {
	case eff == 0:
		eff = ctx.stdsize
	case eff < StdsizeMin:
		eff = StdsizeMin
	}

	mr := &memroot{ctx: ctx, stdsize: eff}
	ctx.memroots = append(ctx.memroots, mr)

	p := &Pool{ctx: ctx, mr: mr}
	p.originBlock = mr.acquireStandard()
	p.curMem = p.originBlock.mem
	mr.rootPool = p
	return p
}

// CreateChild creates a child pool of p, inheriting p's memroot. Spec
// §4.B "create".
func (p *Pool) CreateChild() *Pool {
	return p.createChild(false)
}

// CreateCoalescingChild is CreateChild, but freed allocations in the
// returned pool carry a trailing size suffix (see coalesceSuffixSize).
// Spec §4.B "create_coalescing".
func (p *Pool) CreateCoalescingChild() *Pool {
	return p.createChild(true)
}

func (p *Pool) createChild(coalesce bool) *Pool {
	child := &Pool{ctx: p.ctx, mr: p.mr, parent: p, coalesce: coalesce}
	child.originBlock = p.mr.acquireStandard()
	child.curMem = child.originBlock.mem
	p.children = append(p.children, child)
	return child
}

// Alloc returns a pointer to at least n bytes, aligned to allocAlign. It
// never returns nil in the default configuration; out-of-memory is routed
// through the Context's OOMHandler (spec §4.B "Failure semantics"), and
// only returns nil when that handler opts into OOMSurrender.
func (p *Pool) Alloc(n int) []byte {
	if p.destroyed {
		panic("pocore: use of a destroyed pool")
	}

	want := alignUp(n)
	if p.coalesce {
		want += coalesceSuffixSize
	}

	mem := p.allocRaw(want)
	if mem == nil {
		return nil
	}
	if p.coalesce {
		// Keep the reserved suffix bytes reachable via cap(), so Freemem
		// can grow back into them to write the size suffix.
		return mem[:n:want]
	}
	return mem[:n:n]
}

func (p *Pool) allocRaw(want int) []byte {
	// Fast path: bump within the current block.
	if len(p.curMem)-p.pos >= want {
		mem := p.curMem[p.pos : p.pos+want]
		p.pos += want
		return mem
	}

	// Remnant path: best-fit from this pool's own freed spans.
	if mem := p.remnants.fetch(want); mem != nil {
		if slack := len(mem) - want; slack >= minRemnantSize {
			p.remnants.insert(mem[want:])
			mem = mem[:want]
		}
		return mem
	}

	// Standard-block path: the request fits within a fresh standard
	// block once carved from its head.
	if want <= p.mr.stdsize {
		if leftover := len(p.curMem) - p.pos; leftover >= minRemnantSize {
			p.remnants.insert(p.curMem[p.pos:])
		}

		nb := p.mr.acquireStandard()
		p.extraBlocks = append(p.extraBlocks, nb)
		p.curMem = nb.mem
		mem := p.curMem[:want]
		p.pos = want
		return mem
	}

	// Oversized path.
	nb := p.oomRetry(want)
	if nb.mem == nil {
		// OOMSurrender: propagate the null span rather than slicing it.
		return nil
	}
	p.nonstdBlocks = append(p.nonstdBlocks, nb)
	return nb.mem[:want]
}

// oomRetry acquires a non-standard block of the given size, consulting
// the context's OOM handler on failure. In this Go port, the only way
// "acquisition fails" is a panic from the runtime allocator (e.g.
// requesting a negative or absurd size), so this mostly exists to give
// OOMHandler a real, documented call site rather than being vestigial.
func (p *Pool) oomRetry(size int) *block {
	for {
		var nb *block
		var failed bool
		func() {
			defer func() {
				if recover() != nil {
					failed = true
				}
			}()
			nb = acquireNonstandard(p.ctx, size)
		}()
		if !failed {
			return nb
		}

		switch p.ctx.oomHandler(size) {
		case OOMRetry:
			continue
		case OOMSurrender:
			return &block{mem: nil}
		default: // OOMAbort
			panic(fmt.Sprintf("pocore: out of memory allocating %d bytes", size))
		}
	}
}

// Freemem returns a previously allocated span to the pool's remnant tree,
// if it is at least minRemnantSize; smaller returns are silently dropped.
// Spec §4.B "freemem".
func (p *Pool) Freemem(mem []byte) {
	if len(mem) < minRemnantSize {
		return
	}

	if p.coalesce {
		if full := growToCap(mem); cap(full) >= len(mem)+coalesceSuffixSize {
			putUint64(full[len(mem):len(mem)+coalesceSuffixSize], uint64(len(mem)))
		}
	}

	p.remnants.insert(mem)
}

func growToCap(mem []byte) []byte {
	return mem[:cap(mem)]
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// teardownContents drains cleanups, recursively destroys children
// (re-draining cleanups that child teardown may register on p, with
// priority over further child destruction -- see spec §4.B "Clear
// algorithm" and §9 Design Notes), and returns non-standard and extra
// standard blocks to their respective free lists.
func (p *Pool) teardownContents() {
	for {
		p.runAllCleanups()

		if len(p.children) == 0 {
			break
		}
		kids := p.children
		p.children = nil
		for _, c := range kids {
			c.destroyRecursive()
		}
	}

	for _, b := range p.nonstdBlocks {
		releaseNonstandard(p.ctx, b)
	}
	p.nonstdBlocks = nil

	for _, b := range p.extraBlocks {
		p.mr.releaseStandard(b)
	}
	p.extraBlocks = nil
}

// Clear tears down a pool's contents (as Destroy does) but the pool
// itself survives, reset to its pristine, just-created state. Spec §4.B
// "clear".
func (p *Pool) Clear() {
	if p.destroyed {
		panic("pocore: use of a destroyed pool")
	}
	p.teardownContents()
	p.curMem = p.originBlock.mem
	p.pos = 0
	p.remnants = tree{}
}

// Destroy recursively destroys children, runs cleanups in order, returns
// all blocks to their free lists, and unlinks p from its parent (or, for
// a root pool, unlinks its memroot from the context and releases the
// memroot's standard-block free-list). Spec §4.B "destroy".
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyRecursive()
	return nil
}

func (p *Pool) destroyRecursive() {
	p.teardownContents()
	p.mr.releaseStandard(p.originBlock)

	if p.parent != nil {
		removePoolChild(p.parent, p)
	} else {
		removeMemroot(p.ctx, p.mr)
		p.mr.teardown()
	}

	if p.track.inUse {
		p.track.inUse = false
	}

	p.destroyed = true
	p.curMem = nil
	p.originBlock = nil
}

func removePoolChild(parent, child *Pool) {
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			return
		}
	}
}

func removeMemroot(ctx *Context, mr *memroot) {
	for i, cand := range ctx.memroots {
		if cand == mr {
			ctx.memroots = append(ctx.memroots[:i], ctx.memroots[i+1:]...)
			return
		}
	}
}

// Reparent detaches p from its current parent and splices it under
// newParent. A root pool cannot be reparented. If the two pools belong to
// different memroots, every descendant of p has its memroot (and
// context) pointer rebound, and any shift callback registered against a
// cleanup anywhere in the subtree is invoked. Spec §4.B "reparent".
func (p *Pool) Reparent(newParent *Pool) error {
	if p.parent == nil {
		return Create(CodeBadParam, "root pools cannot be reparented")
	}
	if newParent == p || isDescendant(p, newParent) {
		return Create(CodeBadParam, "reparenting would create a cycle")
	}

	removePoolChild(p.parent, p)
	p.parent = newParent
	newParent.children = append(newParent.children, p)

	if p.mr != newParent.mr {
		newMr := newParent.mr
		newCtx := newParent.ctx
		walkPoolSubtree(p, func(desc *Pool) {
			desc.mr = newMr
			desc.ctx = newCtx
			for rec := desc.cleanups; rec != nil; rec = rec.next {
				if rec.shift != nil {
					rec.shift(rec.data)
				}
			}
		})
	}
	return nil
}

func isDescendant(ancestor, candidate *Pool) bool {
	found := false
	walkPoolSubtree(ancestor, func(desc *Pool) {
		if desc == candidate {
			found = true
		}
	})
	return found
}

func walkPoolSubtree(p *Pool, fn func(*Pool)) {
	fn(p)
	for _, c := range p.children {
		walkPoolSubtree(c, fn)
	}
}

// --- convenience builders layered on Alloc, spec §4.B ---

// StrDup copies s into pool-owned memory and returns a string backed by
// that copy.
func (p *Pool) StrDup(s string) string {
	return p.StrMemDup(s)
}

// StrMemDup copies s (or any string-like value) into pool-owned memory.
func (p *Pool) StrMemDup(s string) string {
	if len(s) == 0 {
		return ""
	}
	buf := p.Alloc(len(s))
	copy(buf, s)
	return bytesToString(buf)
}

// StrNDup copies at most n bytes of s into pool-owned memory.
func (p *Pool) StrNDup(s string, n int) string {
	if n > len(s) {
		n = len(s)
	}
	return p.StrMemDup(s[:n])
}

// MemDup copies src into a pool-owned byte slice.
func (p *Pool) MemDup(src []byte) []byte {
	buf := p.Alloc(len(src))
	copy(buf, src)
	return buf
}

// Sprintf formats into pool-owned memory.
func (p *Pool) Sprintf(format string, args ...any) string {
	return p.StrMemDup(fmt.Sprintf(format, args...))
}

// StrCat concatenates parts into a single pool-owned string.
func (p *Pool) StrCat(parts ...string) string {
	n := 0
	for _, s := range parts {
		n += len(s)
	}
	buf := p.Alloc(n)
	pos := 0
	for _, s := range parts {
		pos += copy(buf[pos:], s)
	}
	return bytesToString(buf)
}

func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
