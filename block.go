package pocore

// block is a contiguous span of memory obtained from the OS (in this
// implementation, from the Go heap via make([]byte, n); that's pocore's
// "OS" for a memory-safe host language). Spec §3 "Block", §4.C.
type block struct {
	mem  []byte
	next *block
}

func newBlock(size int) *block {
	return &block{mem: make([]byte, size)}
}

// memroot is a root-pool configuration: the standard block size and
// free-list shared by a root pool and all of its descendants. Spec §3
// "Memroot".
type memroot struct {
	ctx       *Context
	stdsize   int
	freeList  *block // LIFO free-list of standard-sized blocks
	rootPool  *Pool
}

// acquireStandard returns a standard-sized block for this memroot, reusing
// one from the free-list (LIFO) if available. Spec §4.C.
func (mr *memroot) acquireStandard() *block {
	if b := mr.freeList; b != nil {
		mr.freeList = b.next
		b.next = nil
		return b
	}
	return newBlock(mr.stdsize)
}

// releaseStandard returns b to the memroot's free-list for reuse.
func (mr *memroot) releaseStandard(b *block) {
	b.next = mr.freeList
	mr.freeList = b
}

// teardown releases every standard block on the free-list. In this
// garbage-collected host, "release to the OS" just means dropping the
// last reference so the GC can reclaim it.
func (mr *memroot) teardown() {
	mr.freeList = nil
}

// acquireNonstandard obtains an oversized block, first probing the
// context's shared best-fit index, falling back to a fresh allocation.
// Spec §4.C.
func acquireNonstandard(ctx *Context, size int) *block {
	if mem := ctx.nonstdIndex.fetch(size); mem != nil {
		return &block{mem: mem}
	}
	return newBlock(size)
}

// releaseNonstandard indexes b into the context's shared best-fit tree so
// a later oversized request of a similar size can recycle it.
func releaseNonstandard(ctx *Context, b *block) {
	ctx.nonstdIndex.insert(b.mem)
}
